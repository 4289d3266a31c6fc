package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sjadev/toolvault/internal/tracing"
	"github.com/sjadev/toolvault/pkg/apikey"
	"github.com/sjadev/toolvault/pkg/auth"
	"github.com/sjadev/toolvault/pkg/session"
)

type loginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type createKeyRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	AccessMode  string            `json:"access_mode,omitempty"`
	Tools       []string          `json:"tools,omitempty"`
	Patterns    []string          `json:"patterns,omitempty"`
	ExpiresAt   string            `json:"expires_at,omitempty"`
	RateLimit   *apikey.RateLimit `json:"rate_limit,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, ctx auth.Context)

// requireAuth resolves the request credential before the handler runs. Each
// request gets fresh trace and request ids, and the caller identity joins
// the context after authentication so downstream logs carry all three.
func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		down := s.isShuttingDown
		s.shutdownMu.RUnlock()
		if down {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}

		r = r.WithContext(tracing.NewRequestContext(r.Context()))

		ctx, ok, message := s.auth.AuthenticateRequest(r.Header)
		if !ok {
			writeError(w, http.StatusUnauthorized, message)
			return
		}
		r = r.WithContext(tracing.WithUserID(r.Context(), ctx.UserID()))
		next(w, r, ctx)
	}
}

// requireAdmin additionally demands an admin session. API keys never reach
// the admin surface.
func (s *Server) requireAdmin(next authedHandler) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request, ctx auth.Context) {
		if ctx.Type != auth.TypeSession || !ctx.Session.HasRole(session.AdminRole) {
			writeError(w, http.StatusForbidden, "administrator session required")
			return
		}
		next(w, r, ctx)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"uptime_seconds":  int(time.Since(s.startTime).Seconds()),
		"tools_loaded":    len(s.registry.GetAllEnabled()),
		"load_errors":     len(s.registry.Errors()),
		"active_sessions": s.sessions.ActiveSessions(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, ok := s.sessions.Authenticate(tracing.NewRequestContext(r.Context()), req.UserID, req.Password)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	authorization := r.Header.Get("Authorization")
	const bearer = "Bearer "
	if len(authorization) <= len(bearer) || authorization[:len(bearer)] != bearer {
		writeError(w, http.StatusBadRequest, "bearer token required")
		return
	}
	if !s.sessions.Logout(authorization[len(bearer):]) {
		writeError(w, http.StatusUnauthorized, "unknown session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request, ctx auth.Context) {
	descriptors := s.registry.GetAllEnabled()
	names := make([]string, 0, len(descriptors))
	byName := make(map[string]map[string]any, len(descriptors))
	for _, desc := range descriptors {
		names = append(names, desc.Name)
		byName[desc.Name] = map[string]any{
			"name":        desc.Name,
			"description": desc.Tool.Description(),
			"schema":      desc.Tool.InputSchema(),
		}
	}

	visible := s.auth.AccessibleTools(ctx, names)
	out := make([]map[string]any, 0, len(visible))
	for _, name := range visible {
		if entry, ok := byName[name]; ok {
			out = append(out, entry)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request, ctx auth.Context) {
	name := r.PathValue("name")

	if allowed, reason := s.auth.CheckToolAccess(ctx, name); !allowed {
		writeError(w, http.StatusForbidden, reason)
		return
	}

	var args map[string]any
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.registry.Invoke(r.Context(), name, args)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleLoadErrors(w http.ResponseWriter, r *http.Request, ctx auth.Context) {
	writeJSON(w, http.StatusOK, map[string]any{"errors": s.registry.Errors()})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request, ctx auth.Context) {
	if s.coordinator == nil {
		writeError(w, http.StatusNotImplemented, "reload coordinator not configured")
		return
	}
	if err := s.coordinator.Trigger(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request, ctx auth.Context) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	record, err := s.keys.CreateKey(r.Context(), apikey.CreateRequest{
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   ctx.Session.UserID,
		AccessMode:  req.AccessMode,
		Tools:       req.Tools,
		Patterns:    req.Patterns,
		ExpiresAt:   req.ExpiresAt,
		RateLimit:   req.RateLimit,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// The only moment the full key value is disclosed.
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request, ctx auth.Context) {
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.keys.ListKeys(false)})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request, ctx auth.Context) {
	query := r.PathValue("key")

	record, found := s.keys.GetKeyByPartialMatch(query)
	if !found {
		writeError(w, http.StatusNotFound, "no key matches")
		return
	}
	deleted, err := s.keys.DeleteKey(record.Key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "no key matches")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
