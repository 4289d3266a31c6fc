// Package reload drives periodic and on-demand refresh of the durable
// state the server holds in memory: the tool registry, the user account
// collection, and the API key collection.
package reload

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sjadev/toolvault/pkg/registry"
)

// Reloader re-reads durable state from disk. Both authorities satisfy it.
type Reloader interface {
	Reload() error
}

// IdleSweeper reaps idle sessions outside the lazy validate path.
type IdleSweeper interface {
	SweepIdle() int
}

// Config holds coordinator configuration. Schedule is a standard five-field
// cron expression; empty disables the timer and leaves only on-demand
// triggering.
type Config struct {
	Schedule string
	Registry *registry.Registry
	Sessions Reloader
	Keys     Reloader
	Sweeper  IdleSweeper
	Logger   zerolog.Logger
}

// Coordinator owns the reload schedule. Trigger may also be called directly
// at any time, and overlapping triggers serialize on an internal mutex.
type Coordinator struct {
	mu       sync.Mutex
	registry *registry.Registry
	sessions Reloader
	keys     Reloader
	sweeper  IdleSweeper
	cron     *cron.Cron
	entry    cron.EntryID
	logger   zerolog.Logger
}

// NewCoordinator builds a coordinator and validates the schedule without
// starting it.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	c := &Coordinator{
		registry: cfg.Registry,
		sessions: cfg.Sessions,
		keys:     cfg.Keys,
		sweeper:  cfg.Sweeper,
		logger:   cfg.Logger.With().Str("component", "reload-coordinator").Logger(),
	}

	if cfg.Schedule != "" {
		c.cron = cron.New()
		entry, err := c.cron.AddFunc(cfg.Schedule, func() { c.Trigger() })
		if err != nil {
			return nil, fmt.Errorf("invalid reload schedule %q: %w", cfg.Schedule, err)
		}
		c.entry = entry
	}
	return c, nil
}

// Start begins scheduled triggering. A coordinator without a schedule
// starts as a no-op and still serves on-demand triggers.
func (c *Coordinator) Start() {
	if c.cron == nil {
		return
	}
	c.cron.Start()
	c.logger.Info().
		Time("next_run", c.cron.Entry(c.entry).Next).
		Msg("Reload schedule started")
}

// Stop halts scheduled triggering. In-flight triggers run to completion.
func (c *Coordinator) Stop() {
	if c.cron == nil {
		return
	}
	<-c.cron.Stop().Done()
}

// Trigger reloads all three authorities now. Failures are independent: one
// authority failing to reload does not stop the others, and every failure
// is reported.
func (c *Coordinator) Trigger() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	targets := 0

	if c.registry != nil {
		targets++
		result, err := c.registry.ReloadAll()
		if err != nil {
			errs = append(errs, fmt.Errorf("registry reload: %w", err))
		} else {
			c.logger.Info().
				Int("loaded", len(result.Loaded)).
				Int("failed", len(result.Failed)).
				Msg("Tool registry reloaded")
		}
	}
	if c.sessions != nil {
		targets++
		if err := c.sessions.Reload(); err != nil {
			errs = append(errs, fmt.Errorf("session reload: %w", err))
		}
	}
	if c.keys != nil {
		targets++
		if err := c.keys.Reload(); err != nil {
			errs = append(errs, fmt.Errorf("apikey reload: %w", err))
		}
	}
	if c.sweeper != nil {
		if reaped := c.sweeper.SweepIdle(); reaped > 0 {
			c.logger.Info().Int("count", reaped).Msg("Idle sessions reaped")
		}
	}

	if len(errs) > 0 {
		for _, err := range errs {
			c.logger.Error().Err(err).Msg("Reload failed")
		}
		return fmt.Errorf("%d of %d reload targets failed: %v", len(errs), targets, errs[0])
	}
	return nil
}
