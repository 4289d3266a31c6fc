package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sjadev/toolvault/internal/config"
	"github.com/sjadev/toolvault/internal/logger"
	"github.com/sjadev/toolvault/internal/server"
	"github.com/sjadev/toolvault/internal/tracing"
	"github.com/sjadev/toolvault/pkg/apikey"
	"github.com/sjadev/toolvault/pkg/auth"
	"github.com/sjadev/toolvault/pkg/coretools"
	"github.com/sjadev/toolvault/pkg/plugin"
	"github.com/sjadev/toolvault/pkg/registry"
	"github.com/sjadev/toolvault/pkg/reload"
	"github.com/sjadev/toolvault/pkg/session"
	"github.com/sjadev/toolvault/pkg/tool"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ToolVault server",
	Long: `Run the ToolVault server in the foreground: load the tool catalog,
start descriptor monitoring, and serve the admin HTTP API until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return err
	}
	defer lg.Close()
	zl := lg.GetZerolog()

	if err := tracing.Init(tracing.Config{
		ServiceName:   "toolvault",
		SamplingRatio: cfg.Tracing.SamplingRatio,
	}); err != nil {
		zl.Warn().Err(err).Msg("Tracing disabled")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracing.Shutdown(ctx)
	}()

	builtins := tool.NewBuiltinRegistry()
	if err := coretools.Register(builtins, coretools.Options{FileRoot: cfg.DataDir}); err != nil {
		return err
	}

	reg := registry.New(registry.Options{
		DescriptorDir: cfg.Tools.DescriptorDir,
		PluginDir:     cfg.Tools.PluginDir,
		PollInterval:  time.Duration(cfg.Tools.PollIntervalSeconds) * time.Second,
		Builtins:      builtins,
		Plugins:       plugin.NewHost(zl),
		Logger:        zl,
	})
	result, err := reg.LoadAll()
	if err != nil {
		return fmt.Errorf("failed to load tool catalog: %w", err)
	}
	zl.Info().
		Int("loaded", len(result.Loaded)).
		Int("failed", len(result.Failed)).
		Msg("Tool catalog loaded")

	if err := reg.StartMonitoring(); err != nil {
		return fmt.Errorf("failed to start descriptor monitoring: %w", err)
	}
	defer reg.StopMonitoring()

	sessions, err := session.NewAuthority(session.Config{
		UsersPath:        cfg.Sessions.UsersFile,
		IdleTimeout:      time.Duration(cfg.Sessions.IdleTimeoutMinutes) * time.Minute,
		MaxLoginAttempts: cfg.Sessions.MaxLoginAttempts,
		LockoutWindow:    time.Duration(cfg.Sessions.LockoutWindowMinutes) * time.Minute,
		AdminUser:        cfg.Sessions.AdminUser,
		Logger:           zl,
	})
	if err != nil {
		return fmt.Errorf("failed to open session authority: %w", err)
	}

	keys, err := apikey.NewAuthority(apikey.Config{
		KeysPath: cfg.APIKeys.KeysFile,
		Settings: apikey.Settings{
			KeyPrefix: cfg.APIKeys.KeyPrefix,
			KeyLength: cfg.APIKeys.KeyLength,
			DefaultRateLimit: apikey.RateLimit{
				RequestsPerMinute: cfg.APIKeys.DefaultRateLimit.RequestsPerMinute,
				RequestsPerHour:   cfg.APIKeys.DefaultRateLimit.RequestsPerHour,
			},
			MaxKeysPerUser: cfg.APIKeys.MaxKeysPerUser,
		},
		Logger: zl,
	})
	if err != nil {
		return fmt.Errorf("failed to open API key authority: %w", err)
	}

	coordinator, err := reload.NewCoordinator(reload.Config{
		Schedule: cfg.Reload.Schedule,
		Registry: reg,
		Sessions: sessions,
		Keys:     keys,
		Sweeper:  sessions,
		Logger:   zl,
	})
	if err != nil {
		return err
	}
	coordinator.Start()
	defer coordinator.Stop()

	authenticator := auth.NewAuthenticator(sessions, keys, zl)
	srv, err := server.New(server.Options{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, reg, sessions, keys, authenticator, coordinator, zl)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		zl.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(ctx)
}
