package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricochet1k/termtabs/internal/api"
	"github.com/ricochet1k/termtabs/internal/config"
	"github.com/ricochet1k/termtabs/internal/registry"
	"github.com/ricochet1k/termtabs/internal/tmux"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	addr       string
	dbPath     string
	tmuxSocket string
	prefix     string
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			opts.apply(cmd, &cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, config.NewLogger(cfg.Log, cmd.ErrOrStderr()))
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "registry database path")
	cmd.Flags().StringVar(&opts.tmuxSocket, "tmux-socket", "", "tmux socket name passed as -L")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "", "session name prefix")
	return cmd
}

func (o *serveOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = o.addr
	}
	if cmd.Flags().Changed("db") {
		cfg.Registry.DBPath = o.dbPath
	}
	if cmd.Flags().Changed("tmux-socket") {
		cfg.Tmux.Socket = o.tmuxSocket
	}
	if cmd.Flags().Changed("prefix") {
		cfg.Registry.Prefix = o.prefix
	}
}

func registryConfig(cfg config.Config) registry.Config {
	rc := registry.DefaultConfig()
	rc.Prefix = cfg.Registry.Prefix
	rc.ReplayBytes = cfg.Registry.ReplayBytes
	rc.BreakerThreshold = cfg.Registry.BreakerThreshold
	rc.BreakerCooldown = cfg.Registry.BreakerCooldown.Std()
	for typ, command := range cfg.TerminalTypes {
		rc.Commands[typ] = command
	}
	return rc
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	tm := tmux.New(cfg.Tmux.Bin, cfg.Tmux.Socket)
	if !tm.Available() {
		return fmt.Errorf("%s not found in PATH", cfg.Tmux.Bin)
	}

	db, err := registry.OpenDB(ctx, cfg.Registry.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := registry.New(registryConfig(cfg), tm, registry.PTYAttacher{}, logger, registry.WithDB(db))
	defer reg.Shutdown()
	if n, err := reg.Recover(ctx); err != nil {
		logger.Warn("recover sessions", "error", err)
	} else {
		logger.Info("recovered sessions", "count", n)
	}

	handler := api.NewHandler(reg, api.Limits{InputRate: cfg.Server.InputRate, InputBurst: cfg.Server.InputBurst}, logger)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "prefix", cfg.Registry.Prefix, "db", cfg.Registry.DBPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
