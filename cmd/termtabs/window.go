package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ricochet1k/termtabs/internal/config"
	"github.com/ricochet1k/termtabs/internal/crosswindow"
	"github.com/ricochet1k/termtabs/internal/domain"
	"github.com/ricochet1k/termtabs/internal/storage"
	"github.com/ricochet1k/termtabs/internal/store"
	"github.com/ricochet1k/termtabs/internal/window"
)

type windowOptions struct {
	id     string
	server string
	store  string
	open   string
	output bool
}

func newWindowCommand(root *rootOptions) *cobra.Command {
	opts := &windowOptions{}
	cmd := &cobra.Command{
		Use:   "window",
		Short: "Run a headless window that restores, reattaches and persists terminals",
		Long: `window runs the same client a browser window runs: it restores the
terminal store from disk, reattaches to live sessions, keeps the state file
current and replicates changes to sibling windows through the server relay.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if opts.server != "" {
				cfg.Client.ServerURL = opts.server
			}
			if opts.store != "" {
				cfg.Client.Store = opts.store
			}
			if opts.id == "" {
				host, _ := os.Hostname()
				opts.id = "cli-" + host
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWindow(ctx, cfg, opts, config.NewLogger(cfg.Log, cmd.ErrOrStderr()))
		},
	}
	cmd.Flags().StringVar(&opts.id, "id", "", "window id; reuse it to reclaim this window's terminals (default: cli-<hostname>)")
	cmd.Flags().StringVar(&opts.server, "server", "", "server URL (default: client.server_url from config)")
	cmd.Flags().StringVar(&opts.store, "store", "", "store name (default: client.store from config)")
	cmd.Flags().StringVar(&opts.open, "open", "", "open a terminal of this type once connected")
	cmd.Flags().BoolVar(&opts.output, "output", false, "copy terminal output to stdout")
	return cmd
}

// restore loads the persisted store. Undecodable state is moved aside so
// the window starts empty instead of failing.
func restore(st *storage.JSONFileStorage, s *store.Store, opts store.ImportOptions, logger *slog.Logger) error {
	snap, err := st.Load(s.Name())
	switch {
	case err == nil:
		report := s.Import(snap, opts)
		logger.Info("restored state",
			"store", s.Name(),
			"accepted", report.Accepted,
			"clamped", report.Clamped,
			"rejected", report.Rejected,
			"offline", report.Offline,
			"orphaned", report.Orphaned,
		)
		for _, e := range report.Errors {
			logger.Debug("restore record", "error", e)
		}
		return nil
	case errors.Is(err, storage.ErrStateNotFound):
		return nil
	case errors.Is(err, storage.ErrCorruptState), errors.Is(err, storage.ErrUnsupportedVersion):
		dest, qerr := st.Quarantine(s.Name())
		if qerr != nil {
			return fmt.Errorf("quarantine state: %w", qerr)
		}
		logger.Warn("state unreadable, starting empty", "error", err, "moved_to", dest)
		return nil
	default:
		return err
	}
}

func realtimeURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/api/realtime"
	return u.String(), nil
}

func runWindow(ctx context.Context, cfg config.Config, opts *windowOptions, logger *slog.Logger) error {
	st, err := storage.NewJSONFileStorage(cfg.Client.StateDir)
	if err != nil {
		return err
	}
	s := store.New(cfg.Client.Store)
	if err := restore(st, s, store.ImportOptions{WindowID: opts.id, OrphanTTL: cfg.Client.OrphanTTL.Std()}, logger); err != nil {
		return err
	}

	persister := storage.NewPersister(st, logger)
	persister.Attach(s)
	persisted := make(chan struct{})
	go func() {
		defer close(persisted)
		persister.Run(ctx)
	}()
	defer func() { <-persisted }()

	relay, err := realtimeURL(cfg.Client.ServerURL)
	if err != nil {
		return err
	}
	bus := crosswindow.NewRelayBus(relay, logger, crosswindow.WithBackoff(cfg.Client.Backoff()...))
	go func() { _ = bus.Run(ctx) }()
	syncer := crosswindow.NewSyncer(s, bus, opts.id, logger)
	syncer.Start()
	defer syncer.Stop()

	win := window.New(window.Config{
		ID:          opts.id,
		ServerURL:   cfg.Client.ServerURL,
		Backoff:     cfg.Client.Backoff(),
		DetachGrace: cfg.Client.DetachGrace.Std(),
		OrphanTTL:   cfg.Client.OrphanTTL.Std(),
		Cols:        80,
		Rows:        24,
	}, s, logger)
	if opts.output {
		win.OnOutput(func(_ string, data []byte) { _, _ = os.Stdout.Write(data) })
	}
	if opts.open != "" {
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-win.Ready():
			}
			wd, _ := os.Getwd()
			term, err := win.Open(ctx, store.RegisterConfig{TerminalType: domain.TerminalType(opts.open), WorkingDir: wd})
			if err != nil {
				logger.Warn("open terminal", "type", opts.open, "error", err)
				return
			}
			logger.Info("opened terminal", "terminal", term.ID, "name", term.Name)
		}()
	}

	if err := win.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
