package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/hrdesk/cmd/hrsyncd/handlers"
	"github.com/kimhsiao/hrdesk/internal/auth"
	"github.com/kimhsiao/hrdesk/internal/config"
	"github.com/kimhsiao/hrdesk/internal/crypto"
	"github.com/kimhsiao/hrdesk/internal/logging"
	syncpkg "github.com/kimhsiao/hrdesk/internal/sync"
	"github.com/kimhsiao/hrdesk/internal/sync/connectivity"
	"github.com/kimhsiao/hrdesk/internal/sync/manager"
	"github.com/kimhsiao/hrdesk/internal/sync/persist"
	"github.com/kimhsiao/hrdesk/internal/sync/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon",
	Long: `Run the sync daemon: restore the persisted queue, probe connectivity,
deliver operations in the background and serve the control API and the
websocket stats feed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg)
	},
}

func initLogging(cfg config.LogConfig) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.File != "" {
		logging.InitFile(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups, level)
		return
	}
	logging.Init(os.Stdout, level)
}

// tokenProvider picks signed owner tokens when a secret is configured,
// otherwise static tokens if any.
func tokenProvider(cfg config.APIConfig) (syncpkg.TokenProvider, error) {
	if cfg.TokenSecret != "" {
		return auth.NewSigner(auth.SignerOptions{
			Secret:   cfg.TokenSecret,
			Audience: cfg.TokenAudience,
		})
	}
	if len(cfg.Tokens) > 0 {
		return auth.StaticTokens{Tokens: cfg.Tokens}, nil
	}
	return nil, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	initLogging(cfg.Log)

	store, err := persist.Open(cfg.ResolvedDSN())
	if err != nil {
		return err
	}

	var sealer *crypto.Sealer
	if cfg.EncryptionKey != "" {
		if sealer, err = crypto.NewSealer(cfg.EncryptionKey); err != nil {
			store.Close()
			return err
		}
	}

	tokens, err := tokenProvider(cfg.API)
	if err != nil {
		store.Close()
		return err
	}

	hub := NewWSHub()
	syncCfg := cfg.Sync
	mgr, err := manager.New(ctx, manager.Options{
		Adapter:  persist.NewAdapter(store, sealer),
		Sender:   syncpkg.NewHTTPTransport(cfg.API.BaseURL, tokens, &http.Client{Timeout: cfg.API.RequestTimeout}),
		Notifier: hub,
		Config:   &syncCfg,
		Online:   cfg.Connectivity.HealthURL == "",
		Scheduler: &scheduler.SchedulerConfig{
			DebounceDelay: cfg.Scheduler.Debounce,
			RetryInterval: cfg.Scheduler.RetryInterval,
		},
	})
	if err != nil {
		store.Close()
		return err
	}
	defer mgr.Close()

	sub := mgr.Subscribe(hub.BroadcastStats)
	defer sub.Unsubscribe()

	mux := http.NewServeMux()
	handlers.NewSyncHandler(mgr).Register(mux)
	mux.HandleFunc("GET /ws", HandleWebSocket(hub, mgr.Stats))

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return hub.Run(gctx) })

	g.Go(func() error {
		logging.Info("Control API listening", map[string]interface{}{"addr": cfg.Listen})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if cfg.Connectivity.HealthURL != "" {
		probe := connectivity.NewProbe(connectivity.ProbeConfig{
			HealthURL: cfg.Connectivity.HealthURL,
			Interval:  cfg.Connectivity.Interval,
			Timeout:   cfg.Connectivity.Timeout,
		}, mgr.Signals(), nil)
		g.Go(func() error { return probe.Run(gctx) })
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
			if err := mgr.Reconfigure(gctx, next.Sync); err != nil {
				logging.Warn("Reloaded sync config rejected", map[string]interface{}{"error": err.Error()})
			}
		})
		if err != nil {
			logging.Warn("Config hot reload disabled", map[string]interface{}{"error": err.Error()})
		} else {
			g.Go(func() error { return watcher.Run(gctx) })
		}
	}

	mgr.Start(gctx)
	logging.Info("hrsyncd started", map[string]interface{}{
		"storage":   redactDSN(cfg.ResolvedDSN()),
		"sealed":    sealer != nil,
		"probing":   cfg.Connectivity.HealthURL != "",
		"base_url":  cfg.API.BaseURL,
		"listen":    cfg.Listen,
		"sync_mode": string(cfg.Sync.ConflictResolution),
	})

	err = g.Wait()
	mgr.Stop()
	logging.Info("hrsyncd stopped", nil)
	return err
}
