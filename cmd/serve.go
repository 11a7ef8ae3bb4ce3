package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tvgrid/pairgate/internal/admission"
	"github.com/tvgrid/pairgate/internal/backoff"
	"github.com/tvgrid/pairgate/internal/breaker"
	"github.com/tvgrid/pairgate/internal/config"
	"github.com/tvgrid/pairgate/internal/coord"
	"github.com/tvgrid/pairgate/internal/credentials"
	"github.com/tvgrid/pairgate/internal/gateway"
	"github.com/tvgrid/pairgate/internal/ratelimit"
	"github.com/tvgrid/pairgate/internal/session"
	"github.com/tvgrid/pairgate/internal/token"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pairing gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg *config.Config) error {
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	tokens, tokensClose, err := openTokens(cfg)
	if err != nil {
		return err
	}
	defer tokensClose()

	policy := ratelimit.FailOpen
	semPolicy := admission.FailOpen
	if cfg.FailurePolicy == "fail_closed" {
		policy = ratelimit.FailClosed
		semPolicy = admission.FailClosed
	}

	br := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenDuration:     cfg.Breaker.OpenDuration,
	})

	// Hot-reloadable limits: the gateway reads profiles through an
	// atomic pointer, so a config reload swaps them without a restart.
	var profiles atomic.Pointer[ratelimit.Profiles]
	p := toProfiles(cfg.Limits)
	profiles.Store(&p)

	local := ratelimit.NewLocalLimiter(cfg.Limits.LocalRPM, cfg.Limits.LocalBurst)
	limiter := ratelimit.New(store, br, policy, local)

	lat := admission.NewLatencyTracker()
	sem := admission.NewSemaphore(store, br, cfg.Admit.Capacity, semPolicy, lat)
	queue := admission.NewQueue(cfg.Admit.QueueSize, cfg.Admit.QueueWait)
	loadRatio := loadRatioFrom(ctx, sem, cfg.Admit.Capacity)
	ctrl := admission.NewController(sem, queue, loadRatio)
	ctrl.Start()
	defer ctrl.Stop()

	conns := gateway.NewConnCounter(store, br, cfg.Conns.Global, cfg.Conns.PerIdentity, policy)
	retries := backoff.New(backoff.Config{
		Base:        cfg.Backoff.Base,
		Max:         cfg.Backoff.Max,
		Jitter:      true,
		QuietPeriod: cfg.Backoff.QuietPeriod,
	})

	var notifier session.Notifier
	if cfg.Notify == "poll" {
		notifier = session.NewPollNotifier(tokens, cfg.PollInterval)
	} else {
		notifier = session.NewPushNotifier(store)
	}

	srv := gateway.NewServer(gateway.Deps{
		Limiter:   limiter,
		Profiles:  func() ratelimit.Profiles { return *profiles.Load() },
		Admission: ctrl,
		Conns:     conns,
		Tokens:    tokens,
		Retries:   retries,
		Session: session.Config{
			PingInterval:            cfg.Session.PingInterval,
			InactivityTimeout:       cfg.Session.InactivityTimeout,
			AutoValidationTimeout:   cfg.Session.AutoValidationTimeout,
			ManualValidationTimeout: cfg.Session.ManualValidationTimeout,
		},
		SessionDeps: session.Deps{
			Tokens:   tokens,
			Creds:    credentials.NewEnvelopeProvider(cfg.CredentialTTL),
			Notifier: notifier,
		},
		LoadRatio:      loadRatio,
		ReconnectGrace: cfg.ReconnectGrace,
	})

	watcher, err := config.NewWatcher(resolveConfigPath(), func(next *config.Config) {
		np := toProfiles(next.Limits)
		profiles.Store(&np)
		slog.Info("rate-limit profiles reloaded")
	})
	if err == nil {
		if werr := watcher.Start(); werr != nil {
			slog.Warn("config watcher unavailable", "error", werr)
		} else {
			defer watcher.Stop()
		}
	}

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: srv.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("pairing gateway listening", "addr", cfg.Listen, "store", cfg.Store.Backend, "tokens", cfg.Tokens.Backend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	slog.Info("pairing gateway stopped")
	return nil
}

func toProfiles(l config.LimitsConfig) ratelimit.Profiles {
	return ratelimit.Profiles{
		Fresh:     toProfile(l.Fresh),
		Reconnect: toProfile(l.Reconnect),
	}
}

func toProfile(p config.ProfileConfig) ratelimit.Profile {
	return ratelimit.Profile{
		PerIdentity: ratelimit.WindowLimit{Max: p.PerIdentity.Max, Window: p.PerIdentity.Window},
		PerToken:    ratelimit.WindowLimit{Max: p.PerToken.Max, Window: p.PerToken.Window},
		PerClient: ratelimit.BucketLimit{
			Capacity: p.PerClient.Capacity,
			Refill:   p.PerClient.Refill,
			Window:   p.PerClient.Window,
		},
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func openStore(ctx context.Context, cfg *config.Config) (coord.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		return coord.NewRedisStore(ctx, coord.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
	default:
		slog.Warn("using in-memory coordination store; limits hold within this process only")
		return coord.NewMemStore(), nil
	}
}

func openTokens(cfg *config.Config) (token.Store, func(), error) {
	switch cfg.Tokens.Backend {
	case "postgres":
		pg, err := token.OpenPG(cfg.Tokens.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil
	default:
		slog.Warn("using in-memory token store; pairing tokens will not survive a restart")
		return token.NewMemStore(), func() {}, nil
	}
}

// loadRatioFrom measures load as live admission leases over capacity.
// Sampled on an interval so the admission hot path never waits on a
// store scan.
func loadRatioFrom(ctx context.Context, sem *admission.Semaphore, capacity int) func() float64 {
	var ratio atomic.Value
	ratio.Store(0.0)

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := sem.Live(ctx)
				if err != nil {
					continue
				}
				ratio.Store(float64(n) / float64(capacity))
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() float64 { return ratio.Load().(float64) }
}
