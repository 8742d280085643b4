// Command notifyd is the notification delivery daemon. It loads
// configuration, opens the queue store and the notification repository,
// registers the channel senders, and runs the delivery pipeline behind the
// HTTP API.
//
// Usage:
//
//	notifyd [--config path/to/config.yaml] [--env .env]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"

	"github.com/propdesk/notifyd/internal/channel"
	"github.com/propdesk/notifyd/internal/config"
	"github.com/propdesk/notifyd/internal/logging"
	"github.com/propdesk/notifyd/internal/node"
	"github.com/propdesk/notifyd/internal/notification"
	"github.com/propdesk/notifyd/internal/pipeline"
	"github.com/propdesk/notifyd/internal/queue"
	transphttp "github.com/propdesk/notifyd/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "notifyd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "dotenv file applied before config overrides")
	flag.Parse()

	// ── 1. Environment + configuration ──────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", *envPath, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Logger ───────────────────────────────────────────────────────────
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	// ── 3. Node identity ────────────────────────────────────────────────────
	id, err := node.Load(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	logging.Info().
		Str("node_id", id.ID()).
		Str("data_dir", id.DataDir()).
		Int("port", cfg.HTTP.Port).
		Msg("notifyd starting")

	// ── 4. Notification repository ──────────────────────────────────────────
	repo, closeRepo, err := openRepository(cfg.Database)
	if err != nil {
		return err
	}
	defer closeRepo()

	// ── 5. Channel senders ──────────────────────────────────────────────────
	router, err := buildRouter(cfg.Channels)
	if err != nil {
		return err
	}
	logging.Info().Strs("channels", router.Names()).Msg("channel senders registered")

	// ── 6. Queue store + pipeline ───────────────────────────────────────────
	store, err := queue.Open(cfg.StorePath(), queue.Options{
		Namespace:   cfg.Store.Namespace,
		OpenTimeout: cfg.Store.OpenTimeout,
	})
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	p, err := pipeline.New(cfg, pipeline.Deps{
		Store:  store,
		Repo:   repo,
		Sender: router,
		NodeID: id.ID(),
	})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("init pipeline: %w", err)
	}
	if err := p.Start(context.Background()); err != nil {
		_ = p.Shutdown(context.Background())
		return fmt.Errorf("start pipeline: %w", err)
	}

	// ── 7. HTTP API ─────────────────────────────────────────────────────────
	pub := p.Publisher()
	srv := transphttp.New(p, transphttp.Options{
		HTTP:       cfg.HTTP,
		Prometheus: pub.Handler(),
		Requests:   pub.HTTPRequests,
		Duration:   pub.HTTPDuration,
	})
	addr := net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port))

	serveErr := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", addr).Msg("notifyd ready")
		serveErr <- srv.ListenAndServe(addr)
	}()

	// ── 8. Dedicated Prometheus listener ────────────────────────────────────
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", pub.Handler())
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logging.Info().Str("addr", metricsSrv.Addr).Msg("metrics server listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Warn().Err(err).Msg("metrics server error")
			}
		}()
	}

	// ── 9. Graceful shutdown on SIGINT / SIGTERM ────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	// Stop taking requests first, then drain the workers.
	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownGrace+5*time.Second)
	defer cancel()

	var errs error
	errs = multierr.Append(errs, srv.Shutdown(shutCtx))
	if metricsSrv != nil {
		errs = multierr.Append(errs, metricsSrv.Shutdown(shutCtx))
	}
	errs = multierr.Append(errs, p.Shutdown(shutCtx))
	if errs != nil {
		logging.Warn().Err(errs).Msg("shutdown finished with errors")
	}

	logging.Info().Msg("notifyd stopped")
	return runErr
}

// openRepository picks the repository for the configured driver. The returned
// close func is always safe to call.
func openRepository(cfg config.DatabaseConfig) (notification.Repository, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logging.Warn().Msg("using in-memory notification repository; records are not persisted")
		return notification.NewMemoryRepository(), func() {}, nil
	default:
		db, err := notification.OpenPostgres(cfg.DSN, notification.PoolConfig{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		repo := notification.NewGormRepository(db)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := repo.Ping(ctx); err != nil {
			_ = repo.Close()
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				logging.Warn().Err(err).Msg("database close error")
			}
		}, nil
	}
}

// buildRouter registers a sender for every enabled channel.
func buildRouter(cfg config.ChannelsConfig) (*channel.Router, error) {
	router := channel.NewRouter()

	if cfg.Telegram.Enabled {
		s, err := channel.NewTelegramSender(cfg.Telegram)
		if err != nil {
			return nil, fmt.Errorf("telegram sender: %w", err)
		}
		router.Register(channel.Telegram, s)
	}
	if cfg.Email.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := channel.NewEmailSender(ctx, cfg.Email)
		if err != nil {
			return nil, fmt.Errorf("email sender: %w", err)
		}
		router.Register(channel.Email, s)
	}
	if cfg.SMS.Enabled {
		s, err := channel.NewWebhookSender(cfg.SMS)
		if err != nil {
			return nil, fmt.Errorf("sms sender: %w", err)
		}
		router.Register(channel.SMS, s)
	}

	if len(router.Names()) == 0 {
		logging.Warn().Msg("no channel senders enabled; every task will be dead-lettered")
	}
	return router, nil
}
