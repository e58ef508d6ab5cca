package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"ledgerbook.org/internal/auth"
	"ledgerbook.org/internal/broker"
	"ledgerbook.org/internal/config"
	"ledgerbook.org/internal/httpapi"
	"ledgerbook.org/internal/job"
	"ledgerbook.org/internal/ledger"
	"ledgerbook.org/internal/obs"
	"ledgerbook.org/internal/store/memory"
	"ledgerbook.org/internal/store/pg"
	"ledgerbook.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	envPath := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	cfg, err := config.New(*envPath)
	if err != nil {
		log := obs.Logger()
		log.Fatal().Err(err).Msg("load config")
	}
	if err := obs.Setup(obs.LogConfig{Level: cfg.Logger.Level, Format: cfg.Logger.Format}); err != nil {
		log := obs.Logger()
		log.Fatal().Err(err).Msg("setup logger")
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)

	if err := run(cfg); err != nil {
		log := obs.Logger()
		log.Fatal().Err(err).Msg("ledgerbook-api stopped")
	}
}

func run(cfg config.Config) error {
	l := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	events := stream.New(64)
	opts := []ledger.Option{
		ledger.WithLogger(l),
		ledger.WithMetrics(obs.LedgerMetrics{}),
		ledger.WithStorageTimeout(cfg.Ledger.StorageTimeout),
		ledger.WithLockTimeout(cfg.Ledger.LockTimeout),
		ledger.WithNotifier(events),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		producer := broker.NewProducer(l, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer producer.Close()
		opts = append(opts, ledger.WithNotifier(producer))
	}
	engine := ledger.NewEngine(store, opts...)

	var (
		tokens *auth.Tokens
		users  *auth.Directory
	)
	if cfg.AuthEnabled() {
		if tokens, err = auth.NewTokens(cfg.Auth.Secret, cfg.Auth.TokenTTL); err != nil {
			return err
		}
		if users, err = auth.ParseDirectory(cfg.Auth.Users); err != nil {
			return err
		}
		l.Info().Int("users", users.Len()).Msg("bearer auth enabled")
	} else {
		l.Warn().Msg("auth disabled: every request runs unauthenticated")
	}

	probe := httpapi.ReadyProbe{Ledger: engine}
	api := httpapi.New(engine, probe, httpapi.Options{
		Version:      version,
		Tokens:       tokens,
		Users:        users,
		Stream:       events,
		RateBurst:    cfg.HTTP.RateBurst,
		RatePerSec:   cfg.HTTP.RatePerSec,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		CORSOrigins:  cfg.HTTP.CORSOrigins,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	jobs := job.NewService().
		RegisterJob("outstanding_total", cfg.Jobs.OutstandingInterval, func(ctx context.Context) error {
			total, err := engine.TotalOutstanding(ctx)
			if err != nil {
				return err
			}
			obs.SetOutstanding(total)
			return nil
		})

	var (
		grpcSrv *grpc.Server
		grpcLis net.Listener
	)
	if cfg.GRPC.Enabled {
		// listen before any server goroutine starts so a bind failure leaves nothing running
		if grpcLis, err = net.Listen("tcp", cfg.GRPC.Addr); err != nil {
			return err
		}
		ledgerSrv := httpapi.NewGRPCServer(engine, probe, version, tokens)
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(ledgerSrv.UnaryInterceptor()))
		ledgerSrv.Register(grpcSrv)
		jobs.RegisterJob("grpc_readiness", 10*time.Second, func(ctx context.Context) error {
			return ledgerSrv.CheckReadiness(ctx)
		})
		defer ledgerSrv.Shutdown()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		l.Info().Str("addr", httpSrv.Addr).Str("version", version).Msg("http listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if grpcSrv != nil {
		g.Go(func() error {
			l.Info().Str("addr", cfg.GRPC.Addr).Msg("grpc listening")
			return grpcSrv.Serve(grpcLis)
		})
	}

	jobs.Start(gctx)

	g.Go(func() error {
		<-gctx.Done()
		l.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		jobs.Stop()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	l.Info().Msg("stopped")
	return nil
}

// openStore picks Postgres when a DSN is configured and the in-memory store otherwise.
func openStore(cfg config.Config) (ledger.Storage, func(), error) {
	if cfg.Postgres.DSN == "" {
		log := obs.Logger()
		log.Warn().Msg("PG_DSN not set: using in-memory store")
		return memory.New(), func() {}, nil
	}
	s, err := pg.Open(cfg.Postgres.DSN,
		pg.WithMaxConns(cfg.Postgres.MaxConns),
		pg.WithConnMaxLifetime(cfg.Postgres.ConnMaxLifetime),
	)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}
