package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tactics-sync/combat-sync/internal/auth"
	"github.com/tactics-sync/combat-sync/internal/config"
	"github.com/tactics-sync/combat-sync/internal/httpapi"
	"github.com/tactics-sync/combat-sync/internal/hub"
	"github.com/tactics-sync/combat-sync/internal/logging"
	"github.com/tactics-sync/combat-sync/internal/media"
	"github.com/tactics-sync/combat-sync/internal/persistence"
	"github.com/tactics-sync/combat-sync/internal/registry"
	"github.com/tactics-sync/combat-sync/internal/session"
	"github.com/tactics-sync/combat-sync/internal/telemetry"
	"github.com/tactics-sync/combat-sync/internal/ws"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "combat-sync: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) (err error) {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Development(), cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{Enabled: cfg.OTelEnabled, ServiceName: cfg.OTelServiceName})
	if err != nil {
		log.Warn("telemetry disabled", zap.Error(err))
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	recorder, closeStores, err := openRecorders(ctx, cfg, log)
	if err != nil {
		return err
	}
	records := persistence.NewAsync(recorder, cfg.RecordQueue, 10*time.Second, log)

	tokens, err := auth.NewJoinTokens([]byte(cfg.JoinTokenSecret), cfg.JoinTokenTTL, nil)
	if err != nil {
		return err
	}
	identity, err := identityVerifier(cfg)
	if err != nil {
		return err
	}
	if identity == nil && cfg.Development() {
		log.Warn("no identity provider configured, bearer values are trusted as participant ids")
	}

	reg := registry.New(log, cfg.MaxConnsPerSession)
	h := hub.NewHub(context.Background(), session.Config{
		MaxParticipants:        cfg.MaxParticipants,
		MaxUnitsPerParticipant: cfg.MaxUnitsPerParticipant,
		AllowLateJoin:          cfg.AllowLateJoin,
		AutoPassTimeout:        cfg.AutoPassTimeout,
		IdleTimeout:            cfg.IdleTimeout,
		Rules:                  cfg.Rules,
	}, hub.Deps{
		Registry: reg,
		Tokens:   tokens,
		Recorder: records,
		Logger:   log,
		Tracer:   telemetry.Tracer("session"),
	})
	reg.OnDisconnect(h.Disconnect)

	api := &httpapi.API{
		Hub:         h,
		TrustBearer: cfg.Development(),
		Media:       media.NewGrantIssuer(media.Config{URL: cfg.MediaURL, APIKey: cfg.MediaAPIKey, Secret: []byte(cfg.MediaSecret), TTL: cfg.MediaTTL}),
		Log:         log,
	}
	if identity != nil {
		api.Identity = identity
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.SetupRoutes(api, ws.Handler(h, reg, ws.Options{OutboxSize: cfg.OutboxSize}, log)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// Sessions first, so every participant sees session_ended before
		// their connection goes.
		return multierr.Combine(
			h.Shutdown(sctx),
			srv.Shutdown(sctx),
			records.Close(sctx),
			closeStores(),
			shutdownTelemetry(sctx),
		)
	})
	return g.Wait()
}

func openRecorders(ctx context.Context, cfg config.Config, log *zap.Logger) (persistence.Recorder, func() error, error) {
	var (
		recorders persistence.Multi
		closers   []func() error
	)
	if cfg.PostgresDSN != "" {
		db, err := persistence.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		gr := persistence.NewGormRecorder(db)
		if err := gr.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			closers = append(closers, sqlDB.Close)
		}
		recorders = append(recorders, gr)
		log.Info("recording sessions to postgres")
	}
	if cfg.NATSURL != "" {
		nc, err := persistence.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, nc.Drain)
		recorders = append(recorders, persistence.NewNATSRecorder(nc, cfg.NATSSubject))
		log.Info("publishing session records to nats", zap.String("subject", cfg.NATSSubject))
	}

	closeAll := func() error {
		var err error
		for _, c := range closers {
			err = multierr.Append(err, c())
		}
		return err
	}
	if len(recorders) == 0 {
		return persistence.Discard{}, closeAll, nil
	}
	return recorders, closeAll, nil
}

func identityVerifier(cfg config.Config) (*auth.Verifier, error) {
	if cfg.IdentityIssuer == "" {
		return nil, nil
	}
	ic := auth.IdentityConfig{Issuer: cfg.IdentityIssuer, Audience: cfg.IdentityAudience}
	if cfg.IdentityPublicKey != "" {
		key, err := auth.DecodeKey(cfg.IdentityPublicKey)
		if err != nil {
			return nil, fmt.Errorf("identity public key: %w", err)
		}
		ic.PublicKey = ed25519.PublicKey(key)
	}
	if cfg.IdentitySecret != "" {
		ic.Secret = []byte(cfg.IdentitySecret)
	}
	return auth.NewVerifier(ic)
}
