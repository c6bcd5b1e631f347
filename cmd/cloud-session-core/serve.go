package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sebas/cloudsessioncore/internal/audio"
	"github.com/sebas/cloudsessioncore/internal/auth"
	"github.com/sebas/cloudsessioncore/internal/config"
	"github.com/sebas/cloudsessioncore/internal/display"
	"github.com/sebas/cloudsessioncore/internal/httpapi"
	"github.com/sebas/cloudsessioncore/internal/objectstore"
	"github.com/sebas/cloudsessioncore/internal/pubsub"
	"github.com/sebas/cloudsessioncore/internal/router"
	"github.com/sebas/cloudsessioncore/internal/session"
	"github.com/sebas/cloudsessioncore/internal/store"
	"github.com/sebas/cloudsessioncore/internal/transcription"
	"github.com/sebas/cloudsessioncore/internal/transport"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the glasses/TPA session core",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	broadcaster, err := newBroadcaster(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if b, ok := broadcaster.(*pubsub.NatsBroadcaster); ok {
			b.Close()
		}
	}()

	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		return err
	}

	st := store.NewInMemory()
	glassesAuth := auth.NewJWTGlassesAuthenticator(cfg.Collaborators.AuthJWTSecret)
	tpaAuth := auth.NewStaticAPIKeyAuthenticator() // empty key table: every TPA API key is rejected

	sessionCfg := session.Config{
		SystemDashboardPackage: cfg.Dashboard.SystemPackage,
		GlassesGrace:           cfg.Session.GlassesGrace,
		OutboundGlassesBufCap:  cfg.Session.OutboundGlassesBufferCap,
		Display: display.Config{
			SystemDashboardPackage: cfg.Dashboard.SystemPackage,
			Throttle:               cfg.Display.Throttle,
			Boot:                   cfg.Display.Boot,
			BootQueueCap:           cfg.Display.BootQueueCap,
		},
		DashboardTick: cfg.Dashboard.RecomposeTick,
		Audio: audio.Config{
			LiveCap:   cfg.Audio.LiveCap,
			SlideCap:  cfg.Audio.SlideCap,
			FrameSize: cfg.Audio.FrameSize,
		},
		PhotoExpire: cfg.Media.PhotoExpire,
		Broadcaster: broadcaster,
	}

	registry := session.NewRegistry(sessionCfg, st, objects, transcription.NoopControl{}, cfg.Media.PhotoExpire, log.Logger)
	rtr := router.New(registry, st, glassesAuth, tpaAuth, cfg.Dashboard.SystemPackage, log.Logger)

	transportCfg := transport.Config{
		IdleTimeout:           cfg.Server.IdleTimeout,
		PingInterval:          cfg.Server.PingInterval,
		OutboundHighWaterMark: cfg.Server.OutboundHighWaterMark,
	}
	glassesSrv := transport.NewGlassesServer(rtr, transportCfg, log.Logger)
	tpaSrv := transport.NewTPAServer(rtr, transportCfg, log.Logger)
	httpHandler := httpapi.New(registry, st, glassesAuth, log.Logger)

	servers := []*http.Server{
		{Addr: cfg.Server.GlassesAddr, Handler: glassesSrv},
		{Addr: cfg.Server.TPAAddr, Handler: tpaSrv},
		{Addr: cfg.Server.HTTPAddr, Handler: httpHandler.Router()},
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

func newBroadcaster(cfg config.Config) (pubsub.Broadcaster, error) {
	if cfg.Collaborators.NATSURL == "" {
		return pubsub.Noop{}, nil
	}
	b, err := pubsub.Connect(cfg.Collaborators.NATSURL, log.Logger)
	if err != nil {
		log.Warn().Err(err).Msg("nats unavailable, subscription_change events stay local to this process")
		return pubsub.Noop{}, nil
	}
	return b, nil
}

func newObjectStore(ctx context.Context, cfg config.Config) (objectstore.Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return objectstore.NewGCSStore(ctx, client, cfg.Collaborators.ObjectStoreBucket), nil
}
