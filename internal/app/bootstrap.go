package app

import (
	"context"
	"os"

	"github.com/webalive/collab-server/internal/accessgate"
	"github.com/webalive/collab-server/internal/collab"
	"github.com/webalive/collab-server/internal/config"
	"github.com/webalive/collab-server/internal/logger"
	"github.com/webalive/collab-server/internal/sentryx"
	"github.com/webalive/collab-server/internal/sessiongate"
	"github.com/webalive/collab-server/internal/store"
)

const sessionCookieName = "session_token"

// ServerApp holds all runtime dependencies for the collaboration server.
type ServerApp struct {
	Config     *config.AppConfig
	Store      *store.Store
	Sessions   *sessiongate.Gate
	Access     *accessgate.Gate
	Registry   *collab.Registry
	Supervisor *collab.Supervisor
	Events     *collab.EventHub
	Logger     *logger.Logger
}

// New builds a fully wired server application.
func New(ctx context.Context) (*ServerApp, error) {
	logger.Init(logger.Config{
		Output:   os.Stdout,
		MinLevel: logger.INFO,
		UseColor: true,
	})
	log := logger.WithComponent("MAIN")

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log.Info("Environment: %s", cfg.Env)
	log.Info("Listening on: %s", cfg.Addr)

	sentryx.Init("collab-server")

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	sessions := sessiongate.New(st, sessionCookieName, cfg.SessionIdleTimeout, cfg.SessionAbsoluteTimeout)
	access := accessgate.New(st)
	registry := collab.NewRegistry(st, cfg.ProtectionWindow, cfg.PersistDebounce, cfg.RoomTeardownGrace)
	supervisor := collab.NewSupervisor(cfg, registry, sessions, access)
	events := collab.NewEventHub(sessions, supervisor.CheckOrigin, supervisor.ConnLimiter(), supervisor.MessageLimiter())

	return &ServerApp{
		Config:     cfg,
		Store:      st,
		Sessions:   sessions,
		Access:     access,
		Registry:   registry,
		Supervisor: supervisor,
		Events:     events,
		Logger:     log,
	}, nil
}

// Run initializes and starts the server until shutdown.
func Run(ctx context.Context) error {
	app, err := New(ctx)
	if err != nil {
		return err
	}
	return app.Run()
}
