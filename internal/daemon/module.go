package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/bus"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/chat"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/conn"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/lock"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/logging"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/presence"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/session"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/status"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/store"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile   string
	ServerURL string
	// Provider supplies position samples for location sharing. nil means
	// no source is available until the embedder injects one.
	Provider presence.Provider
	// FileOnlyLogs keeps zap off stderr. Hosts that render to the
	// terminal set it.
	FileOnlyLogs bool
}

// Module returns the fx module for the engine daemon, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCredentials,
			provideManager,
			provideChatEngine,
			provideLoop,
			provideRoster,
			provideSupervisor,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.FileOnlyLogs {
		return logging.NewFileOnly(session.LogPath(p.Profile), p.Profile)
	}
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.StoreDBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCredentials(p Params) *session.Credentials {
	return session.NewCredentials(session.CredentialsPath(p.Profile))
}

func provideManager(p Params, machine *status.Machine, b *bus.Bus, creds *session.Credentials, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(p.ServerURL, machine, b, creds, logger)
}

func provideChatEngine(db *store.DB, m *conn.Manager, b *bus.Bus, logger *zap.Logger) *chat.Engine {
	return chat.NewEngine(db, m, b, logger)
}

func provideLoop(db *store.DB, m *conn.Manager, b *bus.Bus, logger *zap.Logger) *presence.Loop {
	return presence.NewLoop(db, m, b, logger)
}

func provideRoster(b *bus.Bus, logger *zap.Logger) *presence.Roster {
	return presence.NewRoster(b, logger)
}

func provideSupervisor(m *conn.Manager, creds *session.Credentials, b *bus.Bus, logger *zap.Logger) *Supervisor {
	return NewSupervisor(m, creds.Token, b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	p Params,
	lk *lock.Lock,
	db *store.DB,
	m *conn.Manager,
	engine *chat.Engine,
	loop *presence.Loop,
	roster *presence.Roster,
	sup *Supervisor,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			roster.Start(context.Background())
			if p.Provider != nil {
				loop.SetProvider(p.Provider)
			}
			loop.Start(context.Background())
			sup.Start(context.Background())

			// First dial happens through the supervisor so a failure
			// chains straight into backoff. Without cached credentials
			// it logs and stays idle until the embedder authenticates.
			sup.ConnectNow()
			return nil
		},
		OnStop: func(_ context.Context) error {
			sup.Stop()
			loop.Stop()
			roster.Stop()
			engine.Stop()
			m.Disconnect()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
