// Package app composes a chat client for one profile with fx.
package app

import (
	"context"

	"github.com/matheus3301/duochat/internal/bus"
	"github.com/matheus3301/duochat/internal/chat"
	"github.com/matheus3301/duochat/internal/config"
	"github.com/matheus3301/duochat/internal/lock"
	"github.com/matheus3301/duochat/internal/logging"
	"github.com/matheus3301/duochat/internal/profile"
	"github.com/matheus3301/duochat/internal/realtime"
	"github.com/matheus3301/duochat/internal/rest"
	"github.com/matheus3301/duochat/internal/status"
	"github.com/matheus3301/duochat/internal/store"
	"github.com/matheus3301/duochat/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile and configuration passed to the module.
type Params struct {
	Profile string
	Config  *config.Config
	// Owner is recorded in the profile lock, e.g. "tui" or "watch".
	Owner string
	// Stderr mirrors logs to the terminal. The TUI leaves it off.
	Stderr bool
	Debug  bool
	// Dialer overrides the broker selected by Config.BrokerURL; for tests.
	Dialer transport.Dialer
}

// Module returns the fx module for a client, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("duochat",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCredentials,
			provideDialer,
			provideSession,
			provideREST,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		Path:   profile.LogPath(p.Profile),
		Stderr: p.Stderr,
		Debug:  p.Debug,
	}, p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	owner := p.Owner
	if owner == "" {
		owner = "client"
	}
	l, err := lock.Acquire(profile.Dir(p.Profile), owner)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	path := profile.StateDBPath(p.Profile)
	db, err := store.Open(path)
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
		logger.Debug("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", path))
	return db, nil
}

func provideCredentials(db *store.DB) (transport.Credentials, error) {
	creds, err := db.LoadCredentials()
	if err != nil {
		return transport.Credentials{}, err
	}
	return transport.Credentials{Token: creds.Token, UserID: creds.UserID}, nil
}

func provideDialer(p Params, logger *zap.Logger) (transport.Dialer, error) {
	if p.Dialer != nil {
		return p.Dialer, nil
	}
	return transport.NewDialer(transport.Options{
		URL:       p.Config.BrokerURL,
		HeartBeat: p.Config.HeartBeat.Duration,
		Redis: transport.RedisOptions{
			Password: p.Config.Redis.Password,
			DB:       p.Config.Redis.DB,
			Prefix:   p.Config.Redis.Prefix,
		},
	}, logger)
}

func provideSession(p Params, d transport.Dialer, m *status.Machine, logger *zap.Logger) *realtime.Manager {
	return realtime.NewManager(d, m, nil, p.Config.ReconnectDelay.Duration, logger.Named("session"))
}

func provideREST(p Params, creds transport.Credentials, logger *zap.Logger) (*rest.Client, error) {
	return rest.New(rest.Config{BaseURL: p.Config.APIURL}, creds.Token, logger.Named("rest"))
}

func provideClient(p Params, creds transport.Credentials, session *realtime.Manager, api *rest.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *chat.Client {
	return chat.New(creds, chat.Config{
		TypingTimeout:  p.Config.TypingTimeout.Duration,
		BlurGrace:      p.Config.BlurGrace.Duration,
		TypingExpiry:   p.Config.TypingExpiry.Duration,
		PendingTimeout: p.Config.PendingTimeout.Duration,
	}, chat.Deps{
		Session: session,
		API:     api,
		Store:   db,
		Bus:     b,
		Logger:  logger.Named("chat"),
	})
}

func registerLifecycle(lc fx.Lifecycle, client *chat.Client, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The session outlives the start context.
			if err := client.Start(context.Background()); err != nil {
				return err
			}
			logger.Info("client started", zap.Int64("user_id", int64(client.Self())))
			return nil
		},
		OnStop: func(_ context.Context) error {
			client.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
