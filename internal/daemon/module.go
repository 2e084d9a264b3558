// Package daemon composes the profile's components into a running process.
package daemon

import (
	"context"
	"errors"
	"io/fs"

	"github.com/marreiros/chatsync/internal/api"
	"github.com/marreiros/chatsync/internal/bus"
	"github.com/marreiros/chatsync/internal/config"
	"github.com/marreiros/chatsync/internal/conn"
	"github.com/marreiros/chatsync/internal/dedup"
	"github.com/marreiros/chatsync/internal/lock"
	"github.com/marreiros/chatsync/internal/logging"
	"github.com/marreiros/chatsync/internal/outbox"
	"github.com/marreiros/chatsync/internal/profile"
	"github.com/marreiros/chatsync/internal/remote"
	"github.com/marreiros/chatsync/internal/retry"
	"github.com/marreiros/chatsync/internal/rt"
	"github.com/marreiros/chatsync/internal/store"
	intsync "github.com/marreiros/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideRepository,
			provideScheduler,
			provideResolver,
			provideRemoteClient,
			provideMonitor,
			provideStateMachine,
			provideReceiver,
			provideEngine,
			provideService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

// provideConfig loads the profile config, writing a default one on first run.
func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	path := profile.ConfigPath(p.ProfileName)
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
		if err := config.Save(path, cfg); err != nil {
			return nil, err
		}
		logger.Info("default config written", zap.String("path", path))
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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

func provideRepository(db *store.DB, b *bus.Bus) *outbox.Repository {
	return outbox.NewRepository(db, b)
}

func provideScheduler(logger *zap.Logger) *retry.Scheduler {
	return retry.NewScheduler(nil, logger)
}

func provideResolver(cfg *config.Config, logger *zap.Logger) *dedup.Resolver {
	return dedup.NewResolver(cfg.DedupWindow(), logger)
}

func provideRemoteClient(cfg *config.Config) *remote.Client {
	return remote.NewClient(cfg.ServerURL, cfg.SessionToken, nil)
}

func provideMonitor(cfg *config.Config, client *remote.Client, b *bus.Bus, logger *zap.Logger) *conn.Monitor {
	return conn.NewMonitor(client.HealthURL(), cfg.ProbeInterval(), b, logger)
}

func provideStateMachine(b *bus.Bus) *rt.Machine {
	return rt.NewMachine(b)
}

func provideReceiver(cfg *config.Config, b *bus.Bus, machine *rt.Machine, scheduler *retry.Scheduler, logger *zap.Logger) *rt.Receiver {
	return rt.NewReceiver(cfg.WebsocketURL, b, machine, scheduler, logger)
}

func provideEngine(cfg *config.Config, repo *outbox.Repository, db *store.DB, client *remote.Client, resolver *dedup.Resolver, scheduler *retry.Scheduler, monitor *conn.Monitor, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(repo, db, client, client, resolver, scheduler, monitor, b, logger, intsync.Options{
		SendTimeout:    cfg.SendTimeout(),
		MaxAutoRetries: cfg.MaxAutoRetries,
	})
}

func provideService(repo *outbox.Repository, db *store.DB, engine *intsync.Engine, resolver *dedup.Resolver, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(repo, db, engine, resolver, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, lk *lock.Lock, db *store.DB, monitor *conn.Monitor, receiver *rt.Receiver, engine *intsync.Engine, svc *api.Service, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Engine first so nothing published at startup is missed.
			engine.Start(context.Background())
			monitor.Start(context.Background())
			if failed, err := svc.FailedMessages(""); err == nil && len(failed) > 0 {
				logger.Info("messages awaiting manual retry", zap.Int("count", len(failed)))
			}

			if cfg.SessionToken == "" || cfg.WebsocketURL == "" {
				logger.Info("no session configured, real-time channel disabled")
				return nil
			}
			if err := receiver.Connect(context.Background(), cfg.SessionToken); err != nil {
				// Outbox keeps accumulating; the receiver retries on its own.
				logger.Warn("real-time connect failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			receiver.Disconnect()
			monitor.Stop()
			engine.Stop()
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
