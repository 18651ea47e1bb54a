package main

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/solanaverse/points-engine/api"
	"github.com/solanaverse/points-engine/config"
	"github.com/solanaverse/points-engine/events"
	"github.com/solanaverse/points-engine/ledger"
	"github.com/solanaverse/points-engine/points"
	"github.com/solanaverse/points-engine/pointsapi"
	"github.com/solanaverse/points-engine/storage"
	"github.com/solanaverse/points-engine/store/postgres"
	redisstore "github.com/solanaverse/points-engine/store/redis"
	"github.com/solanaverse/points-engine/store/sqlite"
	"github.com/solanaverse/points-engine/syncengine"
)

// app is the wired service graph. Close releases every opened backend.
type app struct {
	conf      *config.Config
	logger    *zap.Logger
	bus       *events.Bus
	storage   *storage.Manager
	ledger    *ledger.Manager
	engine    *syncengine.Engine
	points    *pointsapi.API
	scheduler *syncengine.Scheduler
	router    http.Handler

	sqlite  map[string]*sqlite.Store
	closers []func()
}

func newApp(ctx context.Context, conf *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{conf: conf, logger: logger, sqlite: make(map[string]*sqlite.Store)}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	conf, logger := a.conf, a.logger

	a.bus = events.NewBus(logger.Named("events"))

	kv, err := a.openKV(ctx)
	if err != nil {
		return err
	}
	a.storage = storage.NewManager(kv, storage.Options{
		DefaultTTL: conf.Storage.CacheTTL,
		Logger:     logger.Named("storage"),
		OnError:    events.StorageErrorReporter(a.bus),
	})

	txStore, err := a.openLedger()
	if err != nil {
		return err
	}
	lm, err := ledger.NewManager(txStore, ledger.Options{
		NodeID: conf.Ledger.NodeID,
		Logger: logger.Named("ledger"),
	})
	if err != nil {
		return err
	}
	a.ledger = lm

	remote, err := a.openRemote(ctx)
	if err != nil {
		return err
	}
	a.engine = syncengine.NewEngine(remote, a.storage, syncengine.Options{
		Backoff:          conf.Sync.Backoff,
		FailureThreshold: conf.Sync.FailureThreshold,
		Cooldown:         conf.Sync.Cooldown,
		Workers:          conf.Sync.Workers,
		Logger:           logger.Named("sync"),
		Events:           a.bus,
	})

	a.scheduler = syncengine.NewScheduler(a.engine, logger)
	a.scheduler.Interval = conf.Sync.QueueInterval

	types := points.NewTypeSystem()
	a.points = pointsapi.New(types, a.storage, a.ledger, pointsapi.Options{
		MaxAmount: conf.Points.MaxAmount,
		Logger:    logger.Named("points"),
		Events:    a.bus,
		Sync:      a.engine,
	})

	a.router = api.NewRouter(api.NewHandler(api.Deps{
		Types:          types,
		Points:         a.points,
		Ledger:         a.ledger,
		Storage:        a.storage,
		Sync:           a.engine,
		Bus:            a.bus,
		Logger:         logger,
		AllowedOrigins: conf.Server.AllowedOrigins,
	}))
	return nil
}

// sqliteStore opens path once; the mirror and the ledger may share a file.
func (a *app) sqliteStore(path string) (*sqlite.Store, error) {
	if s, ok := a.sqlite[path]; ok {
		return s, nil
	}
	s, err := sqlite.New(path)
	if err != nil {
		return nil, err
	}
	a.sqlite[path] = s
	a.closers = append(a.closers, func() { s.Close() })
	return s, nil
}

func (a *app) openKV(ctx context.Context) (storage.KV, error) {
	switch a.conf.Storage.Driver {
	case "memory":
		return storage.NewMemoryKV(), nil
	case "sqlite":
		s, err := a.sqliteStore(a.conf.Storage.SqlitePath)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		return s.KV(), nil
	case "redis":
		client, err := redisstore.NewClient(ctx, a.conf.Storage.Redis)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.closers = append(a.closers, func() { client.Close() })
		return redisstore.NewKV(client), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownStorage, a.conf.Storage.Driver)
	}
}

func (a *app) openLedger() (ledger.Store, error) {
	switch a.conf.Ledger.Driver {
	case "memory":
		return ledger.NewMemoryStore(), nil
	case "sqlite":
		s, err := a.sqliteStore(a.conf.Ledger.SqlitePath)
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		return s.Ledger(), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownLedger, a.conf.Ledger.Driver)
	}
}

func (a *app) openRemote(ctx context.Context) (syncengine.RemoteStore, error) {
	switch a.conf.Sync.Remote {
	case "memory":
		return syncengine.NewMemoryRemote(), nil
	case "postgres":
		r, err := postgres.New(ctx, a.conf.Sync.PostgresDSN, a.logger)
		if err != nil {
			return nil, fmt.Errorf("remote: %w", err)
		}
		a.closers = append(a.closers, r.Close)
		return r, nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownRemote, a.conf.Sync.Remote)
	}
}

// Close releases backends in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
