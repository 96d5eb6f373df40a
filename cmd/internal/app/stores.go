package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"

	"hirewire/cmd/internal/messaging"
	"hirewire/cmd/internal/notify"
	"hirewire/cmd/internal/signaling"
)

// stores bundles the persistence selected by HIREWIRE_STORE together with the
// connections the app owns and must close on shutdown.
type stores struct {
	backend string

	messages      messaging.Store
	calls         signaling.Store
	notifications notify.Store

	pool  *pgxpool.Pool
	mongo *mongo.Client
}

// durable reports whether state survives a restart.
func (s *stores) durable() bool { return s.backend != StoreMemory }

// newStores opens the configured backend and prepares its schema or indexes.
func newStores(ctx context.Context, cfg Config, log Logger) (*stores, error) {
	backend, err := cfg.storeBackend()
	if err != nil {
		return nil, err
	}

	switch backend {
	case StorePostgres:
		return newPostgresStores(ctx, cfg, log)
	case StoreMongo:
		return newMongoStores(ctx, cfg, log)
	default:
		log.Info("store.memory", "note", "state is lost on restart")
		return &stores{
			backend:       StoreMemory,
			messages:      messaging.NewInMemoryStore(),
			calls:         signaling.NewInMemoryStore(),
			notifications: notify.NewInMemoryStore(),
		}, nil
	}
}

func newPostgresStores(ctx context.Context, cfg Config, log Logger) (*stores, error) {
	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	// The app owns the pool; the stores' Close is a no-op.
	msgs, err := messaging.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	calls, err := signaling.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	notes, err := notify.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}

	for name, ensure := range map[string]func(context.Context) error{
		"messages":      msgs.EnsureSchema,
		"calls":         calls.EnsureSchema,
		"notifications": notes.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: ensure %s schema: %w", name, err)
		}
	}

	log.Info("store.postgres", "max_conns", cfg.DBMaxConns)
	return &stores{
		backend:       StorePostgres,
		messages:      msgs,
		calls:         calls,
		notifications: notes,
		pool:          pool,
	}, nil
}

func newMongoStores(ctx context.Context, cfg Config, log Logger) (*stores, error) {
	client, err := NewMongoClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("mongo: %w", err)
	}
	db := client.Database(cfg.MongoDB)

	closeClient := func() { _ = client.Disconnect(context.Background()) }

	msgs, err := messaging.NewMongoStore(db)
	if err != nil {
		closeClient()
		return nil, err
	}
	calls, err := signaling.NewMongoStore(db)
	if err != nil {
		closeClient()
		return nil, err
	}
	notes, err := notify.NewMongoStore(db)
	if err != nil {
		closeClient()
		return nil, err
	}

	for name, ensure := range map[string]func(context.Context) error{
		"message":      msgs.EnsureIndexes,
		"call":         calls.EnsureIndexes,
		"notification": notes.EnsureIndexes,
	} {
		if err := ensure(ctx); err != nil {
			closeClient()
			return nil, fmt.Errorf("mongo: ensure %s indexes: %w", name, err)
		}
	}

	log.Info("store.mongo", "db", cfg.MongoDB)
	return &stores{
		backend:       StoreMongo,
		messages:      msgs,
		calls:         calls,
		notifications: notes,
		mongo:         client,
	}, nil
}

// Close releases store resources and the connections behind them.
func (s *stores) Close(ctx context.Context) error {
	if s.messages != nil {
		_ = s.messages.Close()
	}
	if s.calls != nil {
		_ = s.calls.Close()
	}
	if s.notifications != nil {
		_ = s.notifications.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.mongo != nil {
		return s.mongo.Disconnect(ctx)
	}
	return nil
}
