package app

import (
	"fmt"
	"log"

	"questline/internal/config"
	"questline/internal/db"
	"questline/internal/engine"
	"questline/internal/migrate"
	"questline/internal/notify"
	"questline/internal/store"
)

// Runtime is an opened store plus the engine built on it.
type Runtime struct {
	Store   store.Store
	Engine  engine.Engine
	webhook *notify.Webhook
}

// Close stops webhook delivery and closes the store.
func (r *Runtime) Close() error {
	if r.webhook != nil {
		r.webhook.Close()
	}
	return r.Store.Close()
}

// OpenStore opens the configured backend, applying migrations for SQL ones.
// An empty workspace means the current directory.
func OpenStore(workspace string, cfg *config.Config) (store.Store, error) {
	opts := store.Options{OpTimeout: cfg.OpTimeout()}
	switch cfg.Store.Driver {
	case db.DriverMemory:
		return store.NewMemory(opts), nil
	case "", db.DriverSQLite, db.DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
	conn, err := db.Open(db.Config{Driver: cfg.Store.Driver, Workspace: workspace, DSN: cfg.Store.DSN})
	if err != nil {
		return nil, err
	}
	dialect := db.Dialect(cfg.Store.Driver)
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	d := store.DialectSQLite
	if dialect == db.DriverPostgres {
		d = store.DialectPostgres
	}
	return store.NewSQL(conn, d, opts), nil
}

// Open builds a Runtime: store, engine, and notifiers from config webhooks.
func Open(workspace string, cfg *config.Config, logger *log.Logger) (*Runtime, error) {
	if logger == nil {
		logger = log.Default()
	}
	s, err := OpenStore(workspace, cfg)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Store: s}
	notifiers := notify.Multi{notify.Log{Logger: logger}}
	if len(cfg.Webhooks) > 0 {
		rt.webhook = notify.NewWebhook(cfg.Webhooks, logger)
		notifiers = append(notifiers, rt.webhook)
	}
	rt.Engine = engine.New(s, cfg, logger).WithNotifier(notifiers)
	return rt, nil
}
