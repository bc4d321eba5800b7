// Package repo is the Postgres persistence layer: the only package that
// issues SQL against the tasks/workflow_steps/*_transitions tables.
// Grounded on the teacher's Repository (internal/repo/repository.go):
// sqlx.Connect against lib/pq, NamedExec/Get/Select for CRUD, and the
// same connection-pool configuration knobs, generalized from the
// teacher's workflow_executions/step_executions schema into the
// task/workflow_step schema of spec.md §3 and wired to implement every
// store contract the state machines, readiness functions, coordinator,
// and executor need.
package repo

import (
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Repository provides every data access operation taskcore needs
// against Postgres.
type Repository struct {
	db     *sqlx.DB
	logger *zap.Logger

	// lockConns holds the dedicated connection behind each currently
	// held advisory lock; see advisory_lock.go.
	lockConns   map[string]*sqlx.Conn
	lockConnsMu sync.Mutex
}

// Options configures the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func New(databaseURL string, opts Options, logger *zap.Logger) (*Repository, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	return &Repository{db: db, logger: logger.With(zap.String("component", "repo")), lockConns: make(map[string]*sqlx.Conn)}, nil
}

// NewFromDB wraps an already-open *sqlx.DB, used by tests with
// sqlmock-backed connections.
func NewFromDB(db *sqlx.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger.With(zap.String("component", "repo")), lockConns: make(map[string]*sqlx.Conn)}
}

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) Ping() error { return r.db.Ping() }

func (r *Repository) DB() *sqlx.DB { return r.db }
