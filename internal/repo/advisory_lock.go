package repo

import (
	"context"
	"fmt"
)

// Repository.lockConns/lockConnsMu (declared in repo.go) track the
// dedicated connection each held advisory lock lives on, since
// pg_try_advisory_lock/pg_advisory_unlock are scoped to the session
// that acquired them, per SPEC_FULL.md's Open Question decision to
// offer this as an opt-in serialization mode.

// TryLock attempts pg_try_advisory_lock on a key derived from taskID,
// using a single dedicated connection so the lock and its eventual
// Unlock are guaranteed to run on the same Postgres session.
func (r *Repository) TryLock(ctx context.Context, taskID string) (bool, error) {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return false, fmt.Errorf("repo: acquiring connection for advisory lock: %w", err)
	}

	var acquired bool
	err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, taskID).Scan(&acquired)
	if err != nil {
		conn.Close()
		return false, fmt.Errorf("repo: pg_try_advisory_lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	r.lockConnsMu.Lock()
	r.lockConns[taskID] = conn
	r.lockConnsMu.Unlock()
	return true, nil
}

// Unlock releases the advisory lock and returns its dedicated
// connection to the pool.
func (r *Repository) Unlock(ctx context.Context, taskID string) error {
	r.lockConnsMu.Lock()
	conn, ok := r.lockConns[taskID]
	delete(r.lockConns, taskID)
	r.lockConnsMu.Unlock()
	if !ok {
		return nil
	}
	defer conn.Close()

	_, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, taskID)
	if err != nil {
		return fmt.Errorf("repo: pg_advisory_unlock: %w", err)
	}
	return nil
}
