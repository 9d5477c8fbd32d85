// Package snapshot persists the serialized state of each merge service to
// PostgreSQL so the surrounding system can inspect queues across restarts.
// The store holds current state only, not a journal of events; the bot runs
// fine without it.
package snapshot

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/jogman/walle/internal/merge"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Connect creates a pgx connection pool and runs migrations.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	slog.Debug("connecting to database")

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	slog.Debug("migrating database")
	goose.SetBaseFS(embedMigrations)

	db := stdlib.OpenDBFromPool(pool)

	if err = goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("failed to set dialect: %w", err)
	} else if err = goose.Up(db, "migrations"); err != nil {
		return nil, fmt.Errorf("failed to migrate db: %w", err)
	}

	return pool, nil
}

// Store reads and writes merge service snapshots.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a snapshot store on an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Save upserts the snapshot for a target branch.
func (s *Store) Save(ctx context.Context, state merge.State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal snapshot for %s: %w", state.TargetBranch, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO merge_service_snapshots (target_branch, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (target_branch)
		DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		state.TargetBranch, payload)
	if err != nil {
		return fmt.Errorf("save snapshot for %s: %w", state.TargetBranch, err)
	}

	return nil
}

// Delete removes the snapshot for a target branch. Missing rows are not an
// error.
func (s *Store) Delete(ctx context.Context, targetBranch string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM merge_service_snapshots WHERE target_branch = $1`, targetBranch)
	if err != nil {
		return fmt.Errorf("delete snapshot for %s: %w", targetBranch, err)
	}

	return nil
}

// Load returns the snapshot for a target branch, or nil if none exists.
func (s *Store) Load(ctx context.Context, targetBranch string) (*merge.State, error) {
	var payload []byte

	row := s.pool.QueryRow(ctx,
		`SELECT state FROM merge_service_snapshots WHERE target_branch = $1`, targetBranch)
	if err := row.Scan(&payload); err != nil {
		return nil, nil //nolint:nilerr // not-found is not an error
	}

	var state merge.State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot for %s: %w", targetBranch, err)
	}

	return &state, nil
}

// List returns all stored snapshots keyed by target branch.
func (s *Store) List(ctx context.Context) (map[string]merge.State, error) {
	rows, err := s.pool.Query(ctx, `SELECT target_branch, state FROM merge_service_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	result := make(map[string]merge.State)

	for rows.Next() {
		var (
			branch  string
			payload []byte
		)
		if err := rows.Scan(&branch, &payload); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}

		var state merge.State
		if err := json.Unmarshal(payload, &state); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot for %s: %w", branch, err)
		}

		result[branch] = state
	}

	return result, rows.Err()
}
