package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/director/pkg/metadata"
	"github.com/openfroyo/director/pkg/profile"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Registry using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	cfg   Config
	clock Clock
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Clock overrides time.Now for snapshot timestamps.
	Clock Clock
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// every connection to :memory: is a separate database
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SQLiteStore{cfg: cfg, clock: clock}, nil
}

// OpenSQLiteStore creates, initializes and migrates a store.
func OpenSQLiteStore(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if !isMemory(s.cfg.Path) {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latestTimestamp(ctx context.Context, q queryer, id string) (int64, bool, error) {
	var ts sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM profile_snapshots WHERE profile_id = ?`, id).Scan(&ts)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read latest snapshot of %s: %w", id, err)
	}
	return ts.Int64, ts.Valid, nil
}

// AddProfile creates an empty profile if it does not exist and returns its
// latest snapshot.
func (s *SQLiteStore) AddProfile(ctx context.Context, id string, properties map[string]string) (*profile.Profile, error) {
	if id == "" {
		return nil, fmt.Errorf("profile id is required")
	}
	var result *profile.Profile
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		latest, ok, err := latestTimestamp(ctx, tx, id)
		if err != nil {
			return err
		}
		if ok {
			result, err = loadSnapshot(ctx, tx, id, latest)
			return err
		}

		now := s.clock()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO profiles (id, created_at) VALUES (?, ?)`, id, now.UnixMilli()); err != nil {
			return fmt.Errorf("failed to create profile %s: %w", id, err)
		}
		p := profile.Empty(id, properties).WithTimestamp(nextTimestamp(now, 0))
		if err := insertSnapshot(ctx, tx, p); err != nil {
			return err
		}
		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetProfile returns the latest snapshot of id, or nil if it does not exist.
func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*profile.Profile, error) {
	latest, ok, err := latestTimestamp(ctx, s.db, id)
	if err != nil || !ok {
		return nil, err
	}
	return loadSnapshot(ctx, s.db, id, latest)
}

// GetProfileAt returns the snapshot of id taken at timestamp, or nil.
func (s *SQLiteStore) GetProfileAt(ctx context.Context, id string, timestamp int64) (*profile.Profile, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM profile_snapshots WHERE profile_id = ? AND timestamp = ?`, id, timestamp).Scan(&n)
	if err != nil {
		return nil, fmt.Errorf("failed to look up snapshot %s@%d: %w", id, timestamp, err)
	}
	if n == 0 {
		return nil, nil
	}
	return loadSnapshot(ctx, s.db, id, timestamp)
}

// ListProfileTimestamps returns the snapshot timestamps of id in ascending
// order.
func (s *SQLiteStore) ListProfileTimestamps(ctx context.Context, id string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp FROM profile_snapshots WHERE profile_id = ? ORDER BY timestamp ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots of %s: %w", id, err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("failed to scan timestamp: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// ListProfiles returns the known profile ids in ascending order.
func (s *SQLiteStore) ListProfiles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM profiles ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan profile id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Commit appends p as a new snapshot if base is still the latest snapshot of
// the profile. The timestamp of p is ignored; the returned profile carries
// the assigned one. Either the snapshot and all of its units become visible
// or nothing does. The base check and the insert share one immediate
// transaction, so processes sharing the database file cannot both commit on
// the same base.
func (s *SQLiteStore) Commit(ctx context.Context, p *profile.Profile, base int64) (*profile.Profile, error) {
	if p == nil {
		return nil, fmt.Errorf("cannot commit a nil profile")
	}
	var committed *profile.Profile
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles WHERE id = ?`, p.ID()).Scan(&n); err != nil {
			return fmt.Errorf("failed to look up profile %s: %w", p.ID(), err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrProfileNotFound, p.ID())
		}
		latest, _, err := latestTimestamp(ctx, tx, p.ID())
		if err != nil {
			return err
		}
		if latest != base {
			return fmt.Errorf("%w: %s@%d, latest is @%d", profile.ErrStaleSnapshot, p.ID(), base, latest)
		}
		committed = p.WithTimestamp(nextTimestamp(s.clock(), latest))
		return insertSnapshot(ctx, tx, committed)
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

func insertSnapshot(ctx context.Context, tx *sql.Tx, p *profile.Profile) error {
	snap := p.Snapshot()
	props, err := json.Marshal(nonNil(snap.Properties))
	if err != nil {
		return fmt.Errorf("failed to marshal profile properties: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO profile_snapshots (profile_id, timestamp, properties) VALUES (?, ?, ?)`,
		snap.ID, snap.Timestamp, string(props)); err != nil {
		return fmt.Errorf("failed to insert snapshot %s@%d: %w", snap.ID, snap.Timestamp, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshot_units (profile_id, timestamp, unit_id, unit_version, unit, properties)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare unit insert: %w", err)
	}
	defer stmt.Close()

	for _, su := range snap.Units {
		unit, err := json.Marshal(su.Unit)
		if err != nil {
			return fmt.Errorf("failed to marshal unit %s: %w", su.Unit, err)
		}
		unitProps, err := json.Marshal(nonNil(su.Properties))
		if err != nil {
			return fmt.Errorf("failed to marshal properties of %s: %w", su.Unit, err)
		}
		if _, err := stmt.ExecContext(ctx, snap.ID, snap.Timestamp,
			su.Unit.ID, su.Unit.Version.String(), string(unit), string(unitProps)); err != nil {
			return fmt.Errorf("failed to insert unit %s: %w", su.Unit, err)
		}
	}
	return nil
}

func loadSnapshot(ctx context.Context, q queryer, id string, timestamp int64) (*profile.Profile, error) {
	snap := profile.Snapshot{ID: id, Timestamp: timestamp}

	var props string
	err := q.QueryRowContext(ctx,
		`SELECT properties FROM profile_snapshots WHERE profile_id = ? AND timestamp = ?`, id, timestamp).Scan(&props)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s@%d: %w", id, timestamp, err)
	}
	if err := json.Unmarshal([]byte(props), &snap.Properties); err != nil {
		return nil, fmt.Errorf("failed to decode properties of %s@%d: %w", id, timestamp, err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT unit, properties FROM snapshot_units
		WHERE profile_id = ? AND timestamp = ?
		ORDER BY unit_id ASC, unit_version ASC
	`, id, timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to load units of %s@%d: %w", id, timestamp, err)
	}
	defer rows.Close()

	for rows.Next() {
		var unitJSON, propsJSON string
		if err := rows.Scan(&unitJSON, &propsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan unit row: %w", err)
		}
		var su profile.SnapshotUnit
		su.Unit = &metadata.InstallableUnit{}
		if err := json.Unmarshal([]byte(unitJSON), su.Unit); err != nil {
			return nil, fmt.Errorf("failed to decode unit in %s@%d: %w", id, timestamp, err)
		}
		if err := json.Unmarshal([]byte(propsJSON), &su.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode unit properties in %s@%d: %w", id, timestamp, err)
		}
		snap.Units = append(snap.Units, su)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return profile.FromSnapshot(snap)
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// RecordExecution appends rec to the execution journal.
func (s *SQLiteStore) RecordExecution(ctx context.Context, rec *ExecutionRecord) error {
	query := `
		INSERT INTO executions (session_id, profile_id, plan_id, base_timestamp, committed_timestamp,
			outcome, message, actions_executed, actions_undone, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.SessionID,
		rec.ProfileID,
		rec.PlanID,
		rec.BaseTimestamp,
		rec.CommittedTimestamp,
		string(rec.Outcome),
		rec.Message,
		rec.ActionsExecuted,
		rec.ActionsUndone,
		rec.StartedAt.UnixMilli(),
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record execution %s: %w", rec.SessionID, err)
	}
	return nil
}

// ListExecutions returns the most recent executions of profileID, newest
// first. A limit of zero or less returns every entry.
func (s *SQLiteStore) ListExecutions(ctx context.Context, profileID string, limit int) ([]*ExecutionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, profile_id, plan_id, base_timestamp, committed_timestamp,
			outcome, message, actions_executed, actions_undone, started_at, duration_ms
		FROM executions
		WHERE profile_id = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionRecord
	for rows.Next() {
		rec := &ExecutionRecord{}
		var committed sql.NullInt64
		var outcome string
		var startedAt, durationMS int64
		if err := rows.Scan(
			&rec.SessionID,
			&rec.ProfileID,
			&rec.PlanID,
			&rec.BaseTimestamp,
			&committed,
			&outcome,
			&rec.Message,
			&rec.ActionsExecuted,
			&rec.ActionsUndone,
			&startedAt,
			&durationMS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		if committed.Valid {
			ts := committed.Int64
			rec.CommittedTimestamp = &ts
		}
		rec.Outcome = Outcome(outcome)
		rec.StartedAt = time.UnixMilli(startedAt)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}
