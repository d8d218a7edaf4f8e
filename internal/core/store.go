package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mormegil-cz/gnubg-sub002/pkg/api"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed persistence layer for known remote hosts and
// processing unit statistics.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// SaveHost records a remote host; saving it again is a no-op.
func (s *Store) SaveHost(ctx context.Context, addr string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO remote_hosts(addr) VALUES (?)`, addr)
	if err != nil {
		return fmt.Errorf("save host %s: %w", addr, err)
	}
	return nil
}

func (s *Store) DeleteHost(ctx context.Context, addr string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM remote_hosts WHERE addr = ?`, addr)
	if err != nil {
		return fmt.Errorf("delete host %s: %w", addr, err)
	}
	return nil
}

// ListHosts returns the recorded hosts in the order they were added.
func (s *Store) ListHosts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT addr FROM remote_hosts ORDER BY added_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// SaveStats appends one row per unit and task kind.
func (s *Store) SaveStats(ctx context.Context, units []api.Unit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO pu_stats
		(pu_id, pu_type, addr, kind, submitted, completed, failed, avg_latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, u := range units {
		for _, k := range u.Stats {
			if _, err := stmt.ExecContext(ctx, u.ID, u.Type, u.Address, k.Kind,
				k.Submitted, k.Completed, k.Failed, k.AvgLatencyMs); err != nil {
				return fmt.Errorf("save stats of unit %d: %w", u.ID, err)
			}
		}
	}
	return tx.Commit()
}

// HostStats sums the recorded statistics of one remote host per kind.
func (s *Store) HostStats(ctx context.Context, addr string) ([]api.KindStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, SUM(submitted), SUM(completed), SUM(failed),
		COALESCE(SUM(avg_latency_ms * completed) / NULLIF(SUM(completed), 0), 0)
		FROM pu_stats WHERE addr = ? GROUP BY kind ORDER BY kind`, addr)
	if err != nil {
		return nil, fmt.Errorf("host stats: %w", err)
	}
	defer rows.Close()
	var out []api.KindStats
	for rows.Next() {
		var k api.KindStats
		if err := rows.Scan(&k.Kind, &k.Submitted, &k.Completed, &k.Failed, &k.AvgLatencyMs); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
