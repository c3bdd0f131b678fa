package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "conductor/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	// modernc applies _pragma parameters on every new connection.
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// one writer; concurrent conductor processes serialize on busy_timeout
	db.SetMaxOpenConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite %s: %w", path, err)
	}
	log.Debug("sqlite store ready", logx.String("path", path), logx.Duration("busy_timeout", busy))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) (*Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}

	var lastUpdated, version string
	err := s.db.QueryRowContext(ctx, `SELECT last_updated, version FROM quota_meta WHERE id = 1`).Scan(&lastUpdated, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Limits: map[string]LimitState{}, Version: version}
	if snap.LastUpdated, err = time.Parse(time.RFC3339Nano, lastUpdated); err != nil {
		s.log.Warn("quota snapshot corrupt; using defaults", logx.String("field", "last_updated"), logx.Err(err))
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, lim, used, reserved, resets_at, unlimited FROM quota_limits`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key       string
			lim       sql.NullInt64
			used      int
			reserved  int
			resetsAt  string
			unlimited bool
		)
		if err := rows.Scan(&key, &lim, &used, &reserved, &resetsAt, &unlimited); err != nil {
			return nil, err
		}
		at, err := time.Parse(time.RFC3339Nano, resetsAt)
		if err != nil {
			s.log.Warn("quota snapshot corrupt; using defaults", logx.String("key", key), logx.Err(err))
			return nil, nil
		}
		ls := LimitState{Used: used, Reserved: reserved, ResetsAt: at, Unlimited: unlimited}
		if lim.Valid {
			v := int(lim.Int64)
			ls.Limit = &v
		}
		snap.Limits[key] = ls
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *sqliteStore) Save(ctx context.Context, snap Snapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if snap.Version == "" {
		snap.Version = SnapshotVersion
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM quota_limits`); err != nil {
		return err
	}
	for key, ls := range snap.Limits {
		var lim any
		if ls.Limit != nil {
			lim = *ls.Limit
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quota_limits(key, lim, used, reserved, resets_at, unlimited) VALUES(?,?,?,?,?,?)`,
			key, lim, ls.Used, ls.Reserved, ls.ResetsAt.UTC().Format(time.RFC3339Nano), ls.Unlimited,
		); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO quota_meta(id, last_updated, version) VALUES(1,?,?)
		 ON CONFLICT(id) DO UPDATE SET last_updated=excluded.last_updated, version=excluded.version`,
		snap.LastUpdated.UTC().Format(time.RFC3339Nano), snap.Version,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Clear(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM quota_limits`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM quota_meta`)
	return err
}
