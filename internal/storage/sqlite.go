package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"stackcast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// maxRows bounds the table; older rows are pruned every pruneEvery inserts.
const (
	maxRows    = 5000
	pruneEvery = 200
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	inserts atomic.Uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	log.Debug("run history opened", logx.String("path", path))
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

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	args, err := json.Marshal(r.Args)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs(id, name, file, args, exit_code, started_at, ended_at, tail)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.ID, r.Name, r.File, string(args), r.ExitCode,
		r.StartedAt.UnixMilli(), r.EndedAt.UnixMilli(), nullStr(trimTail(r.Tail)),
	)
	if err == nil && s.inserts.Add(1)%pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("run history prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, name string, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT id, name, file, args, exit_code, started_at, ended_at, tail FROM runs`
	var params []any
	if name != "" {
		q += ` WHERE name = ?`
		params = append(params, name)
	}
	q += ` ORDER BY ended_at DESC, rowid DESC LIMIT ?`
	params = append(params, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, q, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r              RunRecord
			args, tail     sql.NullString
			started, ended int64
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.File, &args, &r.ExitCode, &started, &ended, &tail); err != nil {
			return nil, err
		}
		if args.Valid && args.String != "" {
			_ = json.Unmarshal([]byte(args.String), &r.Args)
		}
		r.StartedAt = time.UnixMilli(started)
		r.EndedAt = time.UnixMilli(ended)
		r.Tail = tail.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE rowid NOT IN (SELECT rowid FROM runs ORDER BY ended_at DESC LIMIT ?)`, maxRows)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
