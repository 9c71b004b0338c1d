package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "pushgate/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) PutExpiredToken(ctx context.Context, t ExpiredToken) error {
	if err := normalizeToken(&t); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO expired_tokens(token, at, reason, new_token, tag) VALUES(?,?,?,?,?)
		 ON CONFLICT(token) DO UPDATE SET at=excluded.at, reason=excluded.reason,
		   new_token=excluded.new_token, tag=excluded.tag`,
		t.Token, t.At.UnixNano(), t.Reason, nullStr(t.NewToken), nullStr(t.Tag),
	)
	return err
}

func (s *sqliteStore) ExpiredTokens(ctx context.Context, since time.Time, limit int) ([]ExpiredToken, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, at, reason, new_token, tag FROM expired_tokens
		 WHERE at >= ? ORDER BY at, token LIMIT ?`,
		since.UnixNano(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExpiredToken
	for rows.Next() {
		var (
			t        ExpiredToken
			at       int64
			newToken sql.NullString
			tag      sql.NullString
		)
		if err := rows.Scan(&t.Token, &at, &t.Reason, &newToken, &tag); err != nil {
			return nil, err
		}
		t.At = time.Unix(0, at)
		t.NewToken = newToken.String
		t.Tag = tag.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, result, identifier, token, tag, err) VALUES(?,?,?,?,?,?)`,
		r.At.UnixNano(), r.Result, r.Identifier, nullStr(r.Token), nullStr(r.Tag), nullStr(r.Error),
	)
	return err
}

// deliveryCount reports the delivery log size.
func (s *sqliteStore) deliveryCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliveries`).Scan(&n)
	return n, err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
