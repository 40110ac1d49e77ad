//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"anembot/internal/member"

	logx "anembot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// sqliteStore persists the roster in a single-file SQLite database. The
// member record itself is stored as JSON so the two drivers share one
// serialization; SQLite adds durable writes and concurrent readers.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(path string, busyTimeout time.Duration, log logx.Logger) (Store, error) {
	dsn := "file:" + path + "?" + url.Values{
		"_pragma": {
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()),
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Load(ctx context.Context) ([]*member.Member, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM members ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*member.Member
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var m member.Member
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode member record: %w", err)
		}
		m.Normalize()
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Save(ctx context.Context, members []*member.Member) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM members`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO members (position, nin, record) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, m := range members {
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, i, m.NIN, string(raw)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error { return s.db.Close() }
