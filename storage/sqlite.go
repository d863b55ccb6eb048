// Package storage is the durable tier: conversation turns and usage
// snapshots in a single SQLite database.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tavik/chatguard/memory"
	"github.com/tavik/chatguard/ratelimit"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversation_turns (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT NOT NULL,
	platform   TEXT NOT NULL,
	chat_id    TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation
	ON conversation_turns (platform, user_id, chat_id, id);

CREATE TABLE IF NOT EXISTS usage_snapshots (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	platform    TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	api_type    TEXT NOT NULL,
	date        TEXT NOT NULL,
	hour        INTEGER NOT NULL,
	count       INTEGER NOT NULL,
	recorded_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_api_date
	ON usage_snapshots (api_type, recorded_at);
`

// DB is a SQLite-backed durable store. It implements memory.Durable and
// ratelimit.SnapshotWriter.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open durable db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate durable db: %w", err)
	}

	return &DB{db: db}, nil
}

// AppendTurn persists one conversation turn.
func (d *DB) AppendTurn(ctx context.Context, t memory.Turn) error {
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (user_id, platform, chat_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.UserID, t.Platform, t.ChatID, t.Role, t.Content, ts,
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to n most recent turns for the conversation in
// chronological order.
func (d *DB) RecentTurns(ctx context.Context, userID, platform, chatID string, n int) ([]memory.Turn, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT user_id, platform, chat_id, role, content, created_at
		 FROM conversation_turns
		 WHERE platform = ? AND user_id = ? AND chat_id = ?
		 ORDER BY id DESC LIMIT ?`,
		platform, userID, chatID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()

	var turns []memory.Turn
	for rows.Next() {
		var t memory.Turn
		if err := rows.Scan(&t.UserID, &t.Platform, &t.ChatID, &t.Role, &t.Content, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}

	// Newest-first from the query; flip to chronological.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// RecordUsage persists a rate-limit usage snapshot.
func (d *DB) RecordUsage(ctx context.Context, s ratelimit.Snapshot) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO usage_snapshots (platform, user_id, api_type, date, hour, count, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.Platform, s.UserID, s.APIType, s.Date, s.Hour, s.Count, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// UsageTotals returns the number of granted calls for an apiType since the
// given time.
func (d *DB) UsageTotals(ctx context.Context, apiType string, since time.Time) (int64, error) {
	var total int64
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_snapshots WHERE api_type = ? AND recorded_at >= ?`,
		apiType, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("usage totals: %w", err)
	}
	return total, nil
}

// Close releases the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}
