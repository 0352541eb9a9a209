// Package deadletter keeps webhook payloads whose persistence failed so that
// operators can inspect and replay them.
package deadletter

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type Entry struct {
	EntryID   string    `db:"id" json:"id"`
	Provider  string    `db:"provider" json:"provider"`
	Stage     string    `db:"stage" json:"stage"`
	Reason    string    `db:"reason" json:"reason"`
	Payload   []byte    `db:"payload" json:"payload"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type Log struct {
	db *sqlx.DB
}

// Open opens (and creates if needed) the SQLite file at path.
func Open(path string) (*Log, error) {
	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open dead-letter log")
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		stage TEXT NOT NULL,
		reason TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create dead_letters")
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

// Record stores a failed payload. It runs outside any ingestion transaction.
func (l *Log) Record(ctx context.Context, provider, stage, reason string, payload []byte) error {
	if payload == nil {
		payload = []byte{}
	}
	_, err := l.db.ExecContext(ctx, `INSERT INTO dead_letters (id, provider, stage, reason, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), provider, stage, reason, payload, time.Now().UTC())
	return errors.Wrap(err, "record dead letter")
}

// List returns the newest entries first.
func (l *Log) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []Entry
	err := l.db.SelectContext(ctx, &entries, `SELECT id, provider, stage, reason, payload, created_at FROM dead_letters ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, "list dead letters")
	}
	return entries, nil
}

// Delete removes an entry once it has been replayed.
func (l *Log) Delete(ctx context.Context, id string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	return errors.Wrap(err, "delete dead letter")
}
