package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zapflow/telegram-gateway/internal/ports"
	_ "modernc.org/sqlite"
)

// SQLiteStore holds durable account metadata and the webhook delivery
// audit log. Session tokens themselves live in the file store.
type SQLiteStore struct {
	db *sql.DB
}

func Open(databasePath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(databasePath), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", databasePath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			name TEXT PRIMARY KEY,
			phone_number TEXT NOT NULL DEFAULT '',
			confirmed_at TEXT NOT NULL DEFAULT (datetime('now'))
		);`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id TEXT PRIMARY KEY,
			account TEXT NOT NULL,
			action TEXT NOT NULL,
			url TEXT NOT NULL,
			ok INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("run migration query: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStore) UpsertAccount(ctx context.Context, name, phoneNumber string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (name, phone_number, confirmed_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(name) DO UPDATE SET
			phone_number = CASE WHEN excluded.phone_number != '' THEN excluded.phone_number ELSE accounts.phone_number END;
	`, name, phoneNumber)
	return err
}

func (s *SQLiteStore) RecordDelivery(ctx context.Context, rec ports.DeliveryRecord) error {
	ok := 0
	if rec.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, account, action, url, ok, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, datetime('now'));
	`, rec.ID, rec.Account, rec.Action, rec.URL, ok, rec.Error)
	return err
}

func (s *SQLiteStore) DeliveryStats(ctx context.Context) (ports.DeliveryStats, error) {
	var stats ports.DeliveryStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END), 0)
		FROM webhook_deliveries;
	`).Scan(&stats.Total, &stats.Failed)
	if err != nil {
		return ports.DeliveryStats{}, err
	}
	return stats, nil
}
