package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"relay/internal/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the relay database at dbPath. Each
// caller that needs an independent resource scope opens its own store;
// handles are not shared between the ingest server and the executor.
func Open(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection per handle; SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS channels (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		provider    TEXT NOT NULL,
		credentials TEXT NOT NULL DEFAULT '{}',
		active      INTEGER NOT NULL DEFAULT 1,
		settings    TEXT NOT NULL DEFAULT '{}',
		secret      TEXT NOT NULL DEFAULT '',
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS accounts (
		id           TEXT PRIMARY KEY,
		kind         TEXT NOT NULL DEFAULT 'guest',
		display_name TEXT NOT NULL DEFAULT '',
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS bindings (
		id              TEXT PRIMARY KEY,
		channel_id      TEXT NOT NULL REFERENCES channels(id),
		external_id     TEXT NOT NULL,
		account_id      TEXT NOT NULL REFERENCES accounts(id),
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(channel_id, external_id)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id                TEXT PRIMARY KEY,
		owner_id          TEXT NOT NULL,
		name              TEXT NOT NULL,
		kind              TEXT NOT NULL,
		expression        TEXT NOT NULL,
		prompt            TEXT NOT NULL,
		agent_ref         TEXT NOT NULL,
		channel_id        TEXT NOT NULL,
		binding_id        TEXT NOT NULL DEFAULT '',
		target_id         TEXT NOT NULL DEFAULT '',
		active            INTEGER NOT NULL DEFAULT 1,
		last_evaluated_at DATETIME NOT NULL,
		created_at        DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_active ON tasks(active);

	CREATE TABLE IF NOT EXISTS records (
		id          TEXT PRIMARY KEY,
		task_id     TEXT NOT NULL DEFAULT '',
		trigger     TEXT NOT NULL,
		status      TEXT NOT NULL,
		summary     TEXT NOT NULL DEFAULT '',
		started_at  DATETIME NOT NULL,
		finished_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_records_task ON records(task_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- Channels ---

func (s *SQLiteStore) SaveChannel(ctx context.Context, cfg *domain.ChannelConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}
	creds := cfg.Credentials
	if len(creds) == 0 {
		creds = []byte("{}")
	}
	settings, err := json.Marshal(cfg.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO channels (id, owner_id, provider, credentials, active, settings, secret, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner_id = excluded.owner_id,
		   provider = excluded.provider,
		   credentials = excluded.credentials,
		   active = excluded.active,
		   settings = excluded.settings,
		   secret = excluded.secret`,
		cfg.ID, cfg.OwnerID, string(cfg.Provider), string(creds),
		boolToInt(cfg.Active), string(settings), cfg.Secret, cfg.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetChannel(ctx context.Context, id string) (*domain.ChannelConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, provider, credentials, active, settings, secret, created_at
		 FROM channels WHERE id = ?`, id)
	return scanChannel(row)
}

func (s *SQLiteStore) ListChannels(ctx context.Context) ([]domain.ChannelConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, provider, credentials, active, settings, secret, created_at
		 FROM channels ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChannelConfig
	for rows.Next() {
		cfg, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*domain.ChannelConfig, error) {
	var (
		cfg      domain.ChannelConfig
		provider string
		creds    string
		active   int
		settings string
	)
	err := row.Scan(&cfg.ID, &cfg.OwnerID, &provider, &creds, &active, &settings, &cfg.Secret, &cfg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg.Provider = domain.Provider(provider)
	cfg.Credentials = json.RawMessage(creds)
	cfg.Active = active != 0
	if err := json.Unmarshal([]byte(settings), &cfg.Settings); err != nil {
		return nil, fmt.Errorf("decode channel settings: %w", err)
	}
	return &cfg, nil
}

// --- Bindings ---

// ResolveOrCreateBinding looks up the binding for (channelID, externalID)
// and creates it, together with a guest account and a fresh conversation,
// if it does not exist. The transaction plus the UNIQUE constraint make
// concurrent first contact safe: one caller inserts, the rest re-read.
func (s *SQLiteStore) ResolveOrCreateBinding(ctx context.Context, channelID, externalID string) (*domain.Binding, bool, error) {
	if b, err := s.findBinding(ctx, channelID, externalID); err == nil {
		return b, false, nil
	} else if err != domain.ErrBindingNotFound {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	now := time.Now()
	b := &domain.Binding{
		ID:             uuid.NewString(),
		ChannelID:      channelID,
		ExternalID:     externalID,
		AccountID:      uuid.NewString(),
		ConversationID: uuid.NewString(),
		CreatedAt:      now,
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (id, kind, display_name, created_at) VALUES (?, 'guest', ?, ?)`,
		b.AccountID, "guest:"+externalID, now,
	); err != nil {
		return nil, false, fmt.Errorf("create guest account: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, channel_id, created_at) VALUES (?, ?, ?)`,
		b.ConversationID, channelID, now,
	); err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO bindings (id, channel_id, external_id, account_id, conversation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel_id, external_id) DO NOTHING`,
		b.ID, channelID, externalID, b.AccountID, b.ConversationID, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("create binding: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Lost the race; the winner's row is authoritative.
		tx.Rollback()
		existing, err := s.findBinding(ctx, channelID, externalID)
		return existing, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *SQLiteStore) findBinding(ctx context.Context, channelID, externalID string) (*domain.Binding, error) {
	var b domain.Binding
	err := s.db.QueryRowContext(ctx,
		`SELECT id, channel_id, external_id, account_id, conversation_id, created_at
		 FROM bindings WHERE channel_id = ? AND external_id = ?`,
		channelID, externalID,
	).Scan(&b.ID, &b.ChannelID, &b.ExternalID, &b.AccountID, &b.ConversationID, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrBindingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLiteStore) GetBinding(ctx context.Context, id string) (*domain.Binding, error) {
	var b domain.Binding
	err := s.db.QueryRowContext(ctx,
		`SELECT id, channel_id, external_id, account_id, conversation_id, created_at
		 FROM bindings WHERE id = ?`, id,
	).Scan(&b.ID, &b.ChannelID, &b.ExternalID, &b.AccountID, &b.ConversationID, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrBindingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// DeleteBinding removes a binding. Past execution records are untouched.
func (s *SQLiteStore) DeleteBinding(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrBindingNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
