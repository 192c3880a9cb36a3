// Package persistence is the sqlite-backed context store. It owns the two
// work queues (events, tasks) and the tenant-scoped conversational state:
// end users, transcript turns, long-term memory facts, knowledge chunks and
// canonical tags. Queue rows are handed out through atomic claim operations
// so that at most one worker owns a row at a time.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// EventStatus is the lifecycle state of a boundary event.
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusDone       EventStatus = "done"
	EventStatusFailed     EventStatus = "failed"
)

// TaskStatus is the lifecycle state of a routed task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusComplete   TaskStatus = "complete"
	TaskStatusFailed     TaskStatus = "failed"
)

// Event is a raw boundary occurrence awaiting routing by the dispatcher.
type Event struct {
	ID        string      `json:"id"`
	Kind      string      `json:"kind"`
	Payload   string      `json:"payload"`
	Status    EventStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Task is a routed, kind-specific unit of work awaiting execution.
type Task struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Payload   string     `json:"payload"`
	Status    TaskStatus `json:"status"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Tenant is a business account with its own persona and channel identity.
// Tenants are provisioned out-of-band and are read-only to the engine.
type Tenant struct {
	ID                 string    `json:"id"`
	DisplayName        string    `json:"display_name"`
	BehaviorPrompt     string    `json:"behavior_prompt"`
	ChannelRoutingID   string    `json:"channel_routing_id"`
	ChannelAccessToken string    `json:"channel_access_token,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// EndUser is an individual interacting with a tenant over a messaging
// channel, unique per (tenant, channel address).
type EndUser struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	ChannelAddress string    `json:"channel_address"`
	DisplayName    string    `json:"display_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// Turn is one appended transcript row.
type Turn struct {
	ID        int64     `json:"id"`
	EndUserID string    `json:"end_user_id"`
	ActorRole string    `json:"actor_role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Actor roles for transcript turns.
const (
	RoleEndUser   = "end_user"
	RoleAssistant = "assistant"
)

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".concierge", "concierge.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA synchronous = NORMAL;`,
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		behavior_prompt TEXT NOT NULL DEFAULT '',
		channel_routing_id TEXT NOT NULL UNIQUE,
		channel_access_token TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS end_users (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		channel_address TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (tenant_id, channel_address)
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_status ON events (status, created_at);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status, created_at);

	CREATE TABLE IF NOT EXISTS conversation_turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		end_user_id TEXT NOT NULL REFERENCES end_users(id),
		actor_role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_turns_end_user ON conversation_turns (end_user_id, id);

	CREATE TABLE IF NOT EXISTS memory_facts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		end_user_id TEXT NOT NULL REFERENCES end_users(id),
		fact_key TEXT NOT NULL,
		fact_value TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (end_user_id, fact_key)
	);

	CREATE TABLE IF NOT EXISTS knowledge_chunks (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		content TEXT NOT NULL,
		embedding TEXT NOT NULL,
		source_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_knowledge_tenant ON knowledge_chunks (tenant_id);

	CREATE TABLE IF NOT EXISTS canonical_tags (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		name TEXT NOT NULL,
		embedding TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (tenant_id, name)
	);

	CREATE TABLE IF NOT EXISTS interest_scores (
		end_user_id TEXT NOT NULL REFERENCES end_users(id),
		tag_id TEXT NOT NULL REFERENCES canonical_tags(id),
		score INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (end_user_id, tag_id)
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// retryOnBusy retries fn on transient sqlite lock errors with bounded jitter.
func retryOnBusy(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isBusyError(err) {
			return err
		}
		delay := time.Duration(10+rand.IntN(40)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
