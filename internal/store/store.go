// Package store persists assistant conversations for the gateway.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a conversation does not exist for the tenant.
var ErrNotFound = errors.New("store: conversation not found")

// Conversation is one tenant-scoped assistant conversation.
type Conversation struct {
	ID            string
	TenantID      string
	Title         string
	Provider      string
	Model         string
	CreatedAtUnix int64
	UpdatedAtUnix int64
}

// Message is one persisted conversation entry.
type Message struct {
	ID             int64
	ConversationID string
	Role           string
	Content        string
	CreatedAtUnix  int64
}

// Store wraps the SQLite database holding conversations and messages.
type Store struct {
	db *sql.DB
}

// Open opens the database at path, creating it and its parent directory if
// needed, and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer, and the session pragmas below are
	// per-connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_tenant ON conversations(tenant_id, updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a new conversation for the tenant and returns it.
func (s *Store) CreateConversation(ctx context.Context, tenantID, title, provider, model string, nowUnix int64) (Conversation, error) {
	conv := Conversation{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Title:         title,
		Provider:      provider,
		Model:         model,
		CreatedAtUnix: nowUnix,
		UpdatedAtUnix: nowUnix,
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations(id, tenant_id, title, provider, model, created_at, updated_at) VALUES(?, ?, ?, ?, ?, ?, ?)",
		conv.ID, conv.TenantID, conv.Title, conv.Provider, conv.Model, conv.CreatedAtUnix, conv.UpdatedAtUnix,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation loads one conversation scoped to the tenant.
func (s *Store) GetConversation(ctx context.Context, tenantID, id string) (Conversation, error) {
	var conv Conversation
	err := s.db.QueryRowContext(ctx,
		"SELECT id, tenant_id, title, provider, model, created_at, updated_at FROM conversations WHERE id = ? AND tenant_id = ?",
		id, tenantID,
	).Scan(&conv.ID, &conv.TenantID, &conv.Title, &conv.Provider, &conv.Model, &conv.CreatedAtUnix, &conv.UpdatedAtUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns the tenant's conversations, most recently touched
// first.
func (s *Store) ListConversations(ctx context.Context, tenantID string, limit int) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, tenant_id, title, provider, model, created_at, updated_at FROM conversations WHERE tenant_id = ? ORDER BY updated_at DESC, id LIMIT ?",
		tenantID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := make([]Conversation, 0, limit)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Title, &c.Provider, &c.Model, &c.CreatedAtUnix, &c.UpdatedAtUnix); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return convs, nil
}

// AppendMessage stores one message and bumps the conversation's recency stamp.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string, nowUnix int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO messages(conversation_id, role, content, created_at) VALUES(?, ?, ?, ?)",
		conversationID, role, content, nowUnix,
	); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET updated_at = ? WHERE id = ?",
		nowUnix, conversationID,
	); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return tx.Commit()
}

// Messages returns a conversation's messages in insertion order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY id ASC",
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAtUnix); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

// TouchConversation bumps a conversation's recency stamp.
func (s *Store) TouchConversation(ctx context.Context, conversationID string, nowUnix int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET updated_at = ? WHERE id = ?",
		nowUnix, conversationID,
	)
	return err
}
