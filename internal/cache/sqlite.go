// Package cache implements the durable local chat cache as a SQLite store.
// Persistence is keyed per conversation and message rather than a single
// serialized blob, and all writes go through one connection so overlapping
// appends for the same conversation cannot interleave.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"agrichat/internal/domain"
)

// SQLiteStore implements domain.ChatStore using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	uploader domain.ImageUploader // optional; nil disables the append-time push
	logger   *slog.Logger
}

func NewSQLiteStore(dbPath string, uploader domain.ImageUploader, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: serializes every read-modify-write.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, uploader: uploader, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id                TEXT PRIMARY KEY,
		participant_name  TEXT,
		last_message_text TEXT,
		updated_at        DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT NOT NULL,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		text            TEXT,
		sender_id       TEXT,
		sender_name     TEXT,
		image_uri       TEXT,
		created_at      DATETIME,
		PRIMARY KEY (conversation_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// LoadAll returns every cached conversation indexed by id. An empty cache
// yields an empty map, never an error.
func (s *SQLiteStore) LoadAll(ctx context.Context) (map[string]*domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, participant_name, last_message_text FROM conversations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	index := make(map[string]*domain.Conversation)
	for rows.Next() {
		var conv domain.Conversation
		if err := rows.Scan(&conv.ID, &conv.ParticipantName, &conv.LastMessageText); err != nil {
			return nil, err
		}
		index[conv.ID] = &conv
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for id, conv := range index {
		msgs, err := s.loadMessages(ctx, id)
		if err != nil {
			return nil, err
		}
		conv.Messages = msgs
	}
	return index, nil
}

// LoadConversation returns one conversation with its messages in
// chronological order, or (nil, nil) when nothing is cached for id.
func (s *SQLiteStore) LoadConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, participant_name, last_message_text FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.ParticipantName, &conv.LastMessageText)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	conv.Messages, err = s.loadMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *SQLiteStore) loadMessages(ctx context.Context, convID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, sender_id, sender_name, image_uri, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at ASC, id ASC`, convID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var image sql.NullString
		if err := rows.Scan(&m.ID, &m.Text, &m.SenderID, &m.SenderName, &image, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Image = image.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AppendMessage upserts the conversation, appends the message, and refreshes
// last_message_text in one transaction, then hands any attached local image
// to the uploader. The message stays persisted even if the upload fails.
func (s *SQLiteStore) AppendMessage(ctx context.Context, convID, participantName string, msg domain.Message, role domain.Role) (domain.Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return msg, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, participant_name, last_message_text, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   participant_name = CASE WHEN excluded.participant_name != '' THEN excluded.participant_name ELSE participant_name END,
		   last_message_text = excluded.last_message_text,
		   updated_at = excluded.updated_at`,
		convID, participantName, msg.Text, msg.CreatedAt,
	)
	if err != nil {
		return msg, fmt.Errorf("upsert conversation: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, conversation_id, text, sender_id, sender_name, image_uri, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, convID, msg.Text, msg.SenderID, msg.SenderName, msg.Image, msg.CreatedAt,
	)
	if err != nil {
		return msg, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return msg, err
	}

	if s.uploader != nil && domain.IsLocalURI(msg.Image) {
		if err := s.uploader.UploadIfPresent(ctx, msg, convID, role); err != nil {
			return msg, fmt.Errorf("image upload: %w", err)
		}
	}

	return msg, nil
}

// UpdateMessageImageURI rewrites a message's image reference to the local
// cached file. Called once, when an async download resolves.
func (s *SQLiteStore) UpdateMessageImageURI(ctx context.Context, convID, msgID, localURI string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET image_uri = ? WHERE conversation_id = ? AND id = ?`,
		localURI, convID, msgID,
	)
	return err
}

// ReplaceConversation overwrites one conversation and its message list.
// Used when seeding the cache from backend history.
func (s *SQLiteStore) ReplaceConversation(ctx context.Context, conv domain.Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lastText := conv.LastMessageText
	if lastText == "" && len(conv.Messages) > 0 {
		lastText = conv.Messages[len(conv.Messages)-1].Text
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, participant_name, last_message_text, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   participant_name = excluded.participant_name,
		   last_message_text = excluded.last_message_text,
		   updated_at = excluded.updated_at`,
		conv.ID, conv.ParticipantName, lastText, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conv.ID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	for _, msg := range conv.Messages {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO messages (id, conversation_id, text, sender_id, sender_name, image_uri, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, conv.ID, msg.Text, msg.SenderID, msg.SenderName, msg.Image, msg.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert message %s: %w", msg.ID, err)
		}
	}

	return tx.Commit()
}

// Clear wipes the entire cache. Caller action on logout.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations`); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
