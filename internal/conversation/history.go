package conversation

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// History archives finalized messages to SQLite so conversations survive
// restarts. Streaming messages are never written; only the finalized form
// is durable.
type History struct {
	db *sql.DB
}

const historySchema = `
CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY,
	conversation_id INTEGER NOT NULL,
	author_id       TEXT NOT NULL,
	text            TEXT NOT NULL,
	confidence      REAL NOT NULL DEFAULT 0,
	audio_path      TEXT,
	audio_rate      INTEGER,
	audio_ms        INTEGER,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages (conversation_id, created_at);
`

// OpenHistory opens (creating if necessary) the history database.
func OpenHistory(path string) (*History, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	return &History{db: db}, nil
}

// Close closes the database connection.
func (h *History) Close() error {
	return h.db.Close()
}

// Archive writes one finalized message. Archiving a streaming message is
// rejected; the caller finalizes first.
func (h *History) Archive(msg Message) error {
	if msg.IsStreaming {
		return fmt.Errorf("cannot archive streaming message %d", msg.ID)
	}

	var audioPath sql.NullString
	var audioRate, audioMS sql.NullInt64
	if msg.Audio != nil {
		audioPath = sql.NullString{String: msg.Audio.Path, Valid: true}
		audioRate = sql.NullInt64{Int64: int64(msg.Audio.SampleRate), Valid: true}
		audioMS = sql.NullInt64{Int64: msg.Audio.Duration.Milliseconds(), Valid: true}
	}

	_, err := h.db.Exec(`
		INSERT INTO messages (id, conversation_id, author_id, text, confidence,
			audio_path, audio_rate, audio_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, int64(msg.ID), msg.ConversationID, msg.AuthorID, msg.Text, msg.Confidence,
		audioPath, audioRate, audioMS, msg.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("archive message %d: %w", msg.ID, err)
	}

	return nil
}

// Recent returns up to limit archived messages for a conversation, oldest
// first.
func (h *History) Recent(convID int64, limit int) ([]Message, error) {
	rows, err := h.db.Query(`
		SELECT id, conversation_id, author_id, text, confidence,
			audio_path, audio_rate, audio_ms, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, convID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse into oldest-first order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return out, nil
}

// LoadAll returns every archived message in ID order, for seeding the
// in-memory store on startup. Message IDs are monotonic, so ID order is
// append order within every conversation.
func (h *History) LoadAll() ([]Message, error) {
	rows, err := h.db.Query(`
		SELECT id, conversation_id, author_id, text, confidence,
			audio_path, audio_rate, audio_ms, created_at
		FROM messages
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var msg Message
		var id, createdAt int64
		var audioPath sql.NullString
		var audioRate, audioMS sql.NullInt64

		if err := rows.Scan(&id, &msg.ConversationID, &msg.AuthorID, &msg.Text,
			&msg.Confidence, &audioPath, &audioRate, &audioMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		msg.ID = MessageID(id)
		msg.Timestamp = time.UnixMilli(createdAt)
		if audioPath.Valid {
			msg.Audio = &AudioRef{
				Path:       audioPath.String,
				SampleRate: int(audioRate.Int64),
				Duration:   time.Duration(audioMS.Int64) * time.Millisecond,
			}
		}

		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	return out, nil
}

// Count returns the number of archived messages across all conversations.
func (h *History) Count() (int, error) {
	var n int
	if err := h.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}
