// ABOUTME: SQLite implementation of Persister using modernc.org/sqlite
// ABOUTME: Stores conversations, status history and messages with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/support-gateway/internal/conversation"
)

// SQLiteStore implements Persister using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                TEXT PRIMARY KEY,
			customer_phone    TEXT NOT NULL,
			customer_name     TEXT NOT NULL,
			status            TEXT NOT NULL,
			assigned_agent_id TEXT,
			priority          INTEGER NOT NULL,
			bot_attempts      INTEGER NOT NULL DEFAULT 0,
			last_sequence     INTEGER NOT NULL DEFAULT 0,
			tags_json         TEXT,
			metadata_json     TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,
			assigned_at       TEXT,
			closed_at         TEXT,

			CHECK (status IN ('AUTOMATION', 'WAITING', 'IN_SERVICE', 'CLOSED'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);
		CREATE INDEX IF NOT EXISTS idx_conversations_customer ON conversations(customer_phone);

		CREATE TABLE IF NOT EXISTS status_history (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			from_status     TEXT NOT NULL,
			to_status       TEXT NOT NULL,
			actor           TEXT NOT NULL,
			reason          TEXT,
			at              TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_status_history_conversation
			ON status_history(conversation_id, id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sequence        INTEGER NOT NULL,
			sender_kind     TEXT NOT NULL,
			sender_id       TEXT,
			content_json    TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			delivered       INTEGER NOT NULL DEFAULT 0,
			read            INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conversation_sequence
			ON messages(conversation_id, sequence);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the first schema. SQLite has no
// ADD COLUMN IF NOT EXISTS, so each column is checked first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "conversations",
			column: "bot_attempts",
			apply:  `ALTER TABLE conversations ADD COLUMN bot_attempts INTEGER NOT NULL DEFAULT 0`,
		},
		{
			table:  "messages",
			column: "read",
			apply:  `ALTER TABLE messages ADD COLUMN read INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// timeFormat is fixed width so stored timestamps compare correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) { return time.Parse(timeFormat, s) }

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// upsertConversation writes the conversation row. A snapshot older than the
// stored one is ignored, so racing writers cannot roll the row back.
func upsertConversation(ctx context.Context, ex execer, c *conversation.Conversation) error {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	query := `
		INSERT INTO conversations (
			id, customer_phone, customer_name, status, assigned_agent_id, priority,
			bot_attempts, last_sequence, tags_json, metadata_json,
			created_at, updated_at, assigned_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_name     = excluded.customer_name,
			status            = excluded.status,
			assigned_agent_id = excluded.assigned_agent_id,
			priority          = excluded.priority,
			bot_attempts      = excluded.bot_attempts,
			last_sequence     = MAX(conversations.last_sequence, excluded.last_sequence),
			tags_json         = excluded.tags_json,
			metadata_json     = excluded.metadata_json,
			updated_at        = excluded.updated_at,
			assigned_at       = excluded.assigned_at,
			closed_at         = excluded.closed_at
		WHERE excluded.updated_at >= conversations.updated_at
	`
	_, err = ex.ExecContext(ctx, query,
		c.ID,
		c.Customer.Phone,
		c.Customer.Name,
		string(c.Status),
		nullString(c.AssignedAgentID),
		int(c.Priority),
		c.BotAttempts,
		int64(c.LastSequence),
		string(tags),
		string(meta),
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
		formatTimePtr(c.AssignedAt),
		formatTimePtr(c.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}
	return nil
}

// PersistConversation upserts the conversation row.
func (s *SQLiteStore) PersistConversation(ctx context.Context, conv *conversation.Conversation) error {
	if err := upsertConversation(ctx, s.db, conv); err != nil {
		return err
	}
	s.logger.Debug("saved conversation", "conversation_id", conv.ID, "status", conv.Status)
	return nil
}

// PersistTransition writes the conversation and its new history entry atomically.
func (s *SQLiteStore) PersistTransition(ctx context.Context, conv *conversation.Conversation, entry *conversation.StatusEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertConversation(ctx, tx, conv); err != nil {
		return err
	}
	if entry != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO status_history (conversation_id, from_status, to_status, actor, reason, at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, conv.ID, string(entry.From), string(entry.To), entry.Actor, nullString(entry.Reason), formatTime(entry.At))
		if err != nil {
			return fmt.Errorf("inserting status entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transition: %w", err)
	}

	s.logger.Debug("saved transition", "conversation_id", conv.ID, "status", conv.Status)
	return nil
}

// PersistMessage stores a message and advances the conversation's last
// sequence. Writing the same message twice is a no-op.
func (s *SQLiteStore) PersistMessage(ctx context.Context, msg *conversation.Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("encoding content: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_sequence = MAX(last_sequence, ?) WHERE id = ?
	`, int64(msg.Sequence), msg.ConversationID)
	if err != nil {
		return fmt.Errorf("updating last sequence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sequence, sender_kind, sender_id, content_json, created_at, delivered, read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		msg.ID,
		msg.ConversationID,
		int64(msg.Sequence),
		string(msg.Sender.Kind),
		nullString(msg.Sender.ID),
		string(content),
		formatTime(msg.CreatedAt),
		msg.Delivered,
		msg.Read,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "sequence", msg.Sequence)
	return nil
}

// PersistRead marks messages as delivered and read.
func (s *SQLiteStore) PersistRead(ctx context.Context, conversationID string, sequences []uint64) error {
	if len(sequences) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE messages SET delivered = 1, read = 1 WHERE conversation_id = ? AND sequence = ?
	`)
	if err != nil {
		return fmt.Errorf("preparing read update: %w", err)
	}
	defer stmt.Close()

	for _, seq := range sequences {
		if _, err := stmt.ExecContext(ctx, conversationID, int64(seq)); err != nil {
			return fmt.Errorf("marking sequence %d read: %w", seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing read receipts: %w", err)
	}
	return nil
}

// LoadOpenConversations reads every non-closed conversation with its history
// and messages.
func (s *SQLiteStore) LoadOpenConversations(ctx context.Context) ([]conversation.Restored, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_phone, customer_name, status, assigned_agent_id, priority,
			bot_attempts, last_sequence, tags_json, metadata_json,
			created_at, updated_at, assigned_at, closed_at
		FROM conversations
		WHERE status != 'CLOSED'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}

	var convs []*conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	rows.Close()

	out := make([]conversation.Restored, 0, len(convs))
	for _, c := range convs {
		history, err := s.loadHistory(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.StatusHistory = history

		msgs, err := s.loadMessages(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if n := len(msgs); n > 0 {
			last := msgs[n-1]
			c.LastMessage = &conversation.Preview{
				Sequence:   last.Sequence,
				SenderKind: last.Sender.Kind,
				Text:       last.Content.PreviewText(),
				At:         last.CreatedAt,
			}
		}
		out = append(out, conversation.Restored{Conversation: c, Messages: msgs})
	}

	s.logger.Info("loaded open conversations", "count", len(out))
	return out, nil
}

func scanConversation(rows *sql.Rows) (*conversation.Conversation, error) {
	var (
		c                           conversation.Conversation
		status                      string
		agentID, tagsJSON, metaJSON *string
		createdAt, updatedAt        string
		assignedAt, closedAt        *string
		priority, botAttempts       int
		lastSeq                     int64
	)
	if err := rows.Scan(&c.ID, &c.Customer.Phone, &c.Customer.Name, &status, &agentID, &priority,
		&botAttempts, &lastSeq, &tagsJSON, &metaJSON, &createdAt, &updatedAt, &assignedAt, &closedAt); err != nil {
		return nil, fmt.Errorf("scanning conversation row: %w", err)
	}

	c.Status = conversation.Status(status)
	c.Priority = conversation.Priority(priority)
	c.BotAttempts = botAttempts
	c.LastSequence = uint64(lastSeq)
	if agentID != nil {
		c.AssignedAgentID = *agentID
	}
	if tagsJSON != nil {
		if err := json.Unmarshal([]byte(*tagsJSON), &c.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags of %s: %w", c.ID, err)
		}
	}
	if metaJSON != nil {
		if err := json.Unmarshal([]byte(*metaJSON), &c.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of %s: %w", c.ID, err)
		}
	}

	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if assignedAt != nil {
		t, err := parseTime(*assignedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing assigned_at: %w", err)
		}
		c.AssignedAt = &t
	}
	if closedAt != nil {
		t, err := parseTime(*closedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing closed_at: %w", err)
		}
		c.ClosedAt = &t
	}
	return &c, nil
}

func (s *SQLiteStore) loadHistory(ctx context.Context, conversationID string) ([]conversation.StatusEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_status, to_status, actor, reason, at
		FROM status_history
		WHERE conversation_id = ?
		ORDER BY id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying status history: %w", err)
	}
	defer rows.Close()

	history := []conversation.StatusEntry{}
	for rows.Next() {
		var (
			e        conversation.StatusEntry
			from, to string
			reason   *string
			at       string
		)
		if err := rows.Scan(&from, &to, &e.Actor, &reason, &at); err != nil {
			return nil, fmt.Errorf("scanning status entry: %w", err)
		}
		e.From = conversation.Status(from)
		e.To = conversation.Status(to)
		if reason != nil {
			e.Reason = *reason
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("parsing status entry time: %w", err)
		}
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status history: %w", err)
	}
	return history, nil
}

func (s *SQLiteStore) loadMessages(ctx context.Context, conversationID string) ([]*conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sequence, sender_kind, sender_id, content_json, created_at, delivered, read
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sequence ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*conversation.Message
	for rows.Next() {
		var (
			m         conversation.Message
			seq       int64
			kind      string
			senderID  *string
			content   string
			createdAt string
		)
		if err := rows.Scan(&m.ID, &seq, &kind, &senderID, &content, &createdAt, &m.Delivered, &m.Read); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		m.ConversationID = conversationID
		m.Sequence = uint64(seq)
		m.Sender.Kind = conversation.SenderKind(kind)
		if senderID != nil {
			m.Sender.ID = *senderID
		}
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, fmt.Errorf("decoding message %s content: %w", m.ID, err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}
