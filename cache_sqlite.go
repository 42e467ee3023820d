package omnibox

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    channel_id TEXT,
    channel_type TEXT,
    contact_id TEXT,
    contact_name TEXT,
    last_message_at TIMESTAMP,
    unread_count INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'open'
);

CREATE TABLE IF NOT EXISTS messages (
    identity TEXT PRIMARY KEY,
    server_id TEXT,
    temp_id TEXT,
    conversation_id TEXT NOT NULL,
    direction TEXT NOT NULL,
    content TEXT NOT NULL,
    media_url TEXT,
    media_type TEXT,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
    ON messages(conversation_id, created_at);`

// SQLiteCache is a file-backed Cache for warm-starting the inbox across
// process restarts.
type SQLiteCache struct {
	db *sql.DB
}

// NewSQLiteCache opens (and migrates) a cache database at path. Use
// ":memory:" for an ephemeral database.
func NewSQLiteCache(path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One connection: sqlite serializes writers anyway, and a pooled second
	// connection to ":memory:" would see a different database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteCache{db: db}, nil
}

func (c *SQLiteCache) PutConversations(conversations []Conversation) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
        INSERT INTO conversations (id, channel_id, channel_type, contact_id, contact_name, last_message_at, unread_count, status)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            channel_id = excluded.channel_id,
            channel_type = excluded.channel_type,
            contact_id = excluded.contact_id,
            contact_name = excluded.contact_name,
            last_message_at = excluded.last_message_at,
            unread_count = excluded.unread_count,
            status = excluded.status`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, conv := range conversations {
		if _, err := stmt.Exec(conv.ID, conv.ChannelID, string(conv.ChannelType),
			conv.ContactID, conv.ContactName, conv.LastMessageAt.UTC(),
			conv.UnreadCount, string(conv.Status)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *SQLiteCache) Conversations() ([]Conversation, error) {
	rows, err := c.db.Query(`
        SELECT id, channel_id, channel_type, contact_id, contact_name, last_message_at, unread_count, status
        FROM conversations
        ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var conv Conversation
		var channelType, status string
		var lastMessageAt time.Time
		if err := rows.Scan(&conv.ID, &conv.ChannelID, &channelType, &conv.ContactID,
			&conv.ContactName, &lastMessageAt, &conv.UnreadCount, &status); err != nil {
			return nil, err
		}
		conv.ChannelType = ChannelType(channelType)
		conv.Status = ConversationStatus(status)
		conv.LastMessageAt = lastMessageAt
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (c *SQLiteCache) PutMessages(conversationID string, messages []Message) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
        INSERT INTO messages (identity, server_id, temp_id, conversation_id, direction, content, media_url, media_type, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(identity) DO UPDATE SET
            status = excluded.status,
            content = excluded.content`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range messages {
		if _, err := stmt.Exec(m.Identity(), m.ID, m.TempID, conversationID,
			string(m.Direction), m.Content, m.MediaURL, m.MediaType,
			string(m.Status), m.CreatedAt.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *SQLiteCache) Messages(conversationID string, limit int) ([]Message, error) {
	query := `
        SELECT server_id, temp_id, conversation_id, direction, content, media_url, media_type, status, created_at
        FROM messages
        WHERE conversation_id = ?
        ORDER BY created_at DESC`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var direction, status string
		var createdAt time.Time
		if err := rows.Scan(&m.ID, &m.TempID, &m.ConversationID, &direction,
			&m.Content, &m.MediaURL, &m.MediaType, &status, &createdAt); err != nil {
			return nil, err
		}
		m.Direction = Direction(direction)
		m.Status = MessageStatus(status)
		m.CreatedAt = createdAt
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Flip to createdAt ascending for the timeline merge.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (c *SQLiteCache) Close() error { return c.db.Close() }
