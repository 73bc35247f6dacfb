package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	chatsync "github.com/rppbarbosa/whatsapp-crm-sub002"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	body            TEXT NOT NULL DEFAULT '',
	ts              BIGINT NOT NULL,
	direction       TEXT NOT NULL,
	sender_id       TEXT NOT NULL DEFAULT '',
	type            TEXT NOT NULL DEFAULT 'text',
	attachment      JSONB,
	status          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS messages_conversation_ts ON messages (conversation_id, ts DESC, id DESC);
CREATE TABLE IF NOT EXISTS conversations (
	id           TEXT PRIMARY KEY,
	last_message JSONB,
	last_ts      BIGINT NOT NULL DEFAULT 0,
	unread_count INTEGER NOT NULL DEFAULT 0
);
`

const messageColumns = `id, conversation_id, body, ts, direction, sender_id, type, attachment, status`

// Postgres stores messages in a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and creates the tables if needed.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func scanMessage(row pgx.Row) (chatsync.Message, error) {
	var (
		m          chatsync.Message
		attachment []byte
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.Body, &m.Timestamp, &m.Direction, &m.SenderID, &m.Type, &attachment, &m.Status)
	if err != nil {
		return m, err
	}
	if len(attachment) > 0 {
		m.Attachment = &chatsync.AttachmentMeta{}
		if err := json.Unmarshal(attachment, m.Attachment); err != nil {
			return m, fmt.Errorf("attachment of %s: %w", m.ID, err)
		}
	}
	return m, nil
}

func (g *Postgres) AppendMessage(ctx context.Context, msg chatsync.Message) (chatsync.Message, error) {
	msg, err := prepare(msg)
	if err != nil {
		return msg, err
	}
	var attachment []byte
	if msg.Attachment != nil {
		if attachment, err = json.Marshal(msg.Attachment); err != nil {
			return msg, err
		}
	}
	last, err := json.Marshal(msg)
	if err != nil {
		return msg, err
	}

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return msg, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, msg.ConversationID, msg.Body, msg.Timestamp, msg.Direction, msg.SenderID, msg.Type, attachment, msg.Status)
	if err != nil {
		return msg, err
	}
	if tag.RowsAffected() == 0 {
		existing, err := scanMessage(tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, msg.ID))
		if err != nil {
			return msg, err
		}
		return existing, nil
	}

	unread := 0
	if msg.Direction == chatsync.Inbound {
		unread = 1
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (id, last_message, last_ts, unread_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			unread_count = conversations.unread_count + EXCLUDED.unread_count,
			last_message = CASE WHEN EXCLUDED.last_ts >= conversations.last_ts
				THEN EXCLUDED.last_message ELSE conversations.last_message END,
			last_ts = GREATEST(conversations.last_ts, EXCLUDED.last_ts)
	`, msg.ConversationID, last, msg.Timestamp, unread)
	if err != nil {
		return msg, fmt.Errorf("update conversation: %w", err)
	}
	return msg, tx.Commit(ctx)
}

func (g *Postgres) ListMessages(ctx context.Context, conversationID, cursor string, limit int) (*chatsync.Page, error) {
	limit = clampLimit(limit)

	var (
		rows pgx.Rows
		err  error
	)
	if cursor == "" {
		rows, err = g.pool.Query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1
			ORDER BY ts DESC, id DESC LIMIT $2
		`, conversationID, limit+1)
	} else {
		var ts int64
		err = g.pool.QueryRow(ctx, `SELECT ts FROM messages WHERE id = $1 AND conversation_id = $2`, cursor, conversationID).Scan(&ts)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("cursor %s: %w", cursor, chatsync.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		rows, err = g.pool.Query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1 AND (ts, id) < ($2, $3)
			ORDER BY ts DESC, id DESC LIMIT $4
		`, conversationID, ts, cursor, limit+1)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var newest []chatsync.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		newest = append(newest, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var total int
	if err := g.pool.QueryRow(ctx, `SELECT count(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&total); err != nil {
		return nil, err
	}
	return newestFirstPage(newest, limit, total, func(m chatsync.Message) chatsync.Message { return m }), nil
}

func (g *Postgres) ListConversations(ctx context.Context, limit int) ([]chatsync.ConversationSummary, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT id, last_message, unread_count FROM conversations
		ORDER BY last_ts DESC, id ASC LIMIT $1
	`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chatsync.ConversationSummary
	for rows.Next() {
		var (
			s    chatsync.ConversationSummary
			last []byte
		)
		if err := rows.Scan(&s.ConversationID, &last, &s.UnreadCount); err != nil {
			return nil, err
		}
		if len(last) > 0 {
			s.LastMessage = &chatsync.Message{}
			if err := json.Unmarshal(last, s.LastMessage); err != nil {
				return nil, fmt.Errorf("last message of %s: %w", s.ConversationID, err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (g *Postgres) MarkRead(ctx context.Context, conversationID string) error {
	_, err := g.pool.Exec(ctx, `UPDATE conversations SET unread_count = 0 WHERE id = $1`, conversationID)
	return err
}

func (g *Postgres) UpdateStatus(ctx context.Context, conversationID, messageID string, status chatsync.DeliveryStatus) (chatsync.Message, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return chatsync.Message{}, err
	}
	defer tx.Rollback(ctx)

	m, err := scanMessage(tx.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE id = $1 AND conversation_id = $2 FOR UPDATE
	`, messageID, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return m, fmt.Errorf("message %s: %w", messageID, chatsync.ErrNotFound)
	}
	if err != nil {
		return m, err
	}
	if !status.Advances(m.Status) {
		return m, nil
	}
	if _, err := tx.Exec(ctx, `UPDATE messages SET status = $2 WHERE id = $1`, messageID, status); err != nil {
		return m, err
	}
	m.Status = status
	return m, tx.Commit(ctx)
}

func (g *Postgres) Ping(ctx context.Context) error {
	return g.pool.Ping(ctx)
}

func (g *Postgres) Close() error {
	g.pool.Close()
	return nil
}
