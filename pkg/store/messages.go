package store

import (
	"context"
	"database/sql"
	"fmt"
)

// QueueMessageInsert archives a chat message without waiting for the writer.
// Edits to an already archived message overwrite the original row.
func (s *Store) QueueMessageInsert(ctx context.Context, msg MessageInsert) error {
	_, err := s.queue.Submit(ctx, Job{
		Name: "message_insert",
		Apply: func(ctx context.Context, db *sql.DB) error {
			_, err := db.ExecContext(ctx,
				`INSERT INTO messages (message_id, chat_id, user_id, username, text, language, date, reply_to_message_id)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(chat_id, message_id) DO UPDATE SET
				 user_id = excluded.user_id,
				 username = excluded.username,
				 text = excluded.text,
				 language = excluded.language,
				 date = excluded.date,
				 reply_to_message_id = excluded.reply_to_message_id`,
				msg.MessageID, msg.ChatID, msg.UserID, msg.Username, msg.Text,
				msg.Language, msg.Date, msg.ReplyToMessageID)
			return err
		},
	})
	return err
}

// RecentMessages returns the chat's last N text messages in chronological
// order, optionally skipping command messages.
func (s *Store) RecentMessages(ctx context.Context, chatID int64, limit int, excludeCommands bool) ([]MessageRow, error) {
	query := `SELECT id, message_id, chat_id, user_id, username, text, language, date, reply_to_message_id
	          FROM messages WHERE chat_id = ? AND text IS NOT NULL`
	if excludeCommands {
		query += ` AND text NOT LIKE '/%'`
	}
	query += ` ORDER BY date DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select messages: %w", err)
	}
	defer rows.Close()
	return scanMessagesReversed(rows)
}

// RecentMessagesByUser is RecentMessages narrowed to one author.
func (s *Store) RecentMessagesByUser(ctx context.Context, chatID, userID int64, limit int, excludeCommands bool) ([]MessageRow, error) {
	query := `SELECT id, message_id, chat_id, user_id, username, text, language, date, reply_to_message_id
	          FROM messages WHERE chat_id = ? AND user_id = ? AND text IS NOT NULL`
	if excludeCommands {
		query += ` AND text NOT LIKE '/%'`
	}
	query += ` ORDER BY date DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, chatID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select messages by user: %w", err)
	}
	defer rows.Close()
	return scanMessagesReversed(rows)
}

// MessagesFromID returns messages at or after a message id, oldest first.
func (s *Store) MessagesFromID(ctx context.Context, chatID, fromMessageID int64, excludeCommands bool) ([]MessageRow, error) {
	query := `SELECT id, message_id, chat_id, user_id, username, text, language, date, reply_to_message_id
	          FROM messages WHERE chat_id = ? AND message_id >= ? AND text IS NOT NULL`
	if excludeCommands {
		query += ` AND text NOT LIKE '/%'`
	}
	query += ` ORDER BY date DESC`

	rows, err := s.db.QueryContext(ctx, query, chatID, fromMessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to select messages from id: %w", err)
	}
	defer rows.Close()
	return scanMessagesReversed(rows)
}

func scanMessagesReversed(rows *sql.Rows) ([]MessageRow, error) {
	var messages []MessageRow
	for rows.Next() {
		var m MessageRow
		if err := rows.Scan(&m.ID, &m.MessageID, &m.ChatID, &m.UserID, &m.Username,
			&m.Text, &m.Language, &m.Date, &m.ReplyToMessageID); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
