package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode"
)

// InsertMemory persists a memory entry and returns its id.
func (s *Store) InsertMemory(ctx context.Context, insert MemoryInsert) (int64, error) {
	var id int64
	job := Job{
		Name: "memory_insert",
		Apply: func(ctx context.Context, db *sql.DB) error {
			res, err := db.ExecContext(ctx,
				`INSERT INTO agent_memories
				 (chat_id, user_id, session_id, source_role, category, content, summary, importance)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				insert.ChatID, insert.UserID, insert.SessionID, insert.SourceRole,
				insert.Category, insert.Content, insert.Summary, insert.Importance)
			if err != nil {
				return err
			}
			id, err = res.LastInsertId()
			return err
		},
	}
	if err := s.queue.SubmitWait(ctx, job); err != nil {
		return 0, err
	}
	return id, nil
}

// RecentMemories returns the chat's newest memories first.
func (s *Store) RecentMemories(ctx context.Context, chatID int64, limit int) ([]MemoryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, user_id, session_id, source_role, category, content, summary, importance, created_at
		 FROM agent_memories
		 WHERE chat_id = ?
		 ORDER BY datetime(created_at) DESC
		 LIMIT ?`,
		chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select recent memories: %w", err)
	}
	defer rows.Close()

	var memories []MemoryRow
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// SearchMemories runs a lexical FTS query scoped to one chat. Results carry
// the raw bm25 rank and the entry age in days; scoring happens upstream.
func (s *Store) SearchMemories(ctx context.Context, chatID int64, queryText string, limit int) ([]MemorySearchRow, error) {
	match := ftsMatchQuery(queryText)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.chat_id, m.user_id, m.session_id, m.source_role, m.category,
		        m.content, m.summary, m.importance, m.created_at,
		        bm25(agent_memories_fts) AS bm25_rank,
		        MAX(0.0, julianday('now') - julianday(m.created_at)) AS recency_days
		 FROM agent_memories_fts
		 JOIN agent_memories m ON m.id = agent_memories_fts.rowid
		 WHERE m.chat_id = ? AND agent_memories_fts MATCH ?
		 ORDER BY bm25_rank ASC
		 LIMIT ?`,
		chatID, match, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search memories: %w", err)
	}
	defer rows.Close()

	var out []MemorySearchRow
	for rows.Next() {
		var sr MemorySearchRow
		m := &sr.Memory
		if err := rows.Scan(&m.ID, &m.ChatID, &m.UserID, &m.SessionID, &m.SourceRole, &m.Category,
			&m.Content, &m.Summary, &m.Importance, &m.CreatedAt,
			&sr.LexicalScore, &sr.RecencyDays); err != nil {
			return nil, fmt.Errorf("failed to scan memory search row: %w", err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// DeleteMemories removes specific memory entries of one chat.
func (s *Store) DeleteMemories(ctx context.Context, chatID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var affected int64
	job := Job{
		Name: "memory_delete",
		Apply: func(ctx context.Context, db *sql.DB) error {
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
			args := make([]any, 0, len(ids)+1)
			args = append(args, chatID)
			for _, id := range ids {
				args = append(args, id)
			}
			res, err := db.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM agent_memories WHERE chat_id = ? AND id IN (%s)", placeholders),
				args...)
			if err != nil {
				return err
			}
			affected, err = res.RowsAffected()
			return err
		},
	}
	if err := s.queue.SubmitWait(ctx, job); err != nil {
		return 0, err
	}
	return affected, nil
}

// PruneMemories deletes memories older than the retention window.
func (s *Store) PruneMemories(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	var affected int64
	job := Job{
		Name: "memory_prune",
		Apply: func(ctx context.Context, db *sql.DB) error {
			res, err := db.ExecContext(ctx,
				`DELETE FROM agent_memories WHERE datetime(created_at) < datetime('now', ?)`,
				fmt.Sprintf("-%d days", retentionDays))
			if err != nil {
				return err
			}
			affected, err = res.RowsAffected()
			return err
		},
	}
	if err := s.queue.SubmitWait(ctx, job); err != nil {
		return 0, err
	}
	return affected, nil
}

// ftsMatchQuery turns free text into a safe FTS5 MATCH expression: the text
// is reduced to alphanumeric tokens, each quoted, joined with OR.
func ftsMatchQuery(text string) string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		quoted = append(quoted, `"`+tok+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func scanMemory(rows *sql.Rows) (MemoryRow, error) {
	var m MemoryRow
	if err := rows.Scan(&m.ID, &m.ChatID, &m.UserID, &m.SessionID, &m.SourceRole,
		&m.Category, &m.Content, &m.Summary, &m.Importance, &m.CreatedAt); err != nil {
		return MemoryRow{}, fmt.Errorf("failed to scan memory: %w", err)
	}
	return m, nil
}
