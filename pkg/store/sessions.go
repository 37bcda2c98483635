package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// CreateSession persists a new running session via the write queue and
// returns its id once the writer has applied the insert.
func (s *Store) CreateSession(ctx context.Context, chatID, userID int64, modelName, prompt, selectedSkillsJSON string) (int64, error) {
	var id int64
	job := Job{
		Name: "session_create",
		Apply: func(ctx context.Context, db *sql.DB) error {
			res, err := db.ExecContext(ctx,
				`INSERT INTO agent_sessions (chat_id, user_id, model_name, prompt, selected_skills_json, status)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				chatID, userID, modelName, prompt, selectedSkillsJSON, SessionRunning)
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

// FinishSession moves a session to a terminal (or awaiting) status. A nil
// finalResponse keeps whatever was recorded before.
func (s *Store) FinishSession(ctx context.Context, sessionID int64, status string, finalResponse *string) error {
	return s.queue.SubmitWait(ctx, Job{
		Name: "session_finish",
		Apply: func(ctx context.Context, db *sql.DB) error {
			_, err := db.ExecContext(ctx,
				`UPDATE agent_sessions
				 SET status = ?, final_response = COALESCE(?, final_response), updated_at = CURRENT_TIMESTAMP
				 WHERE id = ?`,
				status, finalResponse, sessionID)
			return err
		},
	})
}

// FinishSessionIfLive marks the session terminal only when it is still
// running or awaiting confirmation, and reports whether the row changed. A
// status another path already settled is never overwritten.
func (s *Store) FinishSessionIfLive(ctx context.Context, sessionID int64, status string) (int64, error) {
	var affected int64
	job := Job{
		Name: "session_finish_if_live",
		Apply: func(ctx context.Context, db *sql.DB) error {
			res, err := db.ExecContext(ctx,
				`UPDATE agent_sessions
				 SET status = ?, updated_at = CURRENT_TIMESTAMP
				 WHERE id = ? AND status IN (?, ?)`,
				status, sessionID, SessionRunning, SessionAwaiting)
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

// InsertStep appends one transcript step and returns its id.
func (s *Store) InsertStep(ctx context.Context, sessionID int64, role string, content *string, rawJSON string) (int64, error) {
	var id int64
	job := Job{
		Name: "step_insert",
		Apply: func(ctx context.Context, db *sql.DB) error {
			res, err := db.ExecContext(ctx,
				`INSERT INTO agent_steps (session_id, role, content, raw_json) VALUES (?, ?, ?, ?)`,
				sessionID, role, content, rawJSON)
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

// InsertToolCall records a tool call attached to a step and returns its row id.
func (s *Store) InsertToolCall(ctx context.Context, sessionID, stepID int64, toolCallID, toolName, argsJSON, status string, requiresConfirmation bool) (int64, error) {
	var id int64
	confirm := 0
	if requiresConfirmation {
		confirm = 1
	}
	job := Job{
		Name: "tool_call_insert",
		Apply: func(ctx context.Context, db *sql.DB) error {
			res, err := db.ExecContext(ctx,
				`INSERT INTO agent_tool_calls
				 (session_id, step_id, tool_call_id, tool_name, args_json, status, requires_confirmation)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				sessionID, stepID, toolCallID, toolName, argsJSON, status, confirm)
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

// UpdateToolCall moves a tool call to a new status with an optional result
// payload and confirming user.
func (s *Store) UpdateToolCall(ctx context.Context, toolCallRowID int64, status string, resultJSON *string, confirmedBy *int64) error {
	return s.queue.SubmitWait(ctx, Job{
		Name: "tool_call_update",
		Apply: func(ctx context.Context, db *sql.DB) error {
			_, err := db.ExecContext(ctx,
				`UPDATE agent_tool_calls
				 SET status = ?, result_json = COALESCE(?, result_json),
				     confirmed_by = COALESCE(?, confirmed_by), completed_at = CURRENT_TIMESTAMP
				 WHERE id = ?`,
				status, resultJSON, confirmedBy, toolCallRowID)
			return err
		},
	})
}

// RecordSessionSkills persists which skills a run selected and why.
func (s *Store) RecordSessionSkills(ctx context.Context, sessionID int64, selectedSkillsJSON, selectionReason string) error {
	return s.queue.SubmitWait(ctx, Job{
		Name: "session_skills_record",
		Apply: func(ctx context.Context, db *sql.DB) error {
			_, err := db.ExecContext(ctx,
				`INSERT INTO agent_session_skills (session_id, selected_skills_json, selection_reason)
				 VALUES (?, ?, ?)`,
				sessionID, selectedSkillsJSON, selectionReason)
			return err
		},
	})
}

// SupersedeActiveSessions marks every non-terminal session in the lane as
// superseded and reports how many rows changed.
func (s *Store) SupersedeActiveSessions(ctx context.Context, chatID, userID int64) (int64, error) {
	var affected int64
	job := Job{
		Name: "session_supersede",
		Apply: func(ctx context.Context, db *sql.DB) error {
			res, err := db.ExecContext(ctx,
				`UPDATE agent_sessions
				 SET status = ?, updated_at = CURRENT_TIMESTAMP
				 WHERE chat_id = ? AND user_id = ? AND status IN (?, ?)`,
				SessionSuperseded, chatID, userID, SessionRunning, SessionAwaiting)
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

// ListRecentSessions returns the lane's sessions, most recently updated first.
func (s *Store) ListRecentSessions(ctx context.Context, chatID, userID int64, limit int) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, user_id, model_name, prompt, selected_skills_json,
		        status, final_response, created_at, updated_at
		 FROM agent_sessions
		 WHERE chat_id = ? AND user_id = ?
		 ORDER BY datetime(updated_at) DESC
		 LIMIT ?`,
		chatID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// GetSessionForUser returns one session, scoped to its lane so a session id
// from another chat never resolves.
func (s *Store) GetSessionForUser(ctx context.Context, sessionID, chatID, userID int64) (*SessionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, user_id, model_name, prompt, selected_skills_json,
		        status, final_response, created_at, updated_at
		 FROM agent_sessions
		 WHERE id = ? AND chat_id = ? AND user_id = ?
		 LIMIT 1`,
		sessionID, chatID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	defer rows.Close()
	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

// ListSteps returns the last N transcript steps in chronological order.
func (s *Store) ListSteps(ctx context.Context, sessionID int64, limit int) ([]StepRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, raw_json, created_at
		 FROM agent_steps
		 WHERE session_id = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []StepRow
	for rows.Next() {
		var st StepRow
		if err := rows.Scan(&st.ID, &st.SessionID, &st.Role, &st.Content, &st.RawJSON, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// reverse to chronological
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return steps, nil
}

// ListToolCalls returns a session's tool calls in insertion order.
func (s *Store) ListToolCalls(ctx context.Context, sessionID int64) ([]ToolCallRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, step_id, tool_call_id, tool_name, args_json,
		        status, result_json, requires_confirmation, confirmed_by, created_at, completed_at
		 FROM agent_tool_calls
		 WHERE session_id = ?
		 ORDER BY id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	defer rows.Close()

	var calls []ToolCallRow
	for rows.Next() {
		var tc ToolCallRow
		var confirm int
		if err := rows.Scan(&tc.ID, &tc.SessionID, &tc.StepID, &tc.ToolCallID, &tc.ToolName,
			&tc.ArgsJSON, &tc.Status, &tc.ResultJSON, &confirm, &tc.ConfirmedBy,
			&tc.CreatedAt, &tc.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		tc.RequiresConfirmation = confirm != 0
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

// PruneSessions deletes terminal sessions older than the retention window
// together with their steps, tool calls and skill records.
func (s *Store) PruneSessions(ctx context.Context, retentionDays int) (SessionPruneCounts, error) {
	var counts SessionPruneCounts
	if retentionDays <= 0 {
		return counts, nil
	}

	job := Job{
		Name: "session_prune",
		Apply: func(ctx context.Context, db *sql.DB) error {
			retention := fmt.Sprintf("-%d days", retentionDays)
			rows, err := db.QueryContext(ctx,
				`SELECT id FROM agent_sessions
				 WHERE status NOT IN (?, ?) AND datetime(updated_at) < datetime('now', ?)`,
				SessionRunning, SessionAwaiting, retention)
			if err != nil {
				return err
			}
			var ids []any
			for rows.Next() {
				var id int64
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return err
				}
				ids = append(ids, id)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}

			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
			del := func(query string) (int64, error) {
				res, err := db.ExecContext(ctx, query, ids...)
				if err != nil {
					return 0, err
				}
				return res.RowsAffected()
			}

			if counts.Steps, err = del(fmt.Sprintf("DELETE FROM agent_steps WHERE session_id IN (%s)", placeholders)); err != nil {
				return err
			}
			if counts.ToolCalls, err = del(fmt.Sprintf("DELETE FROM agent_tool_calls WHERE session_id IN (%s)", placeholders)); err != nil {
				return err
			}
			if counts.Skills, err = del(fmt.Sprintf("DELETE FROM agent_session_skills WHERE session_id IN (%s)", placeholders)); err != nil {
				return err
			}
			if counts.Sessions, err = del(fmt.Sprintf("DELETE FROM agent_sessions WHERE id IN (%s)", placeholders)); err != nil {
				return err
			}
			return nil
		},
	}
	if err := s.queue.SubmitWait(ctx, job); err != nil {
		return SessionPruneCounts{}, err
	}
	return counts, nil
}

func scanSessions(rows *sql.Rows) ([]SessionRow, error) {
	var sessions []SessionRow
	for rows.Next() {
		var sr SessionRow
		if err := rows.Scan(&sr.ID, &sr.ChatID, &sr.UserID, &sr.ModelName, &sr.Prompt,
			&sr.SelectedSkillsJSON, &sr.Status, &sr.FinalResponse, &sr.CreatedAt, &sr.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sr)
	}
	return sessions, rows.Err()
}
