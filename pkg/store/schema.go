package store

// schemaStatements are applied in order at startup; every statement is
// idempotent so reopening an existing database is safe.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id INTEGER NOT NULL,
		chat_id INTEGER NOT NULL,
		user_id INTEGER,
		username TEXT,
		text TEXT,
		language TEXT,
		date TEXT NOT NULL,
		reply_to_message_id INTEGER,
		UNIQUE(chat_id, message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date)`,

	`CREATE TABLE IF NOT EXISTS agent_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		model_name TEXT NOT NULL,
		prompt TEXT NOT NULL,
		selected_skills_json TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		final_response TEXT,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_sessions_chat_user ON agent_sessions(chat_id, user_id)`,

	`CREATE TABLE IF NOT EXISTS agent_steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT,
		raw_json TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(session_id) REFERENCES agent_sessions(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_steps_session_id ON agent_steps(session_id)`,

	`CREATE TABLE IF NOT EXISTS agent_tool_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		step_id INTEGER NOT NULL,
		tool_call_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		args_json TEXT NOT NULL,
		status TEXT NOT NULL,
		requires_confirmation INTEGER NOT NULL DEFAULT 0,
		confirmed_by INTEGER,
		result_json TEXT,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at TEXT,
		FOREIGN KEY(session_id) REFERENCES agent_sessions(id),
		FOREIGN KEY(step_id) REFERENCES agent_steps(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_tool_calls_session_id ON agent_tool_calls(session_id)`,

	`CREATE TABLE IF NOT EXISTS agent_session_skills (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		selected_skills_json TEXT NOT NULL,
		selection_reason TEXT,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(session_id) REFERENCES agent_sessions(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_session_skills_session_id ON agent_session_skills(session_id)`,

	`CREATE TABLE IF NOT EXISTS agent_memories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER NOT NULL,
		user_id INTEGER,
		session_id INTEGER,
		source_role TEXT NOT NULL,
		category TEXT NOT NULL,
		content TEXT NOT NULL,
		summary TEXT,
		importance REAL NOT NULL DEFAULT 0.5,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_memories_chat_created ON agent_memories(chat_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_memories_chat_category ON agent_memories(chat_id, category)`,

	`CREATE VIRTUAL TABLE IF NOT EXISTS agent_memories_fts USING fts5(content, summary)`,
	`CREATE TRIGGER IF NOT EXISTS agent_memories_ai AFTER INSERT ON agent_memories BEGIN
		INSERT INTO agent_memories_fts(rowid, content, summary)
		VALUES (new.id, new.content, COALESCE(new.summary, ''));
	END`,
	`CREATE TRIGGER IF NOT EXISTS agent_memories_au AFTER UPDATE ON agent_memories BEGIN
		DELETE FROM agent_memories_fts WHERE rowid = old.id;
		INSERT INTO agent_memories_fts(rowid, content, summary)
		VALUES (new.id, new.content, COALESCE(new.summary, ''));
	END`,
	`CREATE TRIGGER IF NOT EXISTS agent_memories_ad AFTER DELETE ON agent_memories BEGIN
		DELETE FROM agent_memories_fts WHERE rowid = old.id;
	END`,
	// backfill in case the fts table was created after rows existed
	`INSERT INTO agent_memories_fts(rowid, content, summary)
		SELECT id, content, COALESCE(summary, '')
		FROM agent_memories
		WHERE id NOT IN (SELECT rowid FROM agent_memories_fts)`,
}

func (s *Store) initSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
