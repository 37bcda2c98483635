package store

// Session statuses. running and awaiting_confirmation are the non-terminal
// states; everything else is terminal and eligible for hygiene.
const (
	SessionRunning      = "running"
	SessionAwaiting     = "awaiting_confirmation"
	SessionCompleted    = "completed"
	SessionFailed       = "failed"
	SessionCancelled    = "cancelled"
	SessionSuperseded   = "superseded"
	SessionIterationCap = "iteration_capped"
)

// Tool call statuses.
const (
	ToolCallPending   = "pending"
	ToolCallAwaiting  = "awaiting_confirmation"
	ToolCallCompleted = "completed"
	ToolCallDenied    = "denied"
	ToolCallFailed    = "failed"
)

// MessageInsert is one archived chat message. Upserted on (chat_id,
// message_id) so edits overwrite the original row.
type MessageInsert struct {
	MessageID        int64
	ChatID           int64
	UserID           *int64
	Username         *string
	Text             *string
	Language         *string
	Date             string
	ReplyToMessageID *int64
}

// MessageRow is an archived chat message.
type MessageRow struct {
	ID               int64
	MessageID        int64
	ChatID           int64
	UserID           *int64
	Username         *string
	Text             *string
	Language         *string
	Date             string
	ReplyToMessageID *int64
}

// SessionRow is a persisted agent session.
type SessionRow struct {
	ID                 int64
	ChatID             int64
	UserID             int64
	ModelName          string
	Prompt             string
	SelectedSkillsJSON *string
	Status             string
	FinalResponse      *string
	CreatedAt          string
	UpdatedAt          string
}

// StepRow is one transcript step of a session.
type StepRow struct {
	ID        int64
	SessionID int64
	Role      string
	Content   *string
	RawJSON   string
	CreatedAt string
}

// ToolCallRow is a persisted tool call.
type ToolCallRow struct {
	ID                   int64
	SessionID            int64
	StepID               int64
	ToolCallID           string
	ToolName             string
	ArgsJSON             string
	Status               string
	ResultJSON           *string
	RequiresConfirmation bool
	ConfirmedBy          *int64
	CreatedAt            string
	CompletedAt          *string
}

// MemoryInsert is a new memory entry.
type MemoryInsert struct {
	ChatID     int64
	UserID     *int64
	SessionID  *int64
	SourceRole string
	Category   string
	Content    string
	Summary    *string
	Importance float64
}

// MemoryRow is a persisted memory entry.
type MemoryRow struct {
	ID         int64
	ChatID     int64
	UserID     *int64
	SessionID  *int64
	SourceRole string
	Category   string
	Content    string
	Summary    *string
	Importance float64
	CreatedAt  string
}

// MemorySearchRow is a memory row with its lexical rank and age, as returned
// by the FTS search.
type MemorySearchRow struct {
	Memory       MemoryRow
	LexicalScore float64 // bm25 rank, lower is better
	RecencyDays  float64
}

// SessionPruneCounts reports what one session hygiene pass removed.
type SessionPruneCounts struct {
	Sessions  int64
	Steps     int64
	ToolCalls int64
	Skills    int64
}
