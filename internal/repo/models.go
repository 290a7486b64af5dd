package repo

import (
	"time"

	"notetaker/internal/lifecycle"
)

// User represents the users table row. Only the fields the orchestrator
// needs are modeled here; the CRM profile lives elsewhere.
type User struct {
	ID                     string
	DisplayName            *string
	WAJID                  *string
	WhatsAppSummaryEnabled bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Meeting represents a row in the meetings table.
type Meeting struct {
	ID                    string
	UserID                string
	TeamID                *string
	MeetingURL            string
	Platform              lifecycle.Platform
	ScheduledStart        time.Time
	ScheduledEnd          *time.Time
	CalendarEventID       *string
	Status                lifecycle.Status
	BotID                 *string
	BotExcluded           bool
	ParticipantCount      int
	WhatsAppSummarySentAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// NewMeeting carries data used to create or re-create a meeting from a
// calendar event.
type NewMeeting struct {
	UserID          string
	TeamID          *string
	MeetingURL      string
	Platform        lifecycle.Platform
	ScheduledStart  time.Time
	ScheduledEnd    *time.Time
	CalendarEventID *string
}

// Transcript is the raw text recorded for a meeting, immutable once written.
type Transcript struct {
	ID        string
	MeetingID string
	Content   string
	CreatedAt time.Time
}

// Insight is a typed artifact derived from a transcript.
type Insight struct {
	ID        string
	MeetingID string
	Type      string
	Content   string
	CreatedAt time.Time
}

// Insight types persisted by the generator.
const (
	InsightSummary     = "summary"
	InsightActionItems = "action_items"
	InsightKeyTopics   = "key_topics"
)

// BotSettings is the per-user bot configuration.
type BotSettings struct {
	UserID        string
	BotName       string
	AvatarURL     *string
	EntryMessage  *string
	RecordingMode string
	AutoJoin      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// APIKey represents a record in the api_keys pool.
type APIKey struct {
	ID            string
	Provider      string
	Value         string
	Priority      int
	CooldownUntil *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Workflow statuses for delayed notifications.
const (
	WorkflowPending   = "pending"
	WorkflowCompleted = "completed"
	WorkflowSkipped   = "skipped"
	WorkflowFailed    = "failed"
)

// NotificationWorkflow is one durable delayed-notification instance.
type NotificationWorkflow struct {
	ID         string
	MeetingID  string
	UserID     string
	RunAt      time.Time
	Status     string
	Attempts   int
	SkipReason *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WorkflowStep is a completed entry in the persisted step log.
type WorkflowStep struct {
	WorkflowID  string
	StepName    string
	Result      []byte
	CompletedAt time.Time
}
