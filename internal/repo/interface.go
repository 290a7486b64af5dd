package repo

import (
	"context"
	"io/fs"
	"time"

	"notetaker/internal/lifecycle"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Users
	GetUserByID(ctx context.Context, id string) (*User, error)

	// Meetings
	CreateMeeting(ctx context.Context, m NewMeeting) (*Meeting, error)
	GetMeetingByID(ctx context.Context, id string) (*Meeting, error)
	GetMeetingByBotID(ctx context.Context, botID string) (*Meeting, error)
	TransitionStatus(ctx context.Context, meetingID string, from []lifecycle.Status, to lifecycle.Status) (bool, error)
	AssignBot(ctx context.Context, meetingID, botID string) (bool, error)
	SetBotExcluded(ctx context.Context, meetingID string, excluded bool) error
	SetParticipantCount(ctx context.Context, meetingID string, count int) error
	MarkSummarySent(ctx context.Context, meetingID string, at time.Time) (bool, error)
	ListStuckMeetings(ctx context.Context, statuses []lifecycle.Status, startedBefore time.Time, limit int) ([]Meeting, error)

	// Transcripts
	ReplaceTranscript(ctx context.Context, meetingID, content string) (*Transcript, error)
	GetTranscript(ctx context.Context, meetingID string) (*Transcript, error)

	// Insights
	ReplaceInsights(ctx context.Context, meetingID string, insights []Insight) error
	ListInsights(ctx context.Context, meetingID string) ([]Insight, error)

	// Bot settings
	EnsureBotSettings(ctx context.Context, userID string) (*BotSettings, error)

	// API keys
	SyncGeminiKeys(ctx context.Context, keys []string) error
	ListActiveGeminiKeys(ctx context.Context) ([]APIKey, error)
	SetCooldownUntil(ctx context.Context, id string, until time.Time) error
	TouchAPIKey(ctx context.Context, id string) error

	// Notification workflows
	InsertWorkflow(ctx context.Context, meetingID, userID string, runAt time.Time) (bool, error)
	ListDueWorkflows(ctx context.Context, now time.Time, limit int) ([]NotificationWorkflow, error)
	ListWorkflowSteps(ctx context.Context, workflowID string) ([]WorkflowStep, error)
	RecordWorkflowStep(ctx context.Context, workflowID, stepName string, result []byte) error
	FinishWorkflow(ctx context.Context, workflowID, status string, skipReason *string) error
	BumpWorkflowAttempts(ctx context.Context, workflowID string) (int, error)
}
