package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"notetaker/internal/lifecycle"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

const meetingColumns = `id, user_id, team_id, meeting_url, platform, scheduled_start, scheduled_end,
calendar_event_id, status, bot_id, bot_excluded, participant_count, whatsapp_summary_sent_at,
created_at, updated_at`

func scanMeeting(row pgx.Row) (*Meeting, error) {
	var m Meeting
	err := row.Scan(&m.ID, &m.UserID, &m.TeamID, &m.MeetingURL, &m.Platform, &m.ScheduledStart,
		&m.ScheduledEnd, &m.CalendarEventID, &m.Status, &m.BotID, &m.BotExcluded,
		&m.ParticipantCount, &m.WhatsAppSummarySentAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// CreateMeeting inserts a meeting, or returns the existing one when the same
// calendar event was already synced for the user.
func (r *PostgresRepository) CreateMeeting(ctx context.Context, m NewMeeting) (*Meeting, error) {
	const q = `
INSERT INTO meetings (user_id, team_id, meeting_url, platform, scheduled_start, scheduled_end, calendar_event_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id, calendar_event_id) DO UPDATE SET
    meeting_url = EXCLUDED.meeting_url,
    scheduled_start = EXCLUDED.scheduled_start,
    scheduled_end = EXCLUDED.scheduled_end,
    updated_at = NOW()
RETURNING ` + meetingColumns + `;`
	row := r.pool.QueryRow(ctx, q, m.UserID, m.TeamID, m.MeetingURL, m.Platform, m.ScheduledStart, m.ScheduledEnd, m.CalendarEventID)
	meeting, err := scanMeeting(row)
	if err != nil {
		return nil, fmt.Errorf("create meeting: %w", err)
	}
	return meeting, nil
}

// GetMeetingByID returns a meeting by its identifier.
func (r *PostgresRepository) GetMeetingByID(ctx context.Context, id string) (*Meeting, error) {
	q := `SELECT ` + meetingColumns + ` FROM meetings WHERE id = $1 LIMIT 1;`
	meeting, err := scanMeeting(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get meeting by id: %w", err)
	}
	return meeting, nil
}

// GetMeetingByBotID resolves a meeting from the external bot identifier.
func (r *PostgresRepository) GetMeetingByBotID(ctx context.Context, botID string) (*Meeting, error) {
	q := `SELECT ` + meetingColumns + ` FROM meetings WHERE bot_id = $1 LIMIT 1;`
	meeting, err := scanMeeting(r.pool.QueryRow(ctx, q, botID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get meeting by bot id: %w", err)
	}
	return meeting, nil
}

// TransitionStatus moves the meeting to the destination status only when its
// current status is one of the expected predecessors. Returns false when the
// conditional update matched no row, which callers treat as a dropped
// stale/duplicate signal.
func (r *PostgresRepository) TransitionStatus(ctx context.Context, meetingID string, from []lifecycle.Status, to lifecycle.Status) (bool, error) {
	const q = `
UPDATE meetings
SET status = $3, updated_at = NOW()
WHERE id = $1 AND status = ANY($2);
`
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	ct, err := r.pool.Exec(ctx, q, meetingID, fromStrs, string(to))
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// AssignBot records the deployed bot and advances the meeting to JOINING in
// one statement, so the bot id is set exactly once per deployment attempt.
// The predecessor set comes from the lifecycle table like every other status
// write.
func (r *PostgresRepository) AssignBot(ctx context.Context, meetingID, botID string) (bool, error) {
	const q = `
UPDATE meetings
SET bot_id = $2, status = $3, updated_at = NOW()
WHERE id = $1 AND status = ANY($4);
`
	from := lifecycle.Predecessors(lifecycle.StatusJoining)
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	ct, err := r.pool.Exec(ctx, q, meetingID, botID, string(lifecycle.StatusJoining), fromStrs)
	if err != nil {
		return false, fmt.Errorf("assign bot: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// SetBotExcluded flips the user opt-out flag.
func (r *PostgresRepository) SetBotExcluded(ctx context.Context, meetingID string, excluded bool) error {
	const q = `UPDATE meetings SET bot_excluded = $2, updated_at = NOW() WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, meetingID, excluded)
	if err != nil {
		return fmt.Errorf("set bot excluded: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("set bot excluded: %w", ErrNotFound)
	}
	return nil
}

// SetParticipantCount stores the latest participant count reported by the
// provider.
func (r *PostgresRepository) SetParticipantCount(ctx context.Context, meetingID string, count int) error {
	const q = `UPDATE meetings SET participant_count = $2, updated_at = NOW() WHERE id = $1;`
	if _, err := r.pool.Exec(ctx, q, meetingID, count); err != nil {
		return fmt.Errorf("set participant count: %w", err)
	}
	return nil
}

// MarkSummarySent sets the write-once delivery timestamp. Returns false when
// it was already set, enforcing at-most-once delivery.
func (r *PostgresRepository) MarkSummarySent(ctx context.Context, meetingID string, at time.Time) (bool, error) {
	const q = `
UPDATE meetings
SET whatsapp_summary_sent_at = $2, updated_at = NOW()
WHERE id = $1 AND whatsapp_summary_sent_at IS NULL;
`
	ct, err := r.pool.Exec(ctx, q, meetingID, at)
	if err != nil {
		return false, fmt.Errorf("mark summary sent: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// ListStuckMeetings returns meetings sitting in one of the given statuses
// whose scheduled start is older than the cutoff. The poller uses this to
// reconcile meetings whose webhooks were lost.
func (r *PostgresRepository) ListStuckMeetings(ctx context.Context, statuses []lifecycle.Status, startedBefore time.Time, limit int) ([]Meeting, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
SELECT ` + meetingColumns + `
FROM meetings
WHERE status = ANY($1) AND scheduled_start < $2 AND bot_id IS NOT NULL
ORDER BY scheduled_start ASC
LIMIT $3;
`
	statusStrs := make([]string, len(statuses))
	for i, s := range statuses {
		statusStrs[i] = string(s)
	}
	rows, err := r.pool.Query(ctx, q, statusStrs, startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck meetings: %w", err)
	}
	defer rows.Close()

	var meetings []Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stuck meeting: %w", err)
		}
		meetings = append(meetings, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stuck meetings: %w", err)
	}
	return meetings, nil
}
