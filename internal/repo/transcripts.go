package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ReplaceTranscript deletes any existing transcript for the meeting and
// inserts the new one. Transcripts are immutable, so reprocessing recreates
// rather than mutates.
func (r *PostgresRepository) ReplaceTranscript(ctx context.Context, meetingID, content string) (*Transcript, error) {
	var t Transcript
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM transcripts WHERE meeting_id = $1;`, meetingID); err != nil {
			return fmt.Errorf("delete transcript: %w", err)
		}
		const q = `
INSERT INTO transcripts (meeting_id, content)
VALUES ($1, $2)
RETURNING id, meeting_id, content, created_at;
`
		row := tx.QueryRow(ctx, q, meetingID, content)
		if err := row.Scan(&t.ID, &t.MeetingID, &t.Content, &t.CreatedAt); err != nil {
			return fmt.Errorf("insert transcript: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTranscript returns the transcript for a meeting.
func (r *PostgresRepository) GetTranscript(ctx context.Context, meetingID string) (*Transcript, error) {
	const q = `
SELECT id, meeting_id, content, created_at
FROM transcripts
WHERE meeting_id = $1
LIMIT 1;
`
	var t Transcript
	if err := r.pool.QueryRow(ctx, q, meetingID).Scan(&t.ID, &t.MeetingID, &t.Content, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	return &t, nil
}
