package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ReplaceInsights deletes all insights for the meeting and inserts the new
// set in one transaction, so regeneration leaves no duplicates and no
// leftovers.
func (r *PostgresRepository) ReplaceInsights(ctx context.Context, meetingID string, insights []Insight) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM insights WHERE meeting_id = $1;`, meetingID); err != nil {
			return fmt.Errorf("delete insights: %w", err)
		}
		for _, ins := range insights {
			const q = `INSERT INTO insights (meeting_id, insight_type, content) VALUES ($1, $2, $3);`
			if _, err := tx.Exec(ctx, q, meetingID, ins.Type, ins.Content); err != nil {
				return fmt.Errorf("insert insight %s: %w", ins.Type, err)
			}
		}
		return nil
	})
}

// ListInsights returns all insights persisted for a meeting.
func (r *PostgresRepository) ListInsights(ctx context.Context, meetingID string) ([]Insight, error) {
	const q = `
SELECT id, meeting_id, insight_type, content, created_at
FROM insights
WHERE meeting_id = $1
ORDER BY insight_type ASC;
`
	rows, err := r.pool.Query(ctx, q, meetingID)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	var insights []Insight
	for rows.Next() {
		var ins Insight
		if err := rows.Scan(&ins.ID, &ins.MeetingID, &ins.Type, &ins.Content, &ins.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		insights = append(insights, ins)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate insights: %w", err)
	}
	return insights, nil
}
