package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetUserByID returns a user by internal identifier.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id string) (*User, error) {
	const q = `
SELECT id, display_name, wa_jid, whatsapp_summary_enabled, created_at, updated_at
FROM users
WHERE id = $1
LIMIT 1;
`
	row := r.pool.QueryRow(ctx, q, id)
	var user User
	if err := row.Scan(&user.ID, &user.DisplayName, &user.WAJID, &user.WhatsAppSummaryEnabled, &user.CreatedAt, &user.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return &user, nil
}
