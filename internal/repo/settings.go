package repo

import (
	"context"
	"fmt"
)

// EnsureBotSettings returns the user's bot settings, synthesizing and
// persisting the defaults on first use so scheduling never blocks on
// missing configuration.
func (r *PostgresRepository) EnsureBotSettings(ctx context.Context, userID string) (*BotSettings, error) {
	const q = `
INSERT INTO bot_settings (user_id)
VALUES ($1)
ON CONFLICT (user_id) DO UPDATE SET updated_at = bot_settings.updated_at
RETURNING user_id, bot_name, avatar_url, entry_message, recording_mode, auto_join, created_at, updated_at;
`
	row := r.pool.QueryRow(ctx, q, userID)
	var s BotSettings
	if err := row.Scan(&s.UserID, &s.BotName, &s.AvatarURL, &s.EntryMessage, &s.RecordingMode, &s.AutoJoin, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, fmt.Errorf("ensure bot settings: %w", err)
	}
	return &s, nil
}
