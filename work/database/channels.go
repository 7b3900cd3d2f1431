package database

import (
	"context"
	"database/sql"
	"fmt"

	"kptv-station/work/types"
)

// Channels loads all channels ordered by display number.
func (db *DB) Channels(ctx context.Context) ([]*types.Channel, error) {
	query := `
		SELECT id, number, name, enabled
		FROM channels
		ORDER BY number
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load channels: %w", err)
	}
	defer rows.Close()

	var channels []*types.Channel
	for rows.Next() {
		var ch types.Channel
		if err := rows.Scan(&ch.ID, &ch.Number, &ch.Name, &ch.Enabled); err != nil {
			if db.logger != nil {
				db.logger.Warn("[DATABASE] Skipping malformed channel row: %v", err)
			}
			continue
		}
		channels = append(channels, &ch)
	}

	return channels, rows.Err()
}

// ChannelByID retrieves a channel by its database id. Returns nil, nil when
// no such channel exists.
func (db *DB) ChannelByID(ctx context.Context, id int64) (*types.Channel, error) {
	return db.channelBy(ctx, "id = ?", id)
}

// ChannelByNumber retrieves a channel by its display number. Returns nil, nil
// when no such channel exists.
func (db *DB) ChannelByNumber(ctx context.Context, number int) (*types.Channel, error) {
	return db.channelBy(ctx, "number = ?", number)
}

func (db *DB) channelBy(ctx context.Context, where string, arg any) (*types.Channel, error) {
	query := fmt.Sprintf(`
		SELECT id, number, name, enabled
		FROM channels
		WHERE %s
	`, where)

	var ch types.Channel
	err := db.QueryRowContext(ctx, query, arg).Scan(&ch.ID, &ch.Number, &ch.Name, &ch.Enabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}

	return &ch, nil
}

// SaveChannel inserts or updates a channel keyed by display number and
// returns its id. Used by operator tooling, not by the playout core.
func (db *DB) SaveChannel(ctx context.Context, number int, name string, enabled bool) (int64, error) {
	query := `
		INSERT INTO channels (number, name, enabled, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(number) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			updated_at = CURRENT_TIMESTAMP
	`

	result, err := db.ExecContext(ctx, query, number, name, enabled)
	if err != nil {
		return 0, fmt.Errorf("failed to save channel: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil || id == 0 {
		// LastInsertId is unreliable on conflict, query for the id
		err = db.QueryRowContext(ctx, "SELECT id FROM channels WHERE number = ?", number).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to get channel ID: %w", err)
		}
	}

	return id, nil
}
