package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kptv-station/work/types"
)

// ActivePlayoutItems loads the ordered items of a channel's single active
// playout, with media metadata joined in. Returns an empty slice when the
// channel has no active playout or the playout has no items; ordering is by
// start time, then position.
func (db *DB) ActivePlayoutItems(ctx context.Context, channelID int64) ([]*types.PlayoutItem, error) {
	query := `
		SELECT pi.id, pi.playout_id, pi.position, pi.source_url, pi.duration,
		       pi.filler_kind, pi.start_time,
		       m.id, m.title, m.duration, m.local_path, m.remote_url, m.source_ref
		FROM playout_items pi
		JOIN playouts p ON p.id = pi.playout_id
		LEFT JOIN media_items m ON m.id = pi.media_id
		WHERE p.channel_id = ? AND p.is_active = 1
		ORDER BY pi.start_time, pi.position
	`

	rows, err := db.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load playout items: %w", err)
	}
	defer rows.Close()

	var items []*types.PlayoutItem
	for rows.Next() {
		var pi types.PlayoutItem
		var startTime sql.NullTime
		var mediaID sql.NullInt64
		var title, localPath, remoteURL, sourceRef sql.NullString
		var mediaDuration sql.NullInt64

		err := rows.Scan(
			&pi.ID, &pi.PlayoutID, &pi.Position, &pi.SourceURL, &pi.Duration,
			&pi.FillerKind, &startTime,
			&mediaID, &title, &mediaDuration, &localPath, &remoteURL, &sourceRef,
		)
		if err != nil {
			if db.logger != nil {
				db.logger.Warn("[DATABASE] Skipping malformed playout item row for channel %d: %v", channelID, err)
			}
			continue
		}

		if startTime.Valid {
			pi.StartTime = startTime.Time
		}
		if mediaID.Valid {
			pi.Media = &types.MediaItem{
				ID:        mediaID.Int64,
				Title:     title.String,
				Duration:  int(mediaDuration.Int64),
				LocalPath: localPath.String,
				RemoteURL: remoteURL.String,
				SourceRef: sourceRef.String,
			}
		}

		items = append(items, &pi)
	}

	return items, rows.Err()
}

// PlaybackPosition loads a channel's durable playout position. Returns
// nil, nil when the channel has never been started.
func (db *DB) PlaybackPosition(ctx context.Context, channelID int64) (*types.PlaybackPosition, error) {
	query := `
		SELECT channel_id, anchor_time, current_index, last_played_at
		FROM playback_positions
		WHERE channel_id = ?
	`

	var pos types.PlaybackPosition
	var lastPlayed sql.NullTime
	err := db.QueryRowContext(ctx, query, channelID).Scan(
		&pos.ChannelID, &pos.AnchorTime, &pos.CurrentIndex, &lastPlayed,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load playback position: %w", err)
	}

	if lastPlayed.Valid {
		pos.LastPlayedAt = lastPlayed.Time
	}
	return &pos, nil
}

// SavePlaybackPosition upserts a channel's playout position. Called by the
// owning producer loop after every item transition and on clean stop; there
// is exactly one writer per channel so no row-level contention is expected.
func (db *DB) SavePlaybackPosition(ctx context.Context, pos *types.PlaybackPosition) error {
	query := `
		INSERT INTO playback_positions (channel_id, anchor_time, current_index, last_played_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(channel_id) DO UPDATE SET
			anchor_time = excluded.anchor_time,
			current_index = excluded.current_index,
			last_played_at = excluded.last_played_at,
			updated_at = CURRENT_TIMESTAMP
	`

	lastPlayed := pos.LastPlayedAt
	if lastPlayed.IsZero() {
		lastPlayed = time.Now()
	}

	_, err := db.ExecContext(ctx, query, pos.ChannelID, pos.AnchorTime.UTC(), pos.CurrentIndex, lastPlayed.UTC())
	if err != nil {
		return fmt.Errorf("failed to save playback position: %w", err)
	}
	return nil
}
