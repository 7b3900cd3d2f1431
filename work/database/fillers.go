package database

import (
	"context"
	"database/sql"
	"fmt"

	"kptv-station/work/types"
)

// FillerPreset loads a channel's filler preset with its weighted entries.
// Returns nil, nil when the channel has no preset configured.
func (db *DB) FillerPreset(ctx context.Context, channelID int64) (*types.FillerPreset, error) {
	query := `
		SELECT id, channel_id, name, COALESCE(collection_id, 0)
		FROM filler_presets
		WHERE channel_id = ?
	`

	var preset types.FillerPreset
	err := db.QueryRowContext(ctx, query, channelID).Scan(
		&preset.ID, &preset.ChannelID, &preset.Name, &preset.CollectionID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load filler preset: %w", err)
	}

	entryQuery := `
		SELECT fi.weight, m.id, m.title, m.duration, m.local_path, m.remote_url, m.source_ref
		FROM filler_items fi
		JOIN media_items m ON m.id = fi.media_id
		WHERE fi.preset_id = ?
	`

	rows, err := db.QueryContext(ctx, entryQuery, preset.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load filler items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry types.FillerEntry
		var media types.MediaItem
		err := rows.Scan(&entry.Weight, &media.ID, &media.Title, &media.Duration,
			&media.LocalPath, &media.RemoteURL, &media.SourceRef)
		if err != nil {
			if db.logger != nil {
				db.logger.Warn("[DATABASE] Skipping malformed filler item row in preset %d: %v", preset.ID, err)
			}
			continue
		}
		entry.Media = &media
		preset.Entries = append(preset.Entries, entry)
	}

	return &preset, rows.Err()
}

// CollectionItems loads all media items of a collection, used when a filler
// preset references a collection instead of explicit entries.
func (db *DB) CollectionItems(ctx context.Context, collectionID int64) ([]*types.MediaItem, error) {
	query := `
		SELECT m.id, m.title, m.duration, m.local_path, m.remote_url, m.source_ref
		FROM collection_items ci
		JOIN media_items m ON m.id = ci.media_id
		WHERE ci.collection_id = ?
	`

	rows, err := db.QueryContext(ctx, query, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load collection items: %w", err)
	}
	defer rows.Close()

	var items []*types.MediaItem
	for rows.Next() {
		var media types.MediaItem
		err := rows.Scan(&media.ID, &media.Title, &media.Duration,
			&media.LocalPath, &media.RemoteURL, &media.SourceRef)
		if err != nil {
			if db.logger != nil {
				db.logger.Warn("[DATABASE] Skipping malformed collection item row in collection %d: %v", collectionID, err)
			}
			continue
		}
		items = append(items, &media)
	}

	return items, rows.Err()
}
