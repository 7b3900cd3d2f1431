package filler

import (
	"context"
	"math/rand"

	"kptv-station/work/types"
)

// Selector picks substitute content when a channel's schedule has nothing
// playable. Presets carry weighted entries; a preset without entries can
// instead reference a collection, resolved through the store at selection
// time so collection edits take effect without a restart.
type Selector struct {
	store types.Store
	rng   *rand.Rand
}

// New creates a Selector. rng may be nil, in which case the shared
// math/rand source is used; tests pass a seeded source for determinism.
func New(store types.Store, rng *rand.Rand) *Selector {
	return &Selector{store: store, rng: rng}
}

func (s *Selector) intn(n int) int {
	if s.rng != nil {
		return s.rng.Intn(n)
	}
	return rand.Intn(n)
}

// Select picks one media item from the preset, or nil when the preset is nil
// or resolves to zero candidates. A nil result is "idle and retry", never an
// error: the caller sleeps briefly and asks again.
//
// Explicit entries are expanded by weight (minimum 1) and picked uniformly
// from the expanded pool, so an entry with weight 3 is three times as likely
// as one with weight 1. Collection fallback picks uniformly, weight 1 each.
func (s *Selector) Select(ctx context.Context, preset *types.FillerPreset) (*types.MediaItem, error) {
	if preset == nil {
		return nil, nil
	}

	if len(preset.Entries) > 0 {
		pool := make([]*types.MediaItem, 0, len(preset.Entries))
		for _, entry := range preset.Entries {
			if entry.Media == nil {
				continue
			}
			weight := entry.Weight
			if weight < 1 {
				weight = 1
			}
			for i := 0; i < weight; i++ {
				pool = append(pool, entry.Media)
			}
		}
		if len(pool) == 0 {
			return nil, nil
		}
		return pool[s.intn(len(pool))], nil
	}

	if preset.CollectionID == 0 {
		return nil, nil
	}

	items, err := s.store.CollectionItems(ctx, preset.CollectionID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[s.intn(len(items))], nil
}
