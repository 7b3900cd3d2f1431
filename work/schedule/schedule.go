package schedule

import (
	"time"

	"kptv-station/work/types"
)

// Options tune the position math. Zero values fall back to the engine
// defaults so callers can pass Options{} in tests.
type Options struct {
	SeekSafetyMargin    int // Seconds kept clear at the end of each item; default 10
	DefaultItemDuration int // Fallback duration when neither media nor schedule know one; default 1800
}

func (o Options) margin() int {
	if o.SeekSafetyMargin > 0 {
		return o.SeekSafetyMargin
	}
	return 10
}

func (o Options) fallback() int {
	if o.DefaultItemDuration > 0 {
		return o.DefaultItemDuration
	}
	return 1800
}

// Result is a resolved playout position: the item that should be airing right
// now and the seek offset into it. Fresh marks a first-ever start (no
// persisted anchor); the caller must persist the returned anchor immediately
// so every later resolution measures the cycle from the same instant.
type Result struct {
	ItemIndex  int
	SeekOffset int // Seconds into the item
	AnchorTime time.Time
	Fresh      bool
}

// Resolve computes which item of a channel's schedule should be playing at
// now, and how deep into it, from the persisted cycle anchor. It is pure:
// no I/O, no clock reads, fully deterministic for a given now.
//
// A zero anchor means the channel has never run: the caller gets a fresh
// anchor (= now) at index 0, offset 0. A schedule whose total duration is
// zero cannot be positioned by wall clock, so the persisted index is reused
// as-is. The seek offset is clamped so playback never starts inside the last
// few seconds of an item; seeking past end-of-media yields no decodable
// output from the transcoder.
func Resolve(now, anchor time.Time, items []*types.PlayoutItem, persistedIndex int, opts Options) (Result, error) {
	if len(items) == 0 {
		return Result{}, types.ErrNoContent
	}

	if anchor.IsZero() {
		return Result{ItemIndex: 0, SeekOffset: 0, AnchorTime: now, Fresh: true}, nil
	}

	total := 0
	for _, item := range items {
		total += item.EffectiveDuration(opts.fallback())
	}

	if total == 0 {
		// No time-based correction possible, resume at the raw index.
		idx := persistedIndex % len(items)
		if idx < 0 {
			idx += len(items)
		}
		return Result{ItemIndex: idx, SeekOffset: 0, AnchorTime: anchor}, nil
	}

	elapsed := int(now.Sub(anchor).Seconds())
	cyclePos := elapsed % total
	if cyclePos < 0 {
		cyclePos += total
	}

	sum := 0
	for i, item := range items {
		d := item.EffectiveDuration(opts.fallback())
		if cyclePos < sum+d {
			return Result{
				ItemIndex:  i,
				SeekOffset: clampOffset(cyclePos-sum, d, opts.margin()),
				AnchorTime: anchor,
			}, nil
		}
		sum += d
	}

	// The walk overran the accumulated total (schedule changed under us);
	// wrap to the top of the cycle.
	return Result{ItemIndex: 0, SeekOffset: 0, AnchorTime: anchor}, nil
}

// clampOffset bounds a raw seek offset to [0, duration-margin]. Items shorter
// than the margin always play from the start.
func clampOffset(offset, duration, margin int) int {
	if offset < 0 {
		return 0
	}
	max := duration - margin
	if max < 0 {
		max = 0
	}
	if offset > max {
		return max
	}
	return offset
}
