package types

import (
	"context"
	"errors"
	"io"
	"time"
)

// ChannelState represents the lifecycle state of a channel's playout engine.
// A channel moves from Idle to Running on start, may pass through Restarting
// while the supervisory loop recovers from failures, and lands in StoppedFailed
// only when the restart budget is exhausted. StoppedFailed is terminal and
// requires an external start (health monitor or operator) to clear.
type ChannelState int32

// Channel state constants cover the complete per-channel state machine.
// Transitions: Idle -> Running (start), Running -> Restarting (loop failure),
// Restarting -> Running (successful recovery), Restarting -> StoppedFailed
// (restart budget exceeded), Running -> Idle (clean stop).
const (
	StateIdle          ChannelState = iota // No producer goroutine running
	StateRunning                           // Producer loop actively streaming
	StateRestarting                        // Producer loop failed, waiting out backoff
	StateStoppedFailed                     // Max restarts exceeded, needs external intervention
)

// Running reports whether a producer goroutine currently exists for this
// state. Restarting counts: the supervisory loop is alive and waiting out
// its backoff.
func (s ChannelState) Running() bool {
	return s == StateRunning || s == StateRestarting
}

// String returns the lowercase state name used in logs and status responses.
func (s ChannelState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStoppedFailed:
		return "stopped_failed"
	default:
		return "unknown"
	}
}

// Channel is a single linear channel: the identity key every other entity
// hangs off. Number is the display/tuning number exposed through the playlist
// and stream URLs; disabled channels are never started or prewarmed.
type Channel struct {
	ID      int64  // Database identity, referenced by playouts and positions
	Number  int    // Display number used in playlist and stream URLs
	Name    string // Human-readable channel name
	Enabled bool   // Disabled channels are skipped by prewarm and playlist generation
}

// MediaItem is a playable piece of media. Exactly one of LocalPath, RemoteURL
// or SourceRef is expected to be set; SourceRef carries source-type-specific
// identifiers (plex://, archive://, youtube:) that the resolver turns into a
// playable URL. Duration is in seconds and may be zero when unknown.
type MediaItem struct {
	ID        int64
	Title     string
	Duration  int    // Seconds; 0 means unknown
	LocalPath string // Absolute path for locally stored media
	RemoteURL string // Direct HTTP(S) URL
	SourceRef string // Source-specific reference (plex://..., archive://..., youtube:...)
}

// PlayoutItem is one ordered entry in a channel's active playout. It either
// references a MediaItem or carries a raw SourceURL. Duration is the schedule's
// stated length in seconds; position math prefers the media item's own duration
// when both are present. StartTime establishes sequence only, never a hard
// wall-clock constraint.
type PlayoutItem struct {
	ID         int64
	PlayoutID  int64
	Position   int        // Ordering within the playout
	Media      *MediaItem // nil when SourceURL is set
	SourceURL  string     // Raw URL alternative to a media reference
	Duration   int        // Scheduled duration in seconds
	FillerKind string     // Optional filler tag ("bumper", "commercial", ...); empty for regular items
	StartTime  time.Time  // Sequence key only
}

// EffectiveDuration returns the duration used for wall-clock position math:
// the media item's known duration when present, else the item's scheduled
// duration, else fallback (for when both are unknown).
func (pi *PlayoutItem) EffectiveDuration(fallback int) int {
	if pi.Media != nil && pi.Media.Duration > 0 {
		return pi.Media.Duration
	}
	if pi.Duration > 0 {
		return pi.Duration
	}
	return fallback
}

// PlaybackPosition is the single piece of durable per-channel playout state.
// AnchorTime is the wall-clock instant the schedule cycle is measured from;
// CurrentIndex is the item the channel last started. The record has exactly
// one writer at a time: the owning channel stream's producer loop.
type PlaybackPosition struct {
	ChannelID    int64
	AnchorTime   time.Time
	CurrentIndex int
	LastPlayedAt time.Time
}

// FillerEntry is one weighted candidate inside a filler preset. Weight below 1
// is treated as 1 by the selector.
type FillerEntry struct {
	Media  *MediaItem
	Weight int
}

// FillerPreset is a channel's pool of substitute content, used when the
// schedule has nothing playable. Entries take precedence; when the preset has
// no explicit entries the selector falls back to CollectionID, resolved
// through the store at selection time.
type FillerPreset struct {
	ID           int64
	ChannelID    int64
	Name         string
	Entries      []FillerEntry
	CollectionID int64 // 0 when the preset carries explicit entries
}

// ResolvedMedia is the resolver's answer for a playout item: a URL the
// transcoder can open, the request headers the source demands, and an optional
// expiry after which the URL must be re-resolved (signed Plex/YouTube URLs).
type ResolvedMedia struct {
	URL       string
	Headers   map[string]string
	ExpiresAt time.Time // Zero when the URL does not expire
}

// Expired reports whether the resolved URL is past its expiry.
func (rm *ResolvedMedia) Expired(now time.Time) bool {
	return !rm.ExpiresAt.IsZero() && now.After(rm.ExpiresAt)
}

// Position is a point-in-time snapshot of a channel stream's playout position,
// served to status queries without touching the producer loop.
type Position struct {
	ItemIndex     int       // Index into the active playout's items
	SeekOffset    int       // Seconds into the current item at which playback began
	AnchorTime    time.Time // Cycle anchor the index was computed against
	ItemStartTime time.Time // Wall-clock instant the current item began airing
}

// ChannelStatus is the read-only observability surface for one channel,
// consumed by the status API and the health watcher.
type ChannelStatus struct {
	ChannelID       int64        `json:"channelId"`
	Number          int          `json:"number"`
	Name            string       `json:"name"`
	State           ChannelState `json:"-"`
	StateName       string       `json:"state"`
	AttachedClients int          `json:"attachedClients"`
	Restarts        int          `json:"restarts"`
	BytesStreamed   int64        `json:"bytesStreamed"`
	LastOutputUnix  int64        `json:"lastOutput"`
	CurrentIndex    int          `json:"currentIndex"`
}

// Store is the narrow persistence interface the playout core consumes. The
// backing implementation (work/database) owns the schema; the core only ever
// reads schedule data and writes playback positions.
type Store interface {
	Channels(ctx context.Context) ([]*Channel, error)
	ChannelByID(ctx context.Context, id int64) (*Channel, error)
	ChannelByNumber(ctx context.Context, number int) (*Channel, error)
	ActivePlayoutItems(ctx context.Context, channelID int64) ([]*PlayoutItem, error)
	PlaybackPosition(ctx context.Context, channelID int64) (*PlaybackPosition, error)
	SavePlaybackPosition(ctx context.Context, pos *PlaybackPosition) error
	FillerPreset(ctx context.Context, channelID int64) (*FillerPreset, error)
	CollectionItems(ctx context.Context, collectionID int64) ([]*MediaItem, error)
}

// Resolver turns a playout item into something the transcoder can open.
type Resolver interface {
	Resolve(ctx context.Context, item *PlayoutItem) (*ResolvedMedia, error)
}

// Transcoder opens a one-shot transcoded MPEG-TS byte stream for a resolved
// URL. The returned reader is not restartable: a mid-stream failure requires
// a fresh Open. Seek is in seconds and only meaningful on the first item after
// a position resolution.
type Transcoder interface {
	Open(ctx context.Context, media *ResolvedMedia, seekSeconds int) (io.ReadCloser, error)
}

// ErrorScreen is the optional capability for generating a viewer-facing
// error/standby stream during restart backoff. Injected as nil when disabled;
// call sites check for presence at construction, not per call.
type ErrorScreen interface {
	Open(ctx context.Context, message string) (io.ReadCloser, error)
}

// Watchdog receives fire-and-forget output telemetry from producer loops.
type Watchdog interface {
	ReportOutput(channelID int64, byteCount int)
}

// Sentinel errors for the expected failure modes of the playout core.
// Item-level errors (resolution, transcode) are wrapped with context at the
// failure site; these sentinels classify the conditions control flow branches on.
var (
	// ErrNoContent: no schedule item and no filler available. Idle-and-retry,
	// never fatal.
	ErrNoContent = errors.New("no playable content")

	// ErrNoActivePlayout: the channel has no active playout configured.
	ErrNoActivePlayout = errors.New("no active playout")

	// ErrChannelStopped: the channel is in StoppedFailed and will not serve
	// clients until externally restarted.
	ErrChannelStopped = errors.New("channel stopped after exceeding restart budget")

	// ErrUnresolvable: the resolver cannot produce a playable URL for an item.
	ErrUnresolvable = errors.New("media reference cannot be resolved")
)
