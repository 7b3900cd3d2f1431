package resolver

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"kptv-station/work/client"
	"kptv-station/work/config"
	"kptv-station/work/logger"
	"kptv-station/work/types"
	"kptv-station/work/utils"

	regexp "github.com/grafana/regexp"
	"github.com/grafov/m3u8"
	"github.com/maypok86/otter/v2"
	"go.uber.org/ratelimit"
)

// Source-reference patterns. A media item's SourceRef is classified once per
// resolution; unrecognized references fail with ErrUnresolvable.
var (
	plexPattern    = regexp.MustCompile(`^plex://([^/]+)/(.+)$`)
	archivePattern = regexp.MustCompile(`^archive://([^/]+)/(.+)$`)
	youtubePattern = regexp.MustCompile(`^youtube:([A-Za-z0-9_-]{6,})$`)
)

// Options carry the external-source coordinates the resolver needs beyond
// the engine config. Empty Plex fields disable plex:// resolution.
type Options struct {
	PlexBaseURL string // e.g. http://plex.local:32400
	PlexToken   string
	YtdlpPath   string // yt-dlp binary; defaults to "yt-dlp"
}

// MediaResolver turns playout items into playable URLs. Results are cached
// (otter, TTL-capped) and re-resolved when their own expiry passes; remote
// lookups are rate limited so a misbehaving schedule cannot hammer Plex or
// YouTube. Implements types.Resolver.
type MediaResolver struct {
	cfg        *config.Config
	opts       Options
	log        *logger.Logger
	httpClient *client.HeaderSettingClient
	cache      *otter.Cache[string, *types.ResolvedMedia]
	limiter    ratelimit.Limiter
}

// New creates a MediaResolver.
func New(cfg *config.Config, opts Options, log *logger.Logger, httpClient *client.HeaderSettingClient) *MediaResolver {
	if opts.YtdlpPath == "" {
		opts.YtdlpPath = "yt-dlp"
	}

	cache := otter.Must(&otter.Options[string, *types.ResolvedMedia]{
		MaximumSize:      cfg.ResolveCacheSize,
		ExpiryCalculator: otter.ExpiryWriting[string, *types.ResolvedMedia](cfg.ResolveCacheTTL),
	})

	return &MediaResolver{
		cfg:        cfg,
		opts:       opts,
		log:        log,
		httpClient: httpClient,
		cache:      cache,
		limiter:    ratelimit.New(cfg.ResolveRateLimit),
	}
}

// Resolve produces the playable URL for a playout item. Local paths and raw
// URLs resolve without any network round trip; plex://, archive:// and
// youtube: references go through their source-specific paths. Cached results
// are reused until their expiry passes.
func (mr *MediaResolver) Resolve(ctx context.Context, item *types.PlayoutItem) (*types.ResolvedMedia, error) {
	key := cacheKey(item)
	if cached, ok := mr.cache.GetIfPresent(key); ok {
		if !cached.Expired(time.Now()) {
			return cached, nil
		}
		mr.cache.Invalidate(key)
	}

	resolved, err := mr.resolve(ctx, item)
	if err != nil {
		return nil, err
	}

	mr.cache.Set(key, resolved)
	return resolved, nil
}

func (mr *MediaResolver) resolve(ctx context.Context, item *types.PlayoutItem) (*types.ResolvedMedia, error) {
	if item.Media == nil {
		if item.SourceURL == "" {
			return nil, fmt.Errorf("%w: item %d has no media and no source url", types.ErrUnresolvable, item.ID)
		}
		return mr.resolveRemote(ctx, item.SourceURL, nil)
	}

	media := item.Media
	switch {
	case media.LocalPath != "":
		return &types.ResolvedMedia{URL: media.LocalPath}, nil
	case media.RemoteURL != "":
		return mr.resolveRemote(ctx, media.RemoteURL, nil)
	case media.SourceRef != "":
		return mr.resolveSourceRef(ctx, media)
	default:
		return nil, fmt.Errorf("%w: media %d has no path, url or source ref", types.ErrUnresolvable, media.ID)
	}
}

// resolveSourceRef dispatches on the source-type prefix.
func (mr *MediaResolver) resolveSourceRef(ctx context.Context, media *types.MediaItem) (*types.ResolvedMedia, error) {
	ref := media.SourceRef

	if m := plexPattern.FindStringSubmatch(ref); m != nil {
		return mr.resolvePlex(ctx, m[2])
	}
	if m := archivePattern.FindStringSubmatch(ref); m != nil {
		// Archive.org download URLs are deterministic, no lookup needed
		return &types.ResolvedMedia{
			URL: fmt.Sprintf("https://archive.org/download/%s/%s", m[1], m[2]),
		}, nil
	}
	if m := youtubePattern.FindStringSubmatch(ref); m != nil {
		return mr.resolveYouTube(ctx, m[1])
	}

	return nil, fmt.Errorf("%w: unrecognized source ref %q for media %d", types.ErrUnresolvable, ref, media.ID)
}

// resolvePlex builds a token-authenticated part URL against the configured
// Plex server.
func (mr *MediaResolver) resolvePlex(_ context.Context, partKey string) (*types.ResolvedMedia, error) {
	if mr.opts.PlexBaseURL == "" {
		return nil, fmt.Errorf("%w: plex source configured but no plex server set", types.ErrUnresolvable)
	}

	mr.limiter.Take()

	resolved := &types.ResolvedMedia{
		URL: fmt.Sprintf("%s/%s?X-Plex-Token=%s",
			strings.TrimRight(mr.opts.PlexBaseURL, "/"), strings.TrimLeft(partKey, "/"), mr.opts.PlexToken),
		Headers: map[string]string{"Accept": "*/*"},
		// Plex part URLs stay valid as long as the token does; cap via cache TTL
	}
	return resolved, nil
}

// resolveYouTube shells out to yt-dlp for a direct media URL. Googlevideo
// URLs carry an expire query parameter which becomes the result's expiry.
func (mr *MediaResolver) resolveYouTube(ctx context.Context, videoID string) (*types.ResolvedMedia, error) {
	mr.limiter.Take()

	lookupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(lookupCtx, mr.opts.YtdlpPath,
		"-g",
		"-f", "best[protocol^=http]",
		"--no-playlist",
		"https://www.youtube.com/watch?v="+videoID)

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: yt-dlp lookup failed for %s: %v", types.ErrUnresolvable, videoID, err)
	}

	directURL := strings.TrimSpace(strings.SplitN(string(output), "\n", 2)[0])
	if directURL == "" {
		return nil, fmt.Errorf("%w: yt-dlp returned no url for %s", types.ErrUnresolvable, videoID)
	}

	return &types.ResolvedMedia{
		URL:       directURL,
		ExpiresAt: expiryFromURL(directURL),
	}, nil
}

// resolveRemote probes a remote URL. Master HLS playlists are narrowed to
// their highest-bandwidth variant so the transcoder gets a media stream, not
// a playlist of playlists. Everything else passes through unchanged.
func (mr *MediaResolver) resolveRemote(ctx context.Context, rawURL string, headers map[string]string) (*types.ResolvedMedia, error) {
	resolved := &types.ResolvedMedia{
		URL:       rawURL,
		Headers:   headers,
		ExpiresAt: expiryFromURL(rawURL),
	}

	if !looksLikePlaylist(rawURL) {
		return resolved, nil
	}

	mr.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUnresolvable, err)
	}

	resp, err := mr.httpClient.Do(req, headers)
	if err != nil {
		// Probe failure is not fatal; the transcoder may still cope
		mr.log.Debug("[RESOLVER] Playlist probe failed for %s: %v", utils.LogURL(mr.cfg.ObfuscateUrls, rawURL), err)
		return resolved, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d probing %s", types.ErrUnresolvable, resp.StatusCode, utils.LogURL(mr.cfg.ObfuscateUrls, rawURL))
	}

	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(resp.Body), true)
	if err != nil || listType != m3u8.MASTER {
		// Media playlist or undecodable content, hand the original URL over
		return resolved, nil
	}

	master := playlist.(*m3u8.MasterPlaylist)
	best := pickBestVariant(master)
	if best == "" {
		return resolved, nil
	}

	variantURL, err := absolutize(rawURL, best)
	if err != nil {
		return resolved, nil
	}

	mr.log.Debug("[RESOLVER] Master playlist %s narrowed to variant %s",
		utils.LogURL(mr.cfg.ObfuscateUrls, rawURL), utils.LogURL(mr.cfg.ObfuscateUrls, variantURL))

	resolved.URL = variantURL
	return resolved, nil
}

// pickBestVariant returns the URI of the highest-bandwidth variant.
func pickBestVariant(master *m3u8.MasterPlaylist) string {
	var best string
	var bestBandwidth uint32
	for _, variant := range master.Variants {
		if variant == nil {
			continue
		}
		if best == "" || variant.Bandwidth > bestBandwidth {
			best = variant.URI
			bestBandwidth = variant.Bandwidth
		}
	}
	return best
}

// looksLikePlaylist is a cheap pre-filter so plain media URLs skip the probe.
func looksLikePlaylist(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".m3u8") ||
		strings.HasSuffix(strings.ToLower(u.Path), ".m3u")
}

// absolutize resolves a possibly-relative variant URI against its playlist URL.
func absolutize(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

// expiryFromURL extracts a unix "expire"/"expires" query parameter when the
// URL carries one (signed googlevideo/CDN URLs do).
func expiryFromURL(rawURL string) time.Time {
	u, err := url.Parse(rawURL)
	if err != nil {
		return time.Time{}
	}
	q := u.Query()
	for _, name := range []string{"expire", "expires"} {
		if v := q.Get(name); v != "" {
			if unix, err := strconv.ParseInt(v, 10, 64); err == nil && unix > 0 {
				return time.Unix(unix, 0)
			}
		}
	}
	return time.Time{}
}

func cacheKey(item *types.PlayoutItem) string {
	if item.Media != nil {
		return fmt.Sprintf("media-%d", item.Media.ID)
	}
	return "url-" + item.SourceURL
}
