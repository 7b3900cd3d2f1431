package transcode

import (
	"context"
	"fmt"
	"io"
	"strings"

	"kptv-station/work/config"
	"kptv-station/work/logger"
)

// ErrorScreenGenerator produces a viewer-facing standby stream (black frame
// with a status line) so attached clients see something during restart
// backoff instead of a frozen last frame. Implements types.ErrorScreen.
// Constructed only when enabled; disabled deployments inject nil.
type ErrorScreenGenerator struct {
	cfg *config.Config
	log *logger.Logger
}

// NewErrorScreen creates an ErrorScreenGenerator.
func NewErrorScreen(cfg *config.Config, log *logger.Logger) *ErrorScreenGenerator {
	return &ErrorScreenGenerator{cfg: cfg, log: log}
}

// Open generates an MPEG-TS stream rendering message over a black background.
// The stream runs until closed; the caller bounds its lifetime with ctx.
func (eg *ErrorScreenGenerator) Open(ctx context.Context, message string) (io.ReadCloser, error) {
	filter := fmt.Sprintf(
		"drawtext=text='%s':fontcolor=white:fontsize=28:x=(w-text_w)/2:y=(h-text_h)/2",
		escapeDrawtext(message))

	args := []string{
		"-re",
		"-f", "lavfi", "-i", "color=c=black:s=1280x720:r=25",
		"-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=44100",
		"-vf", filter,
		"-c:v", "libx264", "-preset", "ultrafast", "-tune", "stillimage",
		"-c:a", "aac", "-b:a", "64k",
		"-f", "mpegts", "-",
	}

	ft := &FFmpegTranscoder{cfg: eg.cfg, log: eg.log}
	return ft.spawn(ctx, args)
}

// escapeDrawtext escapes the characters drawtext treats specially.
func escapeDrawtext(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`, `%`, `\%`)
	return r.Replace(s)
}
