package transcode

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"kptv-station/work/config"
	"kptv-station/work/logger"
	"kptv-station/work/types"
	"kptv-station/work/utils"
)

// FFmpegTranscoder opens media sources as one-shot MPEG-TS byte streams by
// spawning an ffmpeg process per item and exposing its stdout. Implements
// types.Transcoder.
type FFmpegTranscoder struct {
	cfg *config.Config
	log *logger.Logger
}

// New creates an FFmpegTranscoder.
func New(cfg *config.Config, log *logger.Logger) *FFmpegTranscoder {
	return &FFmpegTranscoder{cfg: cfg, log: log}
}

// Open starts ffmpeg against the resolved URL and returns its stdout as a
// ReadCloser. Close kills the whole process group; ffmpeg spawns helpers for
// some protocols and an orphaned child would keep the source connection open.
// seekSeconds > 0 adds an input-side -ss, which is only used on the first item
// after a position resolution.
func (ft *FFmpegTranscoder) Open(ctx context.Context, media *types.ResolvedMedia, seekSeconds int) (io.ReadCloser, error) {
	args := []string{}
	args = append(args, ft.cfg.FFmpegPreInput...)

	if seekSeconds > 0 {
		args = append(args, "-ss", strconv.Itoa(seekSeconds))
	}

	if headerBlock := formatHeaders(media.Headers); headerBlock != "" {
		args = append(args, "-headers", headerBlock)
	}

	args = append(args, "-i", media.URL)
	args = append(args, ft.cfg.FFmpegPreOutput...)
	args = append(args, "-f", "mpegts", "-")

	if ft.cfg.Debug {
		ft.log.Debug("[TRANSCODE] ffmpeg %s", strings.Join(redactURL(args, media.URL, ft.cfg.ObfuscateUrls), " "))
	}

	return ft.spawn(ctx, args)
}

func (ft *FFmpegTranscoder) spawn(ctx context.Context, args []string) (io.ReadCloser, error) {
	procCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(procCtx, "ffmpeg", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	return &processStream{reader: stdout, cmd: cmd, cancel: cancel}, nil
}

// processStream ties a pipe reader to its owning process: Close kills the
// process group and reaps the child so reads can never block on a zombie.
type processStream struct {
	reader io.ReadCloser
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

func (ps *processStream) Read(p []byte) (int, error) {
	return ps.reader.Read(p)
}

func (ps *processStream) Close() error {
	ps.cancel()
	if ps.cmd.Process != nil {
		// Negative pid targets the whole process group
		syscall.Kill(-ps.cmd.Process.Pid, syscall.SIGKILL)
	}
	ps.cmd.Wait()
	return ps.reader.Close()
}

// formatHeaders renders a header map into ffmpeg's -headers CRLF block.
func formatHeaders(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	var b strings.Builder
	for key, value := range headers {
		if value == "" {
			continue
		}
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	}
	return b.String()
}

// redactURL swaps the source URL for its obfuscated form in a copy of args,
// for logging only.
func redactURL(args []string, rawURL string, obfuscate bool) []string {
	if !obfuscate {
		return args
	}
	out := make([]string, len(args))
	for i, a := range args {
		if a == rawURL {
			out[i] = utils.LogURL(true, rawURL)
		} else {
			out[i] = a
		}
	}
	return out
}
