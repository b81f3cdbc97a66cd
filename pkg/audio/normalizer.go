package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/callguard/callguard/pkg/fraud"
)

const (
	defaultTargetRate = 16000
	defaultMaxBytes   = 10 << 20 // 10 MiB
	defaultTimeout    = 60 * time.Second
	defaultMaxAge     = time.Hour

	// minBytes is the sanity floor below which a buffer cannot plausibly
	// hold a decodable audio chunk.
	minBytes = 1000
)

// supported lists the input formats the normalizer accepts.
var supported = map[Format]bool{
	FormatWAV:  true,
	FormatFLAC: true,
	FormatOpus: true,
}

// Normalized is the result of a successful normalization: a canonical mono
// 16-bit PCM WAV buffer plus the decoded stream metadata.
type Normalized struct {
	// WAV is the full normalized file, header included.
	WAV []byte

	SampleRate     int
	Channels       int
	Duration       time.Duration
	OriginalFormat Format
}

// transcodeFunc runs the external engine, converting in to out. It returns
// the engine's diagnostic output on failure.
type transcodeFunc func(ctx context.Context, in, out string, rate int) (diag string, err error)

// Normalizer converts supported audio buffers to canonical mono PCM WAV by
// round-tripping them through scratch files and an external ffmpeg process.
// It is stateless per call and safe for concurrent use.
type Normalizer struct {
	ffmpegPath string
	scratchDir string
	targetRate int
	maxBytes   int
	timeout    time.Duration
	maxAge     time.Duration

	transcode transcodeFunc
}

// Option configures a [Normalizer] during construction.
type Option func(*Normalizer)

// WithFFmpegPath sets the ffmpeg executable path. Default "ffmpeg" (resolved
// via PATH).
func WithFFmpegPath(path string) Option {
	return func(n *Normalizer) { n.ffmpegPath = path }
}

// WithScratchDir sets the directory for transient transcode files. Default
// is a callguard subdirectory of the system temp dir.
func WithScratchDir(dir string) Option {
	return func(n *Normalizer) { n.scratchDir = dir }
}

// WithTargetRate sets the output sample rate in Hz. Default 16000.
func WithTargetRate(rate int) Option {
	return func(n *Normalizer) { n.targetRate = rate }
}

// WithMaxBytes sets the maximum accepted input size. Default 10 MiB.
func WithMaxBytes(max int) Option {
	return func(n *Normalizer) { n.maxBytes = max }
}

// WithTimeout bounds a single engine invocation. Expiry surfaces as a
// [fraud.ProcessingError]. Default 60s.
func WithTimeout(d time.Duration) Option {
	return func(n *Normalizer) { n.timeout = d }
}

// WithMaxAge sets the age past which [Normalizer.Sweep] removes leaked
// scratch files. Default 1 hour.
func WithMaxAge(d time.Duration) Option {
	return func(n *Normalizer) { n.maxAge = d }
}

// withTranscode replaces the engine invocation. Used by tests.
func withTranscode(fn transcodeFunc) Option {
	return func(n *Normalizer) { n.transcode = fn }
}

// NewNormalizer creates a Normalizer with the given options.
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{
		ffmpegPath: "ffmpeg",
		scratchDir: filepath.Join(os.TempDir(), "callguard-audio"),
		targetRate: defaultTargetRate,
		maxBytes:   defaultMaxBytes,
		timeout:    defaultTimeout,
		maxAge:     defaultMaxAge,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.transcode == nil {
		n.transcode = n.runFFmpeg
	}
	return n
}

// Validate checks buf and format against the normalizer's input constraints
// without touching the filesystem. It returns a [fraud.ValidationError] on
// rejection.
func (n *Normalizer) Validate(buf []byte, format Format) error {
	if !supported[format] {
		return fraud.Validationf("unsupported audio format %q", format)
	}
	if len(buf) < minBytes {
		return fraud.Validationf("audio buffer too small: %d bytes (minimum %d)", len(buf), minBytes)
	}
	if len(buf) > n.maxBytes {
		return fraud.Validationf("audio buffer too large: %d bytes (maximum %d)", len(buf), n.maxBytes)
	}
	return nil
}

// Normalize validates buf, writes it to a scoped scratch file, transcodes it
// to mono 16-bit PCM WAV at the target rate, and returns the result with its
// decoded metadata. Scratch files are removed on every path, success or
// failure. Engine failures surface as [fraud.ProcessingError] carrying the
// engine's diagnostic output.
func (n *Normalizer) Normalize(ctx context.Context, buf []byte, format Format) (*Normalized, error) {
	if err := n.Validate(buf, format); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(n.scratchDir, 0o755); err != nil {
		return nil, &fraud.ProcessingError{Stage: "scratch", Err: err}
	}

	id := uuid.NewString()
	inPath := filepath.Join(n.scratchDir, fmt.Sprintf("in_%s.%s", id, format))
	outPath := filepath.Join(n.scratchDir, fmt.Sprintf("out_%s.wav", id))
	defer func() {
		// Cleanup is unconditional; the sweep loop is only a safety net for
		// crashed invocations.
		if err := os.Remove(inPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("audio normalizer: remove scratch input", "path", inPath, "err", err)
		}
		if err := os.Remove(outPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("audio normalizer: remove scratch output", "path", outPath, "err", err)
		}
	}()

	if err := os.WriteFile(inPath, buf, 0o600); err != nil {
		return nil, &fraud.ProcessingError{Stage: "scratch", Err: err}
	}

	tctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	diag, err := n.transcode(tctx, inPath, outPath, n.targetRate)
	if err != nil {
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, &fraud.ProcessingError{Stage: "transcode", Err: fmt.Errorf("engine timed out after %s", n.timeout), Diag: diag}
		}
		return nil, &fraud.ProcessingError{Stage: "transcode", Err: err, Diag: diag}
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, &fraud.ProcessingError{Stage: "decode", Err: err}
	}

	info, err := DecodeWAVInfo(out)
	if err != nil {
		return nil, &fraud.ProcessingError{Stage: "decode", Err: err}
	}

	return &Normalized{
		WAV:            out,
		SampleRate:     info.SampleRate,
		Channels:       info.Channels,
		Duration:       info.Duration,
		OriginalFormat: format,
	}, nil
}

// runFFmpeg is the real engine invocation.
func (n *Normalizer) runFFmpeg(ctx context.Context, in, out string, rate int) (string, error) {
	cmd := exec.CommandContext(ctx, n.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-y",
		"-i", in,
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
		"-sample_fmt", "s16",
		"-f", "wav",
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return strings.TrimSpace(stderr.String()), fmt.Errorf("ffmpeg: %w", err)
	}
	return "", nil
}

// Sweep removes scratch files older than the configured max age, a
// best-effort safety net against files leaked by crashed invocations.
// It returns the number of files removed.
func (n *Normalizer) Sweep(now time.Time) int {
	entries, err := os.ReadDir(n.scratchDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("audio normalizer: sweep read dir", "dir", n.scratchDir, "err", err)
		}
		return 0
	}

	removed := 0
	cutoff := now.Add(-n.maxAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fi, err := entry.Info()
		if err != nil || fi.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(n.scratchDir, entry.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("audio normalizer: sweep remove", "path", path, "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("audio normalizer: swept leaked scratch files", "count", removed)
	}
	return removed
}

// SweepLoop runs [Normalizer.Sweep] at the given interval until ctx is
// cancelled. Run it in its own goroutine.
func (n *Normalizer) SweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n.Sweep(now)
		}
	}
}
