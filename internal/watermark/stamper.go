package watermark

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fogleman/gg"

	"github.com/promptvideos/api/internal/client"
	"github.com/promptvideos/api/internal/config"
	"github.com/promptvideos/api/internal/logger"
)

const suffix = "_watermarked"

// ErrFFmpegMissing is returned when the ffmpeg binary cannot be found.
var ErrFFmpegMissing = errors.New("ffmpeg not found")

// Path maps a video location to the key of its watermarked copy:
// videos/op123/sample_0.mp4 -> videos/op123/sample_0_watermarked.mp4
func Path(videoLocation string) string {
	key := client.ObjectKey(videoLocation)
	ext := path.Ext(key)
	stem := strings.TrimSuffix(key, ext)
	if strings.HasSuffix(stem, suffix) {
		return key
	}
	return stem + suffix + ext
}

// Stamper burns a corner badge into stored videos with ffmpeg.
type Stamper struct {
	storage    client.StorageGateway
	ffmpegPath string
	text       string
	timeout    time.Duration
	log        *logger.Logger
}

func NewStamper(storage client.StorageGateway, ffmpegPath string, cfg *config.WatermarkConfig, baseLog *logger.Logger) *Stamper {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Stamper{
		storage:    storage,
		ffmpegPath: ffmpegPath,
		text:       cfg.Text,
		timeout:    timeout,
		log:        baseLog.With("service", "WatermarkStamper"),
	}
}

// Apply writes the watermarked copy of videoLocation and returns its key.
// The source object is left as it is, so a repeated call starts from the
// clean clip and overwrites the same target.
func (s *Stamper) Apply(ctx context.Context, videoLocation string) (string, error) {
	if _, err := exec.LookPath(s.ffmpegPath); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFFmpegMissing, err)
	}
	target := Path(videoLocation)

	video, err := s.storage.Get(ctx, videoLocation)
	if err != nil {
		return "", fmt.Errorf("failed to download video: %w", err)
	}

	dir, err := os.MkdirTemp("", "watermark-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	ext := path.Ext(target)
	in := filepath.Join(dir, "in"+ext)
	badgePath := filepath.Join(dir, "badge.png")
	out := filepath.Join(dir, "out"+ext)

	if err := os.WriteFile(in, video, 0o600); err != nil {
		return "", fmt.Errorf("write temp video: %w", err)
	}
	badge, err := Badge(s.text)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(badgePath, badge, 0o600); err != nil {
		return "", fmt.Errorf("write badge: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-i", in, "-i", badgePath,
		"-filter_complex", "overlay=x=W-w-20:y=20:format=auto",
		"-c:a", "copy",
		"-y", out,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("ffmpeg failed: %w; out=%s", err, strings.TrimSpace(string(output)))
	}

	stamped, err := os.ReadFile(out)
	if err != nil {
		return "", fmt.Errorf("ffmpeg produced no video: %w", err)
	}
	if len(stamped) == 0 {
		return "", errors.New("ffmpeg produced an empty video")
	}
	if err := s.storage.Put(ctx, target, bytes.NewReader(stamped), "video/mp4"); err != nil {
		return "", fmt.Errorf("failed to upload watermarked video: %w", err)
	}
	s.log.Info("Watermarked video stored", "video_location", videoLocation, "watermarked_location", target)
	return target, nil
}

// Badge renders the overlay as a PNG: dark text on a translucent white
// plate sized to the text.
func Badge(text string) ([]byte, error) {
	if text == "" {
		text = "prompt-videos.com"
	}
	measure := gg.NewContext(1, 1)
	tw, th := measure.MeasureString(text)

	const pad = 10.0
	w, h := int(tw+2*pad), int(th+2*pad)
	dc := gg.NewContext(w, h)
	dc.SetRGBA(1, 1, 1, 0.78)
	dc.DrawRoundedRectangle(0, 0, float64(w), float64(h), 6)
	dc.Fill()

	dc.SetRGB(0.1, 0.1, 0.12)
	dc.DrawStringAnchored(text, float64(w)/2, float64(h)/2, 0.5, 0.5)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode badge: %w", err)
	}
	return buf.Bytes(), nil
}
