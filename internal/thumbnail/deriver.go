package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
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

// ErrFFmpegMissing is returned when the ffmpeg binary cannot be found and
// placeholders are disabled.
var ErrFFmpegMissing = errors.New("ffmpeg not found")

// Path maps a video location to its thumbnail key:
// videos/op123/sample_0.mp4 -> thumbnails/op123_sample_0.jpg
func Path(videoLocation string) string {
	key := client.ObjectKey(videoLocation)
	key = strings.TrimPrefix(key, "videos/")
	key = strings.TrimSuffix(key, path.Ext(key))
	return "thumbnails/" + strings.ReplaceAll(key, "/", "_") + ".jpg"
}

// Deriver extracts one frame from a stored video and stores it as a JPEG
// next to the other thumbnails.
type Deriver struct {
	storage     client.StorageGateway
	ffmpegPath  string
	seekSeconds int
	timeout     time.Duration
	placeholder bool
	log         *logger.Logger
}

func NewDeriver(storage client.StorageGateway, cfg *config.ThumbnailConfig, baseLog *logger.Logger) *Deriver {
	ffmpegPath := cfg.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Deriver{
		storage:     storage,
		ffmpegPath:  ffmpegPath,
		seekSeconds: cfg.SeekSeconds,
		timeout:     timeout,
		placeholder: cfg.Placeholder,
		log:         baseLog.With("service", "ThumbnailDeriver"),
	}
}

// Derive writes the thumbnail for videoLocation and returns its key. The key
// is a pure function of the video location, so running it twice overwrites.
func (d *Deriver) Derive(ctx context.Context, videoLocation string) (string, error) {
	target := Path(videoLocation)

	var (
		img []byte
		err error
	)
	if _, lookErr := exec.LookPath(d.ffmpegPath); lookErr != nil {
		if !d.placeholder {
			return "", fmt.Errorf("%w: %v", ErrFFmpegMissing, lookErr)
		}
		d.log.Warn("ffmpeg not available, rendering placeholder thumbnail", "video_location", videoLocation)
		img, err = Placeholder(640, 360)
	} else {
		img, err = d.extract(ctx, videoLocation)
		if err != nil && d.placeholder && !errors.Is(err, client.ErrObjectNotFound) && ctx.Err() == nil {
			d.log.Warn("Frame extraction failed, rendering placeholder thumbnail", "video_location", videoLocation, "error", err)
			img, err = Placeholder(640, 360)
		}
	}
	if err != nil {
		return "", err
	}

	if err := d.storage.Put(ctx, target, bytes.NewReader(img), "image/jpeg"); err != nil {
		return "", fmt.Errorf("failed to upload thumbnail: %w", err)
	}
	d.log.Info("Thumbnail stored", "video_location", videoLocation, "thumbnail_location", target)
	return target, nil
}

func (d *Deriver) extract(ctx context.Context, videoLocation string) ([]byte, error) {
	video, err := d.storage.Get(ctx, videoLocation)
	if err != nil {
		return nil, fmt.Errorf("failed to download video: %w", err)
	}

	dir, err := os.MkdirTemp("", "thumb-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in"+path.Ext(client.ObjectKey(videoLocation)))
	out := filepath.Join(dir, "out.jpg")
	if err := os.WriteFile(in, video, 0o600); err != nil {
		return nil, fmt.Errorf("write temp video: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.runFFmpeg(ctx, in, out, d.seekSeconds); err != nil {
		return nil, err
	}
	if info, statErr := os.Stat(out); (statErr != nil || info.Size() == 0) && d.seekSeconds > 0 {
		// clip shorter than the seek offset; take the first frame instead
		if err := d.runFFmpeg(ctx, in, out, 0); err != nil {
			return nil, err
		}
	}

	img, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg produced no frame: %w", err)
	}
	if len(img) == 0 {
		return nil, errors.New("ffmpeg produced an empty frame")
	}
	return img, nil
}

func (d *Deriver) runFFmpeg(ctx context.Context, in, out string, seek int) error {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if seek > 0 {
		args = append(args, "-ss", formatSeek(seek))
	}
	args = append(args, "-i", in, "-vframes", "1", "-q:v", "2", "-y", out)

	cmd := exec.CommandContext(ctx, d.ffmpegPath, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w; out=%s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// formatSeek renders seconds as HH:MM:SS.
func formatSeek(seconds int) string {
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds/60)%60, seconds%60)
}

// Placeholder renders a neutral JPEG still with a play glyph.
func Placeholder(width, height int) ([]byte, error) {
	dc := gg.NewContext(width, height)
	dc.SetHexColor("#1f2430")
	dc.DrawRectangle(0, 0, float64(width), float64(height))
	dc.Fill()

	cx, cy := float64(width)/2, float64(height)/2
	r := float64(height) / 6
	dc.SetHexColor("#3a4152")
	dc.DrawCircle(cx, cy, r*1.6)
	dc.Fill()

	dc.SetHexColor("#e8ebf2")
	dc.MoveTo(cx-r*0.6, cy-r)
	dc.LineTo(cx+r, cy)
	dc.LineTo(cx-r*0.6, cy+r)
	dc.ClosePath()
	dc.Fill()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dc.Image(), &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
