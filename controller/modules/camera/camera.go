package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os/exec"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nfnt/resize"
	"github.com/rs/zerolog/log"

	"github.com/codeponics/codeponics-pi/controller/modules/reporter"
	"github.com/codeponics/codeponics-pi/controller/settings"
)

// ErrEmptyFrame is returned when the capture produced no image data.
var ErrEmptyFrame = errors.New("camera returned an empty frame")

// Capturer grabs one JPEG frame.
type Capturer interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Uploader sends a frame to the backend.
type Uploader interface {
	SendPhoto(ctx context.Context, typ reporter.PhotoType, jpeg []byte) error
}

// Camera captures a frame, optionally downsizes it and uploads it.
type Camera struct {
	src         Capturer
	up          Uploader
	uploadWidth uint
	quality     int
}

func New(cfg settings.Camera, src Capturer, up Uploader) *Camera {
	q := cfg.Quality
	if q <= 0 || q > 100 {
		q = jpeg.DefaultQuality
	}
	return &Camera{src: src, up: up, uploadWidth: cfg.UploadWidth, quality: q}
}

// CaptureAndSend runs one capture for the tier. It blocks until the upload
// finished or failed.
func (c *Camera) CaptureAndSend(ctx context.Context, typ reporter.PhotoType) error {
	start := time.Now()
	frame, err := c.src.Capture(ctx)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if len(frame) == 0 {
		return ErrEmptyFrame
	}
	if c.uploadWidth > 0 {
		if frame, err = c.shrink(frame); err != nil {
			return fmt.Errorf("resize: %w", err)
		}
	}
	if err := c.up.SendPhoto(ctx, typ, frame); err != nil {
		return fmt.Errorf("upload %s photo: %w", typ, err)
	}
	log.Info().
		Str("type", string(typ)).
		Str("size", humanize.Bytes(uint64(len(frame)))).
		Dur("took", time.Since(start)).
		Msg("photo uploaded")
	return nil
}

func (c *Camera) shrink(frame []byte) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	if uint(img.Bounds().Dx()) <= c.uploadWidth {
		return frame, nil
	}
	small := resize.Resize(c.uploadWidth, 0, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, small, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Command captures through a still-capture CLI writing JPEG to stdout.
type Command struct {
	name    string
	args    []string
	timeout time.Duration
}

func NewCommand(cfg settings.Camera) *Command {
	args := []string{
		"-n",
		"--width", strconv.Itoa(cfg.Width),
		"--height", strconv.Itoa(cfg.Height),
		"-q", strconv.Itoa(cfg.Quality),
		"-t", "1000",
		"-o", "-",
	}
	args = append(args, cfg.Args...)
	return &Command{
		name:    cfg.Command,
		args:    args,
		timeout: time.Duration(cfg.Timeout * float64(time.Second)),
	}
}

func (c *Command) Capture(ctx context.Context) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w (%s)", c.name, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return out, nil
}

// Synthetic renders a gradient test frame, for dev mode.
type Synthetic struct {
	Width, Height int
}

func (s Synthetic) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / s.Width), G: 160, B: uint8(y * 255 / s.Height), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
