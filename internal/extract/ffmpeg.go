package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/tendant/simple-thumbnail-dvm/pkg/dvm"
)

// ErrNoVideoStream is returned when the probed source carries no video stream
var ErrNoVideoStream = errors.New("no video stream in source")

const (
	defaultMaxEdge = 1280
	defaultTimeout = 2 * time.Minute
	jpegQuality    = 85
)

// Metadata is the technical description of a source video. Zero values mean
// the field was not reported.
type Metadata struct {
	Width    int
	Height   int
	Duration time.Duration
	Size     int64
}

// Options configure the ffmpeg tool wrapper
type Options struct {
	FFmpegPath  string
	FFprobePath string
	MaxEdge     int
	Timeout     time.Duration
}

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// FFmpeg uses the local ffprobe/ffmpeg binaries to inspect videos and grab frames.
type FFmpeg struct {
	ffmpeg  string
	ffprobe string
	maxEdge int
	timeout time.Duration
	run     runFunc
}

// NewFFmpeg creates a new extractor. Binaries default to whatever is in PATH.
func NewFFmpeg(opts Options) *FFmpeg {
	f := &FFmpeg{
		ffmpeg:  opts.FFmpegPath,
		ffprobe: opts.FFprobePath,
		maxEdge: opts.MaxEdge,
		timeout: opts.Timeout,
		run:     runCommand,
	}
	if f.ffmpeg == "" {
		f.ffmpeg = "ffmpeg"
	}
	if f.ffprobe == "" {
		f.ffprobe = "ffprobe"
	}
	if f.maxEdge <= 0 {
		f.maxEdge = defaultMaxEdge
	}
	if f.timeout <= 0 {
		f.timeout = defaultTimeout
	}
	return f
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w, stderr: %s", filepath.Base(name), err, strings.TrimSpace(stderr.String()))
	}
	return out.Bytes(), nil
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
}

// Metadata runs ffprobe against src and reports dimensions, duration and container size.
func (f *FFmpeg) Metadata(ctx context.Context, src string) (*Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	out, err := f.run(ctx, f.ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		src,
	)
	if err != nil {
		return nil, err
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (*Metadata, error) {
	var probe probeOutput
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	meta := &Metadata{}
	hasVideo := false
	for _, s := range probe.Streams {
		if s.CodecType == "video" {
			meta.Width, meta.Height = s.Width, s.Height
			hasVideo = true
			break
		}
	}
	if !hasVideo {
		return nil, ErrNoVideoStream
	}

	// Whole seconds only, fractional part is dropped
	if whole, _, _ := strings.Cut(probe.Format.Duration, "."); whole != "" {
		if secs, err := strconv.ParseInt(whole, 10, 64); err == nil && secs > 0 {
			meta.Duration = time.Duration(secs) * time.Second
		}
	}
	if probe.Format.Size != "" {
		if size, err := strconv.ParseInt(probe.Format.Size, 10, 64); err == nil && size > 0 {
			meta.Size = size
		}
	}
	return meta, nil
}

// Positions returns count evenly spaced seek offsets strictly inside duration
func Positions(duration time.Duration, count int) []time.Duration {
	positions := make([]time.Duration, count)
	for i := range positions {
		positions[i] = duration * time.Duration(i+1) / time.Duration(count+1)
	}
	return positions
}

// Workspace names the scratch files of one job
type Workspace interface {
	Dir() string
	Path(name string) (string, error)
}

// Thumbnails grabs count frames from src and writes them into ws encoded as
// format. Paths are returned in timeline order.
func (f *FFmpeg) Thumbnails(ctx context.Context, src string, duration time.Duration, count int, format dvm.ImageFormat, ws Workspace) ([]string, error) {
	if count <= 0 {
		return nil, fmt.Errorf("invalid thumbnail count %d", count)
	}

	paths := make([]string, 0, count)
	for i, pos := range Positions(duration, count) {
		framePath, err := ws.Path(fmt.Sprintf("frame-%02d.png", i+1))
		if err != nil {
			return nil, err
		}
		if err := f.grabFrame(ctx, src, pos, framePath); err != nil {
			return nil, fmt.Errorf("frame %d at %s: %w", i+1, pos, err)
		}

		thumbPath, err := ws.Path(fmt.Sprintf("thumb-%02d.%s", i+1, format.Extension()))
		if err != nil {
			return nil, err
		}
		if err := f.encode(framePath, thumbPath, format); err != nil {
			return nil, fmt.Errorf("frame %d: %w", i+1, err)
		}
		if thumbPath != framePath {
			os.Remove(framePath)
		}
		paths = append(paths, thumbPath)
	}
	return paths, nil
}

func (f *FFmpeg) grabFrame(ctx context.Context, src string, pos time.Duration, out string) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	_, err := f.run(ctx, f.ffmpeg,
		"-hide_banner",
		"-loglevel", "error",
		"-ss", strconv.FormatFloat(pos.Seconds(), 'f', 3, 64),
		"-i", src,
		"-frames:v", "1",
		"-f", "image2",
		"-y",
		out,
	)
	return err
}

// encode re-encodes a grabbed frame, shrinking it to fit the max edge
func (f *FFmpeg) encode(in, out string, format dvm.ImageFormat) error {
	img, err := imaging.Open(in)
	if err != nil {
		return fmt.Errorf("failed to open frame: %w", err)
	}
	img = fit(img, f.maxEdge)

	file, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create thumbnail: %w", err)
	}
	defer file.Close()

	if format == dvm.FormatPNG {
		err = imaging.Encode(file, img, imaging.PNG)
	} else {
		err = imaging.Encode(file, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality))
	}
	if err != nil {
		return fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return file.Close()
}

func fit(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	if b.Dx() <= maxEdge && b.Dy() <= maxEdge {
		return img
	}
	return imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
}
