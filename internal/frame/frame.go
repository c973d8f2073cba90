package frame

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"time"
)

var ErrEmpty = errors.New("empty frame data")

// Frame is one captured screen image. It is treated as immutable once built:
// pipeline stages read Image and Encoded but never modify them.
type Frame struct {
	SessionID  string
	CapturedAt time.Time
	Width      int
	Height     int
	Format     string
	Image      image.Image
	Encoded    []byte
}

func Decode(sessionID string, data []byte, capturedAt time.Time) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}

	b := img.Bounds()
	return &Frame{
		SessionID:  sessionID,
		CapturedAt: capturedAt,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Format:     format,
		Image:      img,
		Encoded:    data,
	}, nil
}

// FromImage wraps an already decoded image. Encoded stays empty until
// Bytes is called.
func FromImage(sessionID string, img image.Image, capturedAt time.Time) *Frame {
	b := img.Bounds()
	return &Frame{
		SessionID:  sessionID,
		CapturedAt: capturedAt,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Format:     "raw",
		Image:      img,
	}
}

// Bytes returns the encoded form of the frame, encoding to JPEG when the frame
// was built from a raw image.
func (f *Frame) Bytes() ([]byte, error) {
	if len(f.Encoded) > 0 {
		return f.Encoded, nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Source produces frames. The server receives frames over the session
// transport; other sources (files, capture devices) implement this for
// offline use.
type Source interface {
	Next(ctx context.Context) (*Frame, error)
}

type FileSource struct {
	sessionID string
	paths     []string
	next      int
}

func NewFileSource(sessionID string, paths ...string) *FileSource {
	return &FileSource{sessionID: sessionID, paths: paths}
}

// Next returns io.EOF once every file has been read.
func (s *FileSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.paths) {
		return nil, io.EOF
	}

	path := s.paths[s.next]
	s.next++

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame %s: %w", path, err)
	}

	info, err := os.Stat(path)
	capturedAt := time.Now()
	if err == nil {
		capturedAt = info.ModTime()
	}

	return Decode(s.sessionID, data, capturedAt)
}
