package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kdimtricp/callpilot/internal/events"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

var extensions = map[string]string{
	"png":  ".png",
	"jpeg": ".jpg",
	"gif":  ".gif",
}

// Archive keeps the encoded frame of every accepted job, named by decision id.
type Archive struct {
	store Storage
}

func NewArchive(store Storage) *Archive {
	return &Archive{store: store}
}

// Record stores the frame behind an accepted decision. Rejections and
// decisions without an encoded frame are ignored.
func (a *Archive) Record(ctx context.Context, d events.Decision) error {
	if !d.Accept || d.Frame == nil || len(d.Frame.Encoded) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ext, ok := extensions[d.Frame.Format]
	if !ok {
		ext = ".bin"
	}

	_, err := a.store.SaveFile(bytes.NewReader(d.Frame.Encoded), FileInfo{
		Filename:    d.ID + ext,
		ContentType: ContentType(ext),
		Size:        int64(len(d.Frame.Encoded)),
	})
	if err != nil {
		return fmt.Errorf("archiving frame for %s: %w", d.ID, err)
	}
	return nil
}

// Open returns the archived frame for decisionID and its content type.
func (a *Archive) Open(decisionID string) (io.ReadSeekCloser, string, error) {
	names, err := a.store.List(decisionID + ".*")
	if err != nil {
		return nil, "", err
	}
	if len(names) == 0 {
		return nil, "", ErrSnapshotNotFound
	}

	f, err := a.store.OpenFile(names[0])
	if err != nil {
		return nil, "", err
	}
	return f, ContentType(names[0][len(decisionID):]), nil
}

func ContentType(ext string) string {
	switch ext {
	case ".png":
		return "image/png"
	case ".jpg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

var _ events.Sink = (*Archive)(nil)
