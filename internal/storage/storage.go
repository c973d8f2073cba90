package storage

import (
	"io"
)

type FileInfo struct {
	// Filename is the stored name relative to the storage root. Empty means a
	// generated name.
	Filename    string
	ContentType string
	Size        int64
}

type Storage interface {
	SaveFile(r io.Reader, info FileInfo) (string, error)
	OpenFile(path string) (io.ReadSeekCloser, error)
	DeleteFile(path string) error
	List(pattern string) ([]string, error)
}
