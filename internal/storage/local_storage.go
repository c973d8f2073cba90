package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

type LocalStorage struct {
	basePath string
}

func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

func (ls *LocalStorage) SaveFile(r io.Reader, info FileInfo) (string, error) {
	filename := info.Filename
	if filename == "" {
		filename = uuid.New().String() + ".bin"
	}
	fullPath, err := ls.resolve(filename)
	if err != nil {
		return "", err
	}

	// Write to a temp file first so readers never see a partial frame.
	tmp, err := os.CreateTemp(ls.basePath, ".partial-*")
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to save file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}

	return filename, nil
}

func (ls *LocalStorage) OpenFile(path string) (io.ReadSeekCloser, error) {
	fullPath, err := ls.resolve(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

func (ls *LocalStorage) DeleteFile(path string) error {
	fullPath, err := ls.resolve(path)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// List returns stored names matching a filepath.Match pattern, sorted.
func (ls *LocalStorage) List(pattern string) ([]string, error) {
	if strings.Contains(pattern, "..") || strings.ContainsRune(pattern, filepath.Separator) {
		return nil, fmt.Errorf("invalid pattern")
	}

	matches, err := filepath.Glob(filepath.Join(ls.basePath, pattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	names := make([]string, 0, len(matches))
	for _, m := range matches {
		name := filepath.Base(m)
		if strings.HasPrefix(name, ".partial-") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (ls *LocalStorage) resolve(path string) (string, error) {
	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") || filepath.IsAbs(cleanPath) {
		return "", fmt.Errorf("invalid path")
	}
	return filepath.Join(ls.basePath, cleanPath), nil
}
