//go:build !tesseract

package ai

import (
	"context"
	"errors"
)

var ErrTesseractUnavailable = errors.New("tesseract support not compiled in (build with -tags tesseract)")

type Tesseract struct{}

func NewTesseract(language string) (*Tesseract, error) {
	return nil, ErrTesseractUnavailable
}

func (t *Tesseract) Recognize(ctx context.Context, imageData []byte) (string, error) {
	return "", ErrTesseractUnavailable
}

func (t *Tesseract) Close() error {
	return nil
}
