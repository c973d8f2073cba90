//go:build tesseract

package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"
)

// Tesseract runs OCR locally. A gosseract client is not safe for concurrent
// use, so calls are serialized.
type Tesseract struct {
	mu     sync.Mutex
	client *gosseract.Client
}

func NewTesseract(language string) (*Tesseract, error) {
	client := gosseract.NewClient()
	if language == "" {
		language = "kor"
	}
	if err := client.SetLanguage(strings.Split(language, "+")...); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	return &Tesseract{client: client}, nil
}

func (t *Tesseract) Recognize(ctx context.Context, imageData []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.client.SetImageFromBytes(imageData); err != nil {
		return "", fmt.Errorf("failed to load image: %w", err)
	}
	text, err := t.client.Text()
	if err != nil {
		return "", fmt.Errorf("failed to recognize text: %w", err)
	}
	return strings.TrimSpace(text), nil
}

func (t *Tesseract) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client.Close()
}
