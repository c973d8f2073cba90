package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

var ErrNoProvider = errors.New("no OCR provider configured")

// Recognizer turns an encoded screen image into text.
type Recognizer interface {
	Recognize(ctx context.Context, imageData []byte) (string, error)
}

type Config struct {
	Provider     string        `mapstructure:"provider"`
	GoogleAPIKey string        `mapstructure:"google_api_key"`
	OpenAIAPIKey string        `mapstructure:"openai_api_key"`
	Language     string        `mapstructure:"language"`
	Timeout      time.Duration `mapstructure:"timeout"`
	// StaticText is returned by the "static" provider. Used for dry runs.
	StaticText string `mapstructure:"static_text"`
}

func NewConfig() *Config {
	return &Config{
		Provider: "none",
		Language: "kor",
		Timeout:  5 * time.Second,
	}
}

// NewRecognizer builds the engine named by cfg.Provider. "chain" uses every
// engine that has credentials, cloud engines first.
func NewRecognizer(cfg *Config, logger hclog.Logger) (Recognizer, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("ocr")

	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		logger.Info("text recognition disabled")
		return nil, nil
	case "static":
		return StaticRecognizer(cfg.StaticText), nil
	case "google":
		if cfg.GoogleAPIKey == "" {
			return nil, fmt.Errorf("google provider requires an API key: %w", ErrNoProvider)
		}
		logger.Info("Google Vision text detection enabled")
		return NewGoogleVisionClient(cfg.GoogleAPIKey, visionLanguage(cfg.Language), cfg.Timeout), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key: %w", ErrNoProvider)
		}
		logger.Info("OpenAI transcription enabled")
		return NewOpenAIClient(cfg.OpenAIAPIKey, cfg.Timeout), nil
	case "tesseract":
		t, err := NewTesseract(cfg.Language)
		if err != nil {
			return nil, err
		}
		logger.Info("tesseract enabled", "language", cfg.Language)
		return t, nil
	case "chain":
		var engines []Recognizer
		if cfg.GoogleAPIKey != "" {
			engines = append(engines, NewGoogleVisionClient(cfg.GoogleAPIKey, visionLanguage(cfg.Language), cfg.Timeout))
		}
		if cfg.OpenAIAPIKey != "" {
			engines = append(engines, NewOpenAIClient(cfg.OpenAIAPIKey, cfg.Timeout))
		}
		if t, err := NewTesseract(cfg.Language); err == nil {
			engines = append(engines, t)
		} else {
			logger.Debug("tesseract unavailable", "error", err)
		}
		if len(engines) == 0 {
			return nil, ErrNoProvider
		}
		logger.Info("OCR chain enabled", "engines", len(engines))
		return NewChain(logger, engines...), nil
	default:
		return nil, fmt.Errorf("unknown OCR provider %q", cfg.Provider)
	}
}

// visionLanguage maps tesseract language codes to the BCP-47 hints Google
// expects.
func visionLanguage(lang string) string {
	switch lang {
	case "kor":
		return "ko"
	case "eng":
		return "en"
	default:
		return lang
	}
}

// StaticRecognizer always returns the same text.
type StaticRecognizer string

func (s StaticRecognizer) Recognize(ctx context.Context, imageData []byte) (string, error) {
	return string(s), nil
}

// Chain tries engines in order and returns the first non-empty text.
type Chain struct {
	engines []Recognizer
	logger  hclog.Logger
}

func NewChain(logger hclog.Logger, engines ...Recognizer) *Chain {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Chain{engines: engines, logger: logger}
}

// Recognize returns an error only when every engine failed.
func (c *Chain) Recognize(ctx context.Context, imageData []byte) (string, error) {
	var errs []error
	for i, e := range c.engines {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := e.Recognize(ctx, imageData)
		if err != nil {
			c.logger.Warn("OCR engine failed", "engine", i, "error", err)
			errs = append(errs, err)
			continue
		}
		if text != "" {
			return text, nil
		}
	}
	if len(errs) == len(c.engines) && len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return "", nil
}
