package logging

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

type Config struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// New builds the root logger. Components derive named children from it.
func New(cfg Config, w io.Writer) hclog.Logger {
	if w == nil {
		w = os.Stderr
	}

	level := hclog.LevelFromString(strings.TrimSpace(cfg.Level))
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       "callpilot",
		Level:      level,
		Output:     w,
		JSONFormat: cfg.JSON,
	})
}

// Discard returns a logger that drops everything, used by tests and the
// offline analyze command.
func Discard() hclog.Logger {
	return hclog.NewNullLogger()
}
