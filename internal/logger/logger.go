// Package logger sets up the process-wide structured logger.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// InitLog returns a JSON logger writing to stderr at the given level.
func InitLog(level string) *zerolog.Logger {
	return New(os.Stderr, level)
}

// New returns a JSON logger writing to w; an unknown level falls back to info.
func New(w io.Writer, level string) *zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &logger
}
