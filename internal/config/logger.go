package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultLogMaxSizeMB  = 100
	defaultLogMaxBackups = 5
	defaultLogMaxAgeDays = 14
)

// LogConfig selects the slog handler and its sink. An empty File logs to stdout.
type LogConfig struct {
	Format     LogFormat
	Level      slog.Level
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (l LogConfig) withDefaults() LogConfig {
	if l.MaxSizeMB <= 0 {
		l.MaxSizeMB = defaultLogMaxSizeMB
	}
	if l.MaxBackups <= 0 {
		l.MaxBackups = defaultLogMaxBackups
	}
	if l.MaxAgeDays <= 0 {
		l.MaxAgeDays = defaultLogMaxAgeDays
	}
	return l
}

// Writer returns the log sink. The closer is a no-op for stdout.
func (l LogConfig) Writer() io.WriteCloser {
	if strings.TrimSpace(l.File) == "" {
		return nopCloser{os.Stdout}
	}
	return &lumberjack.Logger{
		Filename:   l.File,
		MaxSize:    l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// NewLogger builds the process logger. Callers close the returned closer on
// exit so a rotating file is flushed.
func NewLogger(cfg LogConfig) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.Level,
	}

	w := cfg.Writer()
	var handler slog.Handler
	switch cfg.Format {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		_ = w.Close()
		return nil, nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	return slog.New(handler), w, nil
}
