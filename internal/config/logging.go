package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds a logrus.Logger from c. The returned closer releases a
// log file, if any.
func NewLogger(c LogConfig) (*logrus.Logger, io.Closer, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("config: log level: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	switch strings.ToLower(c.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, nil, fmt.Errorf("config: unknown log format %q", c.Format)
	}

	out, closer, err := openOutput(c)
	if err != nil {
		return nil, nil, err
	}
	logger.SetOutput(out)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openOutput(c LogConfig) (io.Writer, io.Closer, error) {
	switch strings.ToLower(c.Output) {
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	case "stderr", "":
		return os.Stderr, nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(c.Output), 0o755); err != nil {
		return nil, nil, fmt.Errorf("config: log dir: %w", err)
	}
	if c.Rotation.MaxSizeMB > 0 {
		lj := &lumberjack.Logger{
			Filename:   c.Output,
			MaxSize:    c.Rotation.MaxSizeMB,
			MaxBackups: c.Rotation.MaxBackups,
			MaxAge:     c.Rotation.MaxAgeDays,
			Compress:   c.Rotation.Compress,
		}
		return lj, lj, nil
	}
	f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("config: open log file: %w", err)
	}
	return f, f, nil
}
