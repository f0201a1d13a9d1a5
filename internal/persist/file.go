package persist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// FileSink writes <dir>/<style>.txt.
type FileSink struct {
	dir    string
	logger *zap.Logger
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string, logger *zap.Logger) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("persist: file sink needs a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: create %s: %w", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSink{dir: dir, logger: logger.Named("persist.file")}, nil
}

// Write replaces the file atomically so readers never see half a report.
func (s *FileSink) Write(ctx context.Context, text, style string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := filepath.Join(s.dir, ObjectName(style))
	tmp, err := os.CreateTemp(s.dir, ".report-*")
	if err != nil {
		return fmt.Errorf("persist: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("persist: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("persist: rename to %s: %w", path, err)
	}

	s.logger.Debug("report written", zap.String("path", path), zap.Int("bytes", len(text)))
	return nil
}
