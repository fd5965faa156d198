package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const sidecarSuffix = ".json"

// FileStore writes each report as markdown with a JSON metadata sidecar
type FileStore struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
}

// NewFileStore creates dir when needed
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		dir = "reports"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report dir: %w", err)
	}
	return &FileStore{dir: dir, logger: logger, now: time.Now}, nil
}

func (s *FileStore) Name() string { return "file" }

func (s *FileStore) Close() error { return nil }

func (s *FileStore) Save(ctx context.Context, req SaveRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := s.now()
	name := NewFilename(req.Question, now)
	meta := Meta{
		Filename:  name,
		SessionID: req.SessionID,
		Question:  req.Question,
		Models:    req.Models,
		WordCount: req.WordCount,
		CreatedAt: now.UTC(),
	}
	if meta.Models == nil {
		meta.Models = []string{}
	}
	sidecar, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report metadata: %w", err)
	}

	if err := writeAtomic(filepath.Join(s.dir, name), []byte(req.Content)); err != nil {
		return "", err
	}
	if err := writeAtomic(filepath.Join(s.dir, name+sidecarSuffix), sidecar); err != nil {
		_ = os.Remove(filepath.Join(s.dir, name))
		return "", err
	}
	s.logger.Info("Report saved",
		zap.String("filename", name),
		zap.String("session_id", req.SessionID),
	)
	return name, nil
}

// writeAtomic writes through a temp file and rename
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move report into place: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, filename string) (*Report, error) {
	if !ValidFilename(filename) {
		return nil, ErrInvalidFilename
	}
	content, err := os.ReadFile(filepath.Join(s.dir, filename))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	meta, err := s.readMeta(filename)
	if err != nil {
		return nil, err
	}
	return &Report{Meta: *meta, Content: string(content)}, nil
}

func (s *FileStore) readMeta(filename string) (*Meta, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, filename+sidecarSuffix))
	if errors.Is(err, fs.ErrNotExist) {
		// Reports copied in by hand have no sidecar
		info, statErr := os.Stat(filepath.Join(s.dir, filename))
		if statErr != nil {
			return nil, ErrNotFound
		}
		return &Meta{Filename: filename, Models: []string{}, CreatedAt: info.ModTime().UTC()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read report metadata: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode report metadata: %w", err)
	}
	return &meta, nil
}

func (s *FileStore) List(ctx context.Context, limit int) ([]Meta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	var out []Meta
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") || !ValidFilename(name) {
			continue
		}
		meta, err := s.readMeta(name)
		if err != nil {
			s.logger.Warn("Skipping unreadable report", zap.String("filename", name), zap.Error(err))
			continue
		}
		out = append(out, *meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
