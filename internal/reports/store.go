package reports

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for an unknown report filename
	ErrNotFound = errors.New("report not found")
	// ErrInvalidFilename is returned for names that were not issued by a store
	ErrInvalidFilename = errors.New("invalid report filename")
)

// SaveRequest is a finished report to persist
type SaveRequest struct {
	SessionID string
	Question  string
	Content   string
	Models    []string
	WordCount int
}

// Meta describes a stored report
type Meta struct {
	Filename  string    `json:"filename" db:"filename"`
	SessionID string    `json:"sessionId,omitempty" db:"session_id"`
	Question  string    `json:"question" db:"question"`
	Models    []string  `json:"models" db:"-"`
	WordCount int       `json:"wordCount" db:"word_count"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Report is a stored report with its content
type Report struct {
	Meta
	Content string `json:"content"`
}

// Store persists final reports
type Store interface {
	Save(ctx context.Context, req SaveRequest) (string, error)
	Get(ctx context.Context, filename string) (*Report, error)
	List(ctx context.Context, limit int) ([]Meta, error)
	Name() string
	Close() error
}

var (
	slugStrip      = regexp.MustCompile(`[^a-z0-9]+`)
	filenamePolicy = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,120}\.md$`)
)

// NewFilename derives a unique, URL-safe report name from question
func NewFilename(question string, at time.Time) string {
	slug := strings.Trim(slugStrip.ReplaceAllString(strings.ToLower(question), "-"), "-")
	if len(slug) > 60 {
		slug = strings.TrimRight(slug[:60], "-")
	}
	if slug == "" {
		slug = "research"
	}
	return fmt.Sprintf("%s-%s-%s.md", slug, at.UTC().Format("20060102-150405"), uuid.NewString()[:8])
}

// ValidFilename reports whether name is safe to look up
func ValidFilename(name string) bool {
	return filenamePolicy.MatchString(name)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 20
	}
	return limit
}
