package session

import (
	"context"
	"time"
)

// Store persists research sessions. Implementations must make Update atomic
// per session id.
type Store interface {
	// Create stores a new pending session at 0% and returns it
	Create(ctx context.Context, question string, mode Mode) (*ResearchSession, error)
	// Get returns a copy of the session or ErrSessionNotFound
	Get(ctx context.Context, id string) (*ResearchSession, error)
	// Update applies fn to the session under the per-id lock and stores the result
	Update(ctx context.Context, id string, fn func(*ResearchSession) error) (*ResearchSession, error)
	// Delete removes the session or returns ErrSessionNotFound
	Delete(ctx context.Context, id string) error
	// FindResumable returns the newest non-terminal session for question
	// created after since, or ErrSessionNotFound
	FindResumable(ctx context.Context, question string, since time.Time) (*ResearchSession, error)
	// Flush writes buffered updates to the durable backend
	Flush(ctx context.Context) error
	// Sweep deletes terminal sessions not updated since the cutoff
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
	// Ping checks the durable backend
	Ping(ctx context.Context) error
	// Start launches the autosave and retention loops
	Start(ctx context.Context)
	// Close stops background loops and flushes pending writes
	Close(ctx context.Context) error
}

// Backend is the durable layer behind the cached Manager
type Backend interface {
	Save(ctx context.Context, s *ResearchSession) error
	Load(ctx context.Context, id string) (*ResearchSession, error)
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]*ResearchSession, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options tunes the background behaviour of a Manager
type Options struct {
	AutosaveInterval time.Duration
	SweepInterval    time.Duration
	Retention        time.Duration
	// CacheTTL bounds how long clean terminal sessions stay in memory when a
	// durable backend holds them
	CacheTTL time.Duration
}

// DefaultOptions returns the settings used when the config omits them
func DefaultOptions() Options {
	return Options{
		AutosaveInterval: 5 * time.Second,
		SweepInterval:    10 * time.Minute,
		Retention:        7 * 24 * time.Hour,
		CacheTTL:         30 * time.Minute,
	}
}
