// Package cache defines the aggregate-invalidation hook the pipeline calls
// when finalize or purge changes what readers should see. Read caching
// itself lives outside the pipeline; the hook keeps whatever cache sits in
// front of the database honest.
package cache

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Invalidator receives change notifications for cached aggregates.
type Invalidator interface {
	InvalidArtist(ctx context.Context, artistID uuid.UUID)
	InvalidPost(ctx context.Context, postID uuid.UUID)
}

// Noop ignores every notification.
type Noop struct{}

func (Noop) InvalidArtist(context.Context, uuid.UUID) {}
func (Noop) InvalidPost(context.Context, uuid.UUID)   {}

// Memory records invalidations for tests.
type Memory struct {
	mu      sync.Mutex
	artists []uuid.UUID
	posts   []uuid.UUID
}

// NewMemory returns an empty recording invalidator.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) InvalidArtist(_ context.Context, artistID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artists = append(m.artists, artistID)
}

func (m *Memory) InvalidPost(_ context.Context, postID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts = append(m.posts, postID)
}

// Artists returns the artist ids invalidated so far.
func (m *Memory) Artists() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uuid.UUID, len(m.artists))
	copy(out, m.artists)
	return out
}

// Posts returns the post ids invalidated so far.
func (m *Memory) Posts() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uuid.UUID, len(m.posts))
	copy(out, m.posts)
	return out
}
