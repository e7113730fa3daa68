// Package events publishes pipeline notifications for downstream consumers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PostFinalized announces that a post became visible.
type PostFinalized struct {
	PostID      uuid.UUID `json:"post_id"`
	ArtistID    uuid.UUID `json:"artist_id"`
	Service     string    `json:"service"`
	RunID       uuid.UUID `json:"run_id"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// Publisher delivers post-finalized events. Implementations must tolerate
// duplicate delivery; the engine publishes best-effort.
type Publisher interface {
	PublishPostFinalized(ctx context.Context, ev PostFinalized) error
}

// Memory collects events in memory for tests and single-binary setups.
type Memory struct {
	mu     sync.Mutex
	events []PostFinalized
}

// NewMemory returns an empty in-memory publisher.
func NewMemory() *Memory {
	return &Memory{}
}

// PublishPostFinalized appends the event.
func (m *Memory) PublishPostFinalized(_ context.Context, ev PostFinalized) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []PostFinalized {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PostFinalized, len(m.events))
	copy(out, m.events)
	return out
}
