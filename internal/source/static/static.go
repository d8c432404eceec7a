// Package static provides an in-process StateSource backed by a map.
package static

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/stacklok/toolhive-state-exporter/internal/source"
)

// Source serves states set through Set. It is safe for concurrent use.
type Source struct {
	mu     sync.RWMutex
	states map[string]source.State
}

var _ source.StateSource = (*Source)(nil)

// New creates an empty source.
func New() *Source {
	return &Source{states: make(map[string]source.State)}
}

// Set records the current state of itemID.
func (s *Source) Set(itemID, value string, attributes map[string]any, lastChanged time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[itemID] = source.State{
		ItemID:      itemID,
		Value:       value,
		Attributes:  maps.Clone(attributes),
		LastChanged: lastChanged,
	}
}

// Delete forgets itemID.
func (s *Source) Delete(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, itemID)
}

// Get implements source.StateSource.
func (s *Source) Get(ctx context.Context, itemID string) (*source.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[itemID]
	if !ok {
		return nil, nil
	}
	st.Attributes = maps.Clone(st.Attributes)
	return &st, nil
}
