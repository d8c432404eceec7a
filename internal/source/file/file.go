// Package file provides a StateSource that reads item states from a YAML or
// JSON document on disk. The file is re-read whenever its modification time
// changes, so edits are picked up by the next refresh.
//
// The document maps item ids to states:
//
//	sensor.temp:
//	  state: "21.5"
//	  attributes:
//	    unit_of_measurement: °C
//	  last_changed: "2024-01-01T00:00:00+00:00"
package file

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/toolhive-state-exporter/internal/record"
	"github.com/stacklok/toolhive-state-exporter/internal/source"
)

type entry struct {
	State       string         `yaml:"state"`
	Attributes  map[string]any `yaml:"attributes,omitempty"`
	LastChanged string         `yaml:"last_changed"`
}

// Source reads states from a file.
type Source struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
	states  map[string]source.State
}

var _ source.StateSource = (*Source)(nil)

// New creates a file source. The file is not read until the first Get.
func New(path string) (*Source, error) {
	if path == "" {
		return nil, fmt.Errorf("file path is required")
	}
	return &Source{path: filepath.Clean(path)}, nil
}

// Get implements source.StateSource.
func (s *Source) Get(ctx context.Context, itemID string) (*source.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reloadIfChanged(); err != nil {
		return nil, err
	}

	st, ok := s.states[itemID]
	if !ok {
		return nil, nil
	}
	st.Attributes = maps.Clone(st.Attributes)
	return &st, nil
}

func (s *Source) reloadIfChanged() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("failed to stat states file: %w", err)
	}
	if s.states != nil && info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read states file: %w", err)
	}

	var doc map[string]entry
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse states file %s: %w", s.path, err)
	}

	states := make(map[string]source.State, len(doc))
	for id, e := range doc {
		changed, err := record.ParseTimestamp(e.LastChanged)
		if err != nil {
			return fmt.Errorf("item %s: last_changed: %w", id, err)
		}
		states[id] = source.State{
			ItemID:      id,
			Value:       e.State,
			Attributes:  e.Attributes,
			LastChanged: changed,
		}
	}

	s.states = states
	s.modTime = info.ModTime()
	s.size = info.Size()
	return nil
}
