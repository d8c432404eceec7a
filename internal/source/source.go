// Package source defines the live source of truth for tracked items: given an
// item identifier it returns the item's current value, attributes and
// last-changed time.
package source

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_source.go -package=mocks -source=source.go StateSource

// State is the current state of one tracked item.
type State struct {
	ItemID      string
	Value       string
	Attributes  map[string]any
	LastChanged time.Time
}

// StateSource resolves current item states.
type StateSource interface {
	// Get returns the current state of itemID, or nil with no error when the
	// source does not know the item.
	Get(ctx context.Context, itemID string) (*State, error)
}
