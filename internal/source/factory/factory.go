// Package factory builds a source.StateSource from configuration.
package factory

import (
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/toolhive-state-exporter/internal/config"
	"github.com/stacklok/toolhive-state-exporter/internal/httpclient"
	"github.com/stacklok/toolhive-state-exporter/internal/record"
	"github.com/stacklok/toolhive-state-exporter/internal/source"
	"github.com/stacklok/toolhive-state-exporter/internal/source/file"
	"github.com/stacklok/toolhive-state-exporter/internal/source/homeassistant"
	"github.com/stacklok/toolhive-state-exporter/internal/source/static"
)

// New creates the state source described by cfg.
func New(cfg *config.SourceConfig, client httpclient.Client) (source.StateSource, error) {
	if cfg == nil {
		return nil, fmt.Errorf("source configuration is required")
	}

	switch cfg.Type {
	case config.SourceTypeHomeAssistant:
		token, err := cfg.GetToken()
		if err != nil && !errors.Is(err, config.ErrNoCredential) {
			return nil, fmt.Errorf("failed to get home assistant token: %w", err)
		}
		return homeassistant.New(cfg.URL, token, client)

	case config.SourceTypeFile:
		return file.New(cfg.Path)

	case config.SourceTypeStatic:
		src := static.New()
		loadedAt := time.Now().UTC()
		for id, st := range cfg.States {
			changed := loadedAt
			if st.LastChanged != "" {
				t, err := record.ParseTimestamp(st.LastChanged)
				if err != nil {
					return nil, fmt.Errorf("static state %s: %w", id, err)
				}
				changed = t
			}
			src.Set(id, st.State, st.Attributes, changed)
		}
		return src, nil

	default:
		return nil, fmt.Errorf("unsupported source type: %s", cfg.Type)
	}
}
