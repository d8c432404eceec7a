// Package homeassistant provides a StateSource that reads entity states from
// the Home Assistant REST API (GET /api/states/<entity_id>).
package homeassistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-logr/logr"
	"github.com/tidwall/gjson"

	"github.com/stacklok/toolhive-state-exporter/internal/httpclient"
	"github.com/stacklok/toolhive-state-exporter/internal/record"
	"github.com/stacklok/toolhive-state-exporter/internal/source"
)

// ErrUnauthorized is returned when Home Assistant rejects the access token.
var ErrUnauthorized = errors.New("home assistant rejected the access token")

// Source reads states from a Home Assistant instance.
type Source struct {
	baseURL string
	token   string
	client  httpclient.Client
}

var _ source.StateSource = (*Source)(nil)

// New creates a Home Assistant source. client may be nil to use a default client.
func New(baseURL, token string, client httpclient.Client) (*Source, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid home assistant url %q", baseURL)
	}
	if client == nil {
		client = httpclient.NewDefaultClient(0)
	}
	return &Source{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}, nil
}

// Get implements source.StateSource.
func (s *Source) Get(ctx context.Context, itemID string) (*source.State, error) {
	logger := logr.FromContextOrDiscard(ctx)

	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	endpoint := s.baseURL + "/api/states/" + url.PathEscape(itemID)
	resp, err := s.client.Do(ctx, &httpclient.Request{Method: http.MethodGet, URL: endpoint, Header: header})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch state of %s: %w", itemID, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		logger.V(1).Info("item unknown to home assistant", "item_id", itemID)
		return nil, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
	case !resp.OK():
		return nil, httpclient.NewHTTPErrorWithBody(resp.StatusCode, endpoint, resp.Status, resp.Body)
	}

	return parseState(itemID, resp.Body)
}

func parseState(itemID string, body []byte) (*source.State, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid state document for %s", itemID)
	}
	doc := gjson.ParseBytes(body)

	state := doc.Get("state")
	if !state.Exists() {
		return nil, fmt.Errorf("state document for %s has no state", itemID)
	}

	changed := doc.Get("last_changed")
	if !changed.Exists() {
		return nil, fmt.Errorf("state document for %s has no last_changed", itemID)
	}
	lastChanged, err := record.ParseTimestamp(changed.String())
	if err != nil {
		return nil, fmt.Errorf("state document for %s: %w", itemID, err)
	}

	var attrs map[string]any
	if a := doc.Get("attributes"); a.IsObject() {
		attrs, _ = a.Value().(map[string]any)
	}

	return &source.State{
		ItemID:      itemID,
		Value:       state.String(),
		Attributes:  attrs,
		LastChanged: lastChanged,
	}, nil
}
