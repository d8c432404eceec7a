package helpers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// EntityState is one Home Assistant state document
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
}

// MockHomeAssistant serves GET /api/states/{entity_id} from a mutable map
type MockHomeAssistant struct {
	Server *httptest.Server
	token  string

	mu     sync.Mutex
	states map[string]EntityState
	hits   map[string]int
}

// MockHomeAssistantBuilder provides a fluent interface for building a mock
// Home Assistant instance
type MockHomeAssistantBuilder struct {
	token  string
	states map[string]EntityState
}

// NewMockHomeAssistantBuilder creates a new builder
func NewMockHomeAssistantBuilder() *MockHomeAssistantBuilder {
	return &MockHomeAssistantBuilder{states: make(map[string]EntityState)}
}

// WithToken requires a bearer token on every request
func (b *MockHomeAssistantBuilder) WithToken(token string) *MockHomeAssistantBuilder {
	b.token = token
	return b
}

// WithState adds an entity state
func (b *MockHomeAssistantBuilder) WithState(entityID, state string, attrs map[string]any, changed time.Time) *MockHomeAssistantBuilder {
	b.states[entityID] = newEntityState(entityID, state, attrs, changed)
	return b
}

// Build creates and starts the mock server
func (b *MockHomeAssistantBuilder) Build() *MockHomeAssistant {
	m := &MockHomeAssistant{token: b.token, states: b.states, hits: make(map[string]int)}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL is the base URL to put in the exporter configuration
func (m *MockHomeAssistant) URL() string {
	return m.Server.URL
}

// Close stops the server
func (m *MockHomeAssistant) Close() {
	m.Server.Close()
}

// SetState replaces the state of an entity
func (m *MockHomeAssistant) SetState(entityID, state string, attrs map[string]any, changed time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[entityID] = newEntityState(entityID, state, attrs, changed)
}

// Hits is the number of requests made for an entity
func (m *MockHomeAssistant) Hits(entityID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[entityID]
}

func (m *MockHomeAssistant) serve(w http.ResponseWriter, r *http.Request) {
	if m.token != "" && r.Header.Get("Authorization") != "Bearer "+m.token {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
		return
	}

	entityID, ok := strings.CutPrefix(r.URL.Path, "/api/states/")
	if !ok || r.Method != http.MethodGet {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	m.mu.Lock()
	m.hits[entityID]++
	st, found := m.states[entityID]
	m.mu.Unlock()

	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Entity not found."})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func newEntityState(entityID, state string, attrs map[string]any, changed time.Time) EntityState {
	if attrs == nil {
		attrs = map[string]any{}
	}
	return EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attrs,
		LastChanged: changed.UTC().Format(time.RFC3339Nano),
	}
}
