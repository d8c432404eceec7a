package helpers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/stacklok/toolhive-state-exporter/internal/remote"
	"github.com/stacklok/toolhive-state-exporter/internal/remote/inmemory"
)

// FakeSupabase serves the subset of the PostgREST API the exporter uses,
// backed by an in-memory store the test can inspect.
type FakeSupabase struct {
	Store  *inmemory.Store
	Server *httptest.Server
	APIKey string

	inserts atomic.Int64
	selects atomic.Int64
}

// NewFakeSupabase starts a fake REST endpoint accepting apiKey
func NewFakeSupabase(apiKey string) *FakeSupabase {
	f := &FakeSupabase{Store: inmemory.New(), APIKey: apiKey}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	return f
}

// URL is the project URL to put in the exporter configuration
func (f *FakeSupabase) URL() string {
	return f.Server.URL
}

// Close stops the server
func (f *FakeSupabase) Close() {
	f.Server.Close()
}

// Rows returns the stored rows of a table
func (f *FakeSupabase) Rows(table string) []remote.Row {
	return f.Store.Rows(table)
}

// Inserts is the number of insert requests served
func (f *FakeSupabase) Inserts() int64 {
	return f.inserts.Load()
}

// Selects is the number of select requests served
func (f *FakeSupabase) Selects() int64 {
	return f.selects.Load()
}

func (f *FakeSupabase) serve(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("apikey") != f.APIKey || r.Header.Get("Authorization") != "Bearer "+f.APIKey {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid API key", "code": "401"})
		return
	}

	table, ok := strings.CutPrefix(r.URL.Path, "/rest/v1/")
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}
	if table == "" {
		writeJSON(w, http.StatusOK, map[string]string{"swagger": "2.0"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		f.selects.Add(1)
		rows, err := f.Store.Select(r.Context(), table, parseQuery(r))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, rows)

	case http.MethodPost:
		row, err := decodeRow(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		if conflict := r.URL.Query().Get("on_conflict"); conflict != "" {
			if err := f.Store.Upsert(r.Context(), table, row, conflict); err != nil {
				writeJSON(w, http.StatusConflict, map[string]string{"message": err.Error()})
				return
			}
			w.WriteHeader(http.StatusCreated)
			return
		}

		f.inserts.Add(1)
		stored, err := f.Store.Insert(r.Context(), table, row)
		if err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"message": err.Error(), "code": "23505"})
			return
		}
		writeJSON(w, http.StatusCreated, []remote.Row{stored})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func parseQuery(r *http.Request) remote.Query {
	var q remote.Query
	for key, values := range r.URL.Query() {
		switch key {
		case "select":
		case "order":
			col, dir, _ := strings.Cut(values[0], ".")
			q.Order = &remote.Order{Column: col, Descending: dir == "desc"}
		case "limit":
			q.Limit, _ = strconv.Atoi(values[0])
		case "offset":
			q.Offset, _ = strconv.Atoi(values[0])
		default:
			if v, ok := strings.CutPrefix(values[0], "eq."); ok {
				q.Filters = append(q.Filters, remote.Eq(key, scalar(v)))
			}
		}
	}
	return q
}

func scalar(v string) any {
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}

func decodeRow(body io.Reader) (remote.Row, error) {
	var row remote.Row
	if err := json.NewDecoder(body).Decode(&row); err != nil {
		return nil, err
	}
	return row, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(v)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
