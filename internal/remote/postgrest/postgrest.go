// Package postgrest implements remote.Client over a PostgREST endpoint such
// as the Supabase REST API.
package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stacklok/toolhive-state-exporter/internal/httpclient"
	"github.com/stacklok/toolhive-state-exporter/internal/remote"
)

const restPath = "/rest/v1"

// Client talks to PostgREST with an API key sent both as the apikey header
// and as a bearer token.
type Client struct {
	baseURL string
	apiKey  string
	http    httpclient.Client
}

var _ remote.Client = (*Client)(nil)

// New creates a client for the project at baseURL. The REST path is appended
// unless baseURL already ends with it.
func New(baseURL, apiKey string, client httpclient.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid PostgREST URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("PostgREST URL must use http or https, got %q", u.Scheme)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("PostgREST API key is required")
	}

	u.Path = strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(u.Path, restPath) {
		u.Path += restPath
	}
	u.RawQuery = ""

	return &Client{baseURL: u.String(), apiKey: apiKey, http: client}, nil
}

// Select implements remote.Client
func (c *Client) Select(ctx context.Context, table string, q remote.Query) ([]remote.Row, error) {
	resp, err := c.do(ctx, http.MethodGet, c.tableURL(table, selectParams(q)), nil, nil)
	if err != nil {
		return nil, remote.NewOperationError(remote.OpSelect, table, remote.KindTransport, err)
	}
	if !resp.OK() {
		return nil, apiError(remote.OpSelect, table, resp)
	}

	rows, err := decodeRows(resp.Body)
	if err != nil {
		return nil, remote.NewOperationError(remote.OpSelect, table, remote.KindAPI, err)
	}
	return rows, nil
}

// Insert implements remote.Client
func (c *Client) Insert(ctx context.Context, table string, row remote.Row) (remote.Row, error) {
	body, err := json.Marshal(row)
	if err != nil {
		return nil, remote.NewOperationError(remote.OpInsert, table, remote.KindAPI, err)
	}

	header := http.Header{"Prefer": {"return=representation"}}
	resp, err := c.do(ctx, http.MethodPost, c.tableURL(table, nil), header, body)
	if err != nil {
		return nil, remote.NewOperationError(remote.OpInsert, table, remote.KindTransport, err)
	}
	if !resp.OK() {
		return nil, apiError(remote.OpInsert, table, resp)
	}

	rows, err := decodeRows(resp.Body)
	if err != nil {
		return nil, remote.NewOperationError(remote.OpInsert, table, remote.KindAPI, err)
	}
	if len(rows) == 0 {
		// The row was written but the server returned no representation.
		return remote.Row{}, nil
	}
	return rows[0], nil
}

// Upsert implements remote.Client
func (c *Client) Upsert(ctx context.Context, table string, row remote.Row, conflictColumn string) error {
	if _, ok := row[conflictColumn]; !ok {
		return remote.NewOperationError(remote.OpUpsert, table, remote.KindAPI,
			fmt.Errorf("upsert row has no value for conflict column %q", conflictColumn))
	}

	body, err := json.Marshal(row)
	if err != nil {
		return remote.NewOperationError(remote.OpUpsert, table, remote.KindAPI, err)
	}

	params := url.Values{"on_conflict": {conflictColumn}}
	header := http.Header{"Prefer": {"resolution=merge-duplicates,return=minimal"}}
	resp, err := c.do(ctx, http.MethodPost, c.tableURL(table, params), header, body)
	if err != nil {
		return remote.NewOperationError(remote.OpUpsert, table, remote.KindTransport, err)
	}
	if !resp.OK() {
		return apiError(remote.OpUpsert, table, resp)
	}
	return nil
}

// Ping implements remote.Client by fetching the API root, which requires a
// valid key.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/", nil, nil)
	if err != nil {
		return remote.NewOperationError(remote.OpPing, "", remote.KindTransport, err)
	}
	if !resp.OK() {
		return apiError(remote.OpPing, "", resp)
	}
	return nil
}

// Close implements remote.Client. The HTTP client holds no per-remote state.
func (*Client) Close() error {
	return nil
}

func (c *Client) do(ctx context.Context, method, target string, header http.Header, body []byte) (*httpclient.Response, error) {
	if header == nil {
		header = http.Header{}
	}
	header.Set("apikey", c.apiKey)
	header.Set("Authorization", "Bearer "+c.apiKey)
	return c.http.Do(ctx, &httpclient.Request{Method: method, URL: target, Header: header, Body: body})
}

func (c *Client) tableURL(table string, params url.Values) string {
	target := c.baseURL + "/" + url.PathEscape(table)
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	return target
}

// selectParams renders q in PostgREST's query syntax.
func selectParams(q remote.Query) url.Values {
	params := url.Values{"select": {"*"}}
	for _, f := range q.Filters {
		params.Add(f.Column, "eq."+formatValue(f.Value))
	}
	if q.Order != nil {
		dir := "asc"
		if q.Order.Descending {
			dir = "desc"
		}
		params.Set("order", q.Order.Column+"."+dir)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	return params
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	default:
		return fmt.Sprint(t)
	}
}

func decodeRows(body []byte) ([]remote.Row, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var rows []remote.Row
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return rows, nil
}

// apiError turns a non-2xx response into an OperationError, pulling the
// PostgREST message and code out of the body when present.
func apiError(op, table string, resp *httpclient.Response) error {
	msg := resp.Status
	if m := gjson.GetBytes(resp.Body, "message"); m.Exists() && m.String() != "" {
		msg = m.String()
		if code := gjson.GetBytes(resp.Body, "code"); code.Exists() {
			msg = fmt.Sprintf("%s (%s)", msg, code.String())
		}
	}

	kind := remote.KindAPI
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		kind = remote.KindAuth
	}
	return remote.NewOperationError(op, table, kind,
		httpclient.NewHTTPErrorWithBody(resp.StatusCode, table, msg, resp.Body))
}
