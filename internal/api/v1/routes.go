// Package v1 serves read-only views of the running exporters: their status,
// their published snapshots and the sensors derived from them. The only
// write is queueing a refresh, which goes through the exporter's scheduler.
package v1

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/toolhive-state-exporter/internal/api/common"
	"github.com/stacklok/toolhive-state-exporter/internal/record"
	"github.com/stacklok/toolhive-state-exporter/internal/registry"
	"github.com/stacklok/toolhive-state-exporter/internal/status"
)

// ExporterSummary is one entry of GET /v1/exporters
type ExporterSummary struct {
	Name                string           `json:"name"`
	TargetURL           string           `json:"target_url"`
	RemoteType          string           `json:"remote_type"`
	Phase               status.SyncPhase `json:"phase"`
	Message             string           `json:"message,omitempty"`
	ItemCount           int              `json:"item_count"`
	LastAttempt         *time.Time       `json:"last_attempt,omitempty"`
	LastSuccess         *time.Time       `json:"last_success,omitempty"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	Stale               bool             `json:"stale"`
	SyncInterval        string           `json:"sync_interval,omitempty"`
}

// ListExportersResponse is the body of GET /v1/exporters
type ListExportersResponse struct {
	Exporters []ExporterSummary `json:"exporters"`
}

// RefreshResponse is the body of POST /v1/exporters/{name}/refresh
type RefreshResponse struct {
	// Queued is false when a refresh was already waiting
	Queued bool `json:"queued"`
}

// Routes serves the exporter endpoints from a registry
type Routes struct {
	registry *registry.Registry
}

// Router creates the v1 router
func Router(reg *registry.Registry) http.Handler {
	routes := &Routes{registry: reg}

	r := chi.NewRouter()
	r.Get("/exporters", routes.listExporters)
	r.Route("/exporters/{name}", func(r chi.Router) {
		r.Get("/", routes.getExporter)
		r.Get("/snapshot", routes.getSnapshot)
		r.Get("/sensors", routes.getSensors)
		r.Post("/refresh", routes.refresh)
	})
	return r
}

func (rt *Routes) listExporters(w http.ResponseWriter, _ *http.Request) {
	exporters := rt.registry.List()
	resp := ListExportersResponse{Exporters: make([]ExporterSummary, 0, len(exporters))}
	for _, exp := range exporters {
		resp.Exporters = append(resp.Exporters, summarize(exp))
	}
	common.WriteJSONResponse(w, resp, http.StatusOK)
}

func (rt *Routes) getExporter(w http.ResponseWriter, r *http.Request) {
	exp, ok := rt.lookup(w, r)
	if !ok {
		return
	}
	common.WriteJSONResponse(w, summarize(exp), http.StatusOK)
}

// getSnapshot returns the last published snapshot. The item_id query
// parameter restricts items to one tracked item.
func (rt *Routes) getSnapshot(w http.ResponseWriter, r *http.Request) {
	exp, ok := rt.lookup(w, r)
	if !ok {
		return
	}

	snap := exp.Snapshot()
	if snap == nil {
		common.WriteErrorResponse(w, "exporter has not completed a refresh yet", http.StatusServiceUnavailable)
		return
	}

	if itemID := r.URL.Query().Get("item_id"); itemID != "" {
		items := snap.ItemsFor(itemID)
		if items == nil {
			items = []record.ItemRecord{}
		}
		snap = &record.Snapshot{Items: items, Metadata: snap.Metadata}
	}
	common.WriteJSONResponse(w, snap, http.StatusOK)
}

func (rt *Routes) getSensors(w http.ResponseWriter, r *http.Request) {
	exp, ok := rt.lookup(w, r)
	if !ok {
		return
	}
	common.WriteJSONResponse(w, BuildSensors(exp.TargetURL, exp.Snapshot()), http.StatusOK)
}

func (rt *Routes) refresh(w http.ResponseWriter, r *http.Request) {
	exp, ok := rt.lookup(w, r)
	if !ok {
		return
	}
	queued := exp.Scheduler().TriggerNow()
	slog.Debug("Manual refresh requested", "exporter", exp.Name, "queued", queued)
	common.WriteJSONResponse(w, RefreshResponse{Queued: queued}, http.StatusAccepted)
}

func (rt *Routes) lookup(w http.ResponseWriter, r *http.Request) (*registry.Exporter, bool) {
	name, err := common.GetAndValidateURLParam(r, "name")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	exp, ok := rt.registry.Get(name)
	if !ok {
		common.WriteErrorResponse(w, "exporter not found: "+name, http.StatusNotFound)
		return nil, false
	}
	return exp, true
}

func summarize(exp *registry.Exporter) ExporterSummary {
	st := exp.Scheduler().Status()
	return ExporterSummary{
		Name:                exp.Name,
		TargetURL:           exp.TargetURL,
		RemoteType:          exp.Config.Remote.Type,
		Phase:               st.Phase,
		Message:             st.Message,
		ItemCount:           exp.Snapshot().ItemCount(),
		LastAttempt:         st.LastAttempt,
		LastSuccess:         st.LastSuccess,
		ConsecutiveFailures: st.ConsecutiveFailures,
		Stale:               exp.Scheduler().Stale(),
		SyncInterval:        st.SyncInterval,
	}
}
