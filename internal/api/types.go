package api

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the readiness check response. Pending lists
// exporters that have not yet published a snapshot.
type ReadinessResponse struct {
	Status  string   `json:"status"`
	Pending []string `json:"pending,omitempty"`
}
