package status

import "time"

// SyncPhase represents the current phase of an exporter's refresh loop
type SyncPhase string

const (
	// SyncPhasePending means no refresh has run yet
	SyncPhasePending SyncPhase = "Pending"

	// SyncPhaseSyncing means a refresh is currently in progress
	SyncPhaseSyncing SyncPhase = "Syncing"

	// SyncPhaseComplete means the last refresh succeeded
	SyncPhaseComplete SyncPhase = "Complete"

	// SyncPhaseFailed means the last refresh failed
	SyncPhaseFailed SyncPhase = "Failed"
)

// SyncStatus represents the current state of an exporter
type SyncStatus struct {
	// Phase represents the current synchronization phase
	Phase SyncPhase `json:"phase"`

	// Message provides additional information about the sync status
	Message string `json:"message,omitempty"`

	// LastAttempt is the timestamp of the last refresh attempt
	LastAttempt *time.Time `json:"lastAttempt,omitempty"`

	// LastSuccess is the timestamp of the last successful refresh
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`

	// ConsecutiveFailures counts failed refreshes since the last success
	ConsecutiveFailures int `json:"consecutiveFailures,omitempty"`

	// ItemCount is the number of item records in the last published snapshot
	ItemCount int `json:"itemCount"`

	// SyncInterval is the configured refresh interval (e.g., "30s")
	SyncInterval string `json:"syncInterval,omitempty"`
}

// Clone returns a deep copy of the status
func (s *SyncStatus) Clone() *SyncStatus {
	if s == nil {
		return nil
	}
	c := *s
	if s.LastAttempt != nil {
		t := *s.LastAttempt
		c.LastAttempt = &t
	}
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}
