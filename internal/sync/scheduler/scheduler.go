// Package scheduler drives a coordinator's refresh cycles on a fixed
// interval and tracks the resulting sync status.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/stacklok/toolhive-state-exporter/internal/config"
	"github.com/stacklok/toolhive-state-exporter/internal/status"
	"github.com/stacklok/toolhive-state-exporter/internal/sync/coordinator"
	"github.com/stacklok/toolhive-state-exporter/internal/telemetry"
)

// ErrAlreadyStarted is returned by Start when the loop is already running
var ErrAlreadyStarted = errors.New("scheduler already started")

// Scheduler runs refresh cycles one at a time: on a ticker, on demand, and
// once at startup.
type Scheduler interface {
	// Start runs the refresh loop until ctx is cancelled or Stop is called.
	// The first refresh runs immediately unless RunOnce already ran one.
	Start(ctx context.Context) error

	// Stop ends the loop and waits for an in-flight refresh to return
	Stop() error

	// RunOnce runs a single refresh in the caller's goroutine. It never
	// overlaps a refresh started by the loop.
	RunOnce(ctx context.Context) error

	// TriggerNow queues a refresh on the loop. It returns false when one is
	// already queued.
	TriggerNow() bool

	// Status returns a copy of the current sync status
	Status() *status.SyncStatus

	// Stale reports whether the consecutive failure count reached the
	// configured threshold
	Stale() bool

	// Coordinator returns the coordinator being driven
	Coordinator() coordinator.Coordinator
}

type defaultScheduler struct {
	name        string
	interval    time.Duration
	staleAfter  int
	coordinator coordinator.Coordinator
	persistence status.StatusPersistence
	syncMetrics *telemetry.SyncMetrics

	trigger chan struct{}

	// runMu serializes refreshes between the loop and RunOnce
	runMu sync.Mutex

	mu        sync.RWMutex
	status    *status.SyncStatus
	attempted bool
	loadOnce  sync.Once

	lifecycleMu sync.Mutex
	cancelFunc  context.CancelFunc
	done        chan struct{}
}

// Option is a function that configures the scheduler
type Option func(*defaultScheduler)

// WithSyncMetrics sets the sync metrics for the scheduler
func WithSyncMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(s *defaultScheduler) {
		s.syncMetrics = metrics
	}
}

// WithStatusPersistence sets where sync status is saved. Defaults to memory.
func WithStatusPersistence(p status.StatusPersistence) Option {
	return func(s *defaultScheduler) {
		s.persistence = p
	}
}

// WithInterval overrides the configured refresh interval
func WithInterval(d time.Duration) Option {
	return func(s *defaultScheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New creates a scheduler for the exporter described by cfg
func New(c coordinator.Coordinator, cfg *config.ExporterConfig, opts ...Option) Scheduler {
	s := &defaultScheduler{
		name:        cfg.Name,
		interval:    cfg.GetSyncInterval(),
		staleAfter:  cfg.GetStaleAfterFailures(),
		coordinator: c,
		trigger:     make(chan struct{}, 1),
		status:      &status.SyncStatus{Phase: status.SyncPhasePending},
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.persistence == nil {
		s.persistence = status.NewMemoryStatusPersistence()
	}
	s.status.SyncInterval = s.interval.String()

	return s
}

// Start implements Scheduler
func (s *defaultScheduler) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	if s.done != nil {
		s.lifecycleMu.Unlock()
		return ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel
	s.done = make(chan struct{})
	done := s.done
	s.lifecycleMu.Unlock()

	defer func() {
		close(done)
		slog.Info("Exporter scheduler stopped", "exporter", s.name)
	}()

	slog.Info("Starting exporter scheduler", "exporter", s.name, "interval", s.interval)

	s.mu.RLock()
	attempted := s.attempted
	s.mu.RUnlock()
	if !attempted {
		s.refresh(loopCtx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.refresh(loopCtx)
		case <-s.trigger:
			s.refresh(loopCtx)
			ticker.Reset(s.interval)
		case <-loopCtx.Done():
			return nil
		}
	}
}

// Stop implements Scheduler
func (s *defaultScheduler) Stop() error {
	s.lifecycleMu.Lock()
	cancel, done := s.cancelFunc, s.done
	s.lifecycleMu.Unlock()

	if cancel != nil {
		slog.Info("Stopping exporter scheduler", "exporter", s.name)
		cancel()
		<-done
	}
	return nil
}

// RunOnce implements Scheduler
func (s *defaultScheduler) RunOnce(ctx context.Context) error {
	return s.refresh(ctx)
}

// TriggerNow implements Scheduler
func (s *defaultScheduler) TriggerNow() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Status implements Scheduler
func (s *defaultScheduler) Status() *status.SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.Clone()
}

// Stale implements Scheduler
func (s *defaultScheduler) Stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.ConsecutiveFailures >= s.staleAfter
}

// Coordinator implements Scheduler
func (s *defaultScheduler) Coordinator() coordinator.Coordinator {
	return s.coordinator
}

// refresh runs one coordinator cycle and records its outcome. Failures are
// logged and reflected in the status; the loop keeps going.
func (s *defaultScheduler) refresh(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.loadOnce.Do(func() { s.loadStatus(ctx) })

	if _, err := logr.FromContext(ctx); err != nil {
		ctx = logr.NewContext(ctx, logr.FromSlogHandler(slog.Default().Handler()))
	}

	startTime := time.Now()
	s.withStatus(ctx, func(st *status.SyncStatus) {
		st.Phase = status.SyncPhaseSyncing
		st.Message = "Refresh in progress"
		st.LastAttempt = &startTime
	})

	snap, err := s.coordinator.Refresh(ctx)
	duration := time.Since(startTime)

	var failures int
	s.withStatus(ctx, func(st *status.SyncStatus) {
		if err != nil {
			st.Phase = status.SyncPhaseFailed
			st.Message = err.Error()
			st.ConsecutiveFailures++
		} else {
			now := time.Now()
			st.Phase = status.SyncPhaseComplete
			st.Message = "Refresh completed successfully"
			st.LastSuccess = &now
			st.ConsecutiveFailures = 0
			st.ItemCount = snap.ItemCount()
		}
		failures = st.ConsecutiveFailures
	})

	s.syncMetrics.RecordSyncDuration(ctx, s.name, duration, err == nil)
	s.syncMetrics.RecordConsecutiveFailures(ctx, s.name, failures)

	if err != nil {
		slog.Warn("Refresh failed",
			"exporter", s.name,
			"consecutive_failures", failures,
			"stale", failures >= s.staleAfter,
			"error", err)
		return err
	}

	slog.Info("Refresh completed",
		"exporter", s.name,
		"item_count", snap.ItemCount(),
		"duration", duration)
	return nil
}

// withStatus mutates the status under lock and persists the result
func (s *defaultScheduler) withStatus(ctx context.Context, fn func(*status.SyncStatus)) {
	s.mu.Lock()
	fn(s.status)
	s.attempted = true
	snapshot := s.status.Clone()
	s.mu.Unlock()

	if err := s.persistence.SaveStatus(ctx, s.name, snapshot); err != nil {
		slog.Warn("Failed to persist sync status", "exporter", s.name, "error", err)
	}
}

// loadStatus restores the last persisted status so that history such as the
// last success survives restarts. A refresh interrupted mid-flight is
// reported as failed.
func (s *defaultScheduler) loadStatus(ctx context.Context) {
	loaded, err := s.persistence.LoadStatus(ctx, s.name)
	if err != nil {
		slog.Warn("Failed to load sync status", "exporter", s.name, "error", err)
		return
	}
	if loaded == nil || loaded.Phase == "" {
		return
	}

	if loaded.Phase == status.SyncPhaseSyncing {
		loaded.Phase = status.SyncPhaseFailed
		loaded.Message = "Previous refresh was interrupted"
	}
	loaded.SyncInterval = s.interval.String()
	// The snapshot is rebuilt from scratch by the first cycle
	loaded.ItemCount = 0

	s.mu.Lock()
	s.status = loaded
	s.mu.Unlock()
}
