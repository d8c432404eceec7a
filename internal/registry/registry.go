package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/stacklok/toolhive-state-exporter/internal/config"
	"github.com/stacklok/toolhive-state-exporter/internal/record"
	"github.com/stacklok/toolhive-state-exporter/internal/remote"
	"github.com/stacklok/toolhive-state-exporter/internal/sync/coordinator"
	"github.com/stacklok/toolhive-state-exporter/internal/sync/scheduler"
)

var (
	// ErrAlreadyRegistered is returned when an exporter name is taken
	ErrAlreadyRegistered = errors.New("exporter already registered")

	// ErrNotFound is returned when no exporter has the given name
	ErrNotFound = errors.New("exporter not found")
)

// Exporter is one running exporter and everything it owns
type Exporter struct {
	Name      string
	Config    config.ExporterConfig
	TargetURL string

	client    remote.Client
	scheduler scheduler.Scheduler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

// NewExporter bundles a client and the scheduler driving it. The exporter
// takes ownership of client.
func NewExporter(cfg config.ExporterConfig, client remote.Client, sched scheduler.Scheduler) *Exporter {
	return &Exporter{
		Name:      cfg.Name,
		Config:    cfg,
		TargetURL: cfg.Remote.DisplayURL(),
		client:    client,
		scheduler: sched,
	}
}

// Scheduler returns the scheduler driving this exporter
func (e *Exporter) Scheduler() scheduler.Scheduler {
	return e.scheduler
}

// Coordinator returns the coordinator owning this exporter's snapshot
func (e *Exporter) Coordinator() coordinator.Coordinator {
	return e.scheduler.Coordinator()
}

// Snapshot returns the last published snapshot, or nil before the first
// successful refresh
func (e *Exporter) Snapshot() *record.Snapshot {
	return e.Coordinator().Snapshot()
}

// Start runs the scheduler loop in the background until Close is called or
// ctx is cancelled. Calling Start more than once has no effect.
func (e *Exporter) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closed {
		return
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		if err := e.scheduler.Start(ctx); err != nil {
			slog.Error("Exporter scheduler exited", "exporter", e.Name, "error", err)
		}
	}()
}

// Close stops the scheduler and releases the remote client. It is safe to
// call more than once.
func (e *Exporter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	var errs []error
	if err := e.scheduler.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop scheduler: %w", err))
	}
	if cancel != nil {
		// Start may not have reached the scheduler yet, so Stop alone
		// cannot end the loop
		cancel()
		<-done
	}
	if e.client != nil {
		if err := e.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close remote client: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Registry maps exporter names to running exporters
type Registry struct {
	mu        sync.RWMutex
	exporters map[string]*Exporter
}

// New creates an empty registry
func New() *Registry {
	return &Registry{exporters: make(map[string]*Exporter)}
}

// Add registers exp. Names must be unique, and so must target URLs: two
// exporters never write to the same remote target.
func (r *Registry) Add(exp *Exporter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.exporters[exp.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, exp.Name)
	}
	if other := r.byTargetLocked(exp.TargetURL, ""); other != nil {
		return fmt.Errorf("exporter %s targets %s already used by %s: %w",
			exp.Name, exp.TargetURL, other.Name, config.ErrAlreadyConfigured)
	}

	r.exporters[exp.Name] = exp
	slog.Info("Exporter registered", "exporter", exp.Name, "target", exp.TargetURL)
	return nil
}

// Replace swaps the exporter registered under exp.Name for exp and closes
// the previous one. It fails when no exporter has that name.
func (r *Registry) Replace(exp *Exporter) error {
	r.mu.Lock()
	old, ok := r.exporters[exp.Name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, exp.Name)
	}
	if other := r.byTargetLocked(exp.TargetURL, exp.Name); other != nil {
		r.mu.Unlock()
		return fmt.Errorf("exporter %s targets %s already used by %s: %w",
			exp.Name, exp.TargetURL, other.Name, config.ErrAlreadyConfigured)
	}
	r.exporters[exp.Name] = exp
	r.mu.Unlock()

	slog.Info("Exporter replaced", "exporter", exp.Name, "target", exp.TargetURL)
	return old.Close()
}

// Remove unregisters and closes the named exporter
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	exp, ok := r.exporters[name]
	if ok {
		delete(r.exporters, name)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	slog.Info("Exporter removed", "exporter", name)
	return exp.Close()
}

// Get returns the named exporter
func (r *Registry) Get(name string) (*Exporter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exp, ok := r.exporters[name]
	return exp, ok
}

// List returns all exporters ordered by name
func (r *Registry) List() []*Exporter {
	r.mu.RLock()
	out := make([]*Exporter, 0, len(r.exporters))
	for _, exp := range r.exporters {
		out = append(out, exp)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Exporter) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Close removes and closes every exporter
func (r *Registry) Close() error {
	r.mu.Lock()
	exporters := r.exporters
	r.exporters = make(map[string]*Exporter)
	r.mu.Unlock()

	var errs []error
	for name, exp := range exporters {
		if err := exp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("exporter %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) byTargetLocked(target, except string) *Exporter {
	for name, exp := range r.exporters {
		if name != except && exp.TargetURL == target {
			return exp
		}
	}
	return nil
}
