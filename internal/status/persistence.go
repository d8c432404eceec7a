// Package status provides per-exporter sync status tracking and persistence.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// StatusFileName is the name of the status file
	StatusFileName = "status.json"
)

// StatusPersistence defines the interface for sync status persistence
//
//nolint:revive // This name is fine
type StatusPersistence interface {
	// SaveStatus saves the sync status of one exporter
	SaveStatus(ctx context.Context, exporterName string, status *SyncStatus) error

	// LoadStatus loads the sync status of one exporter.
	// Returns an empty SyncStatus if none was saved (first run)
	LoadStatus(ctx context.Context, exporterName string) (*SyncStatus, error)

	// LoadAllStatus loads sync status for all exporters
	LoadAllStatus(ctx context.Context) (map[string]*SyncStatus, error)
}

// fileStatusPersistence implements StatusPersistence using local filesystem
type fileStatusPersistence struct {
	basePath string
}

// NewFileStatusPersistence creates a new file-based status persistence.
// Each exporter gets its own directory under basePath.
func NewFileStatusPersistence(basePath string) StatusPersistence {
	return &fileStatusPersistence{
		basePath: basePath,
	}
}

func (f *fileStatusPersistence) statusPath(exporterName string) (string, error) {
	if !filepath.IsLocal(exporterName) || filepath.Base(exporterName) != exporterName {
		return "", fmt.Errorf("invalid exporter name '%s'", exporterName)
	}
	return filepath.Join(f.basePath, exporterName, StatusFileName), nil
}

// SaveStatus writes the status as JSON, replacing the previous file atomically
func (f *fileStatusPersistence) SaveStatus(_ context.Context, exporterName string, status *SyncStatus) error {
	filePath, err := f.statusPath(exporterName)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0750); err != nil {
		return fmt.Errorf("failed to create status directory for exporter '%s': %w", exporterName, err)
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status data for exporter '%s': %w", exporterName, err)
	}

	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary status file for exporter '%s': %w", exporterName, err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename status file for exporter '%s': %w", exporterName, err)
	}

	return nil
}

// LoadStatus loads the status file of one exporter
func (f *fileStatusPersistence) LoadStatus(_ context.Context, exporterName string) (*SyncStatus, error) {
	filePath, err := f.statusPath(exporterName)
	if err != nil {
		return nil, err
	}

	// #nosec G304 -- filePath is basePath joined with a validated local name
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &SyncStatus{Phase: SyncPhasePending}, nil
		}
		return nil, fmt.Errorf("failed to read status file for exporter '%s': %w", exporterName, err)
	}

	var status SyncStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status data for exporter '%s': %w", exporterName, err)
	}

	return &status, nil
}

// LoadAllStatus loads sync status for every exporter directory under basePath
func (f *fileStatusPersistence) LoadAllStatus(ctx context.Context) (map[string]*SyncStatus, error) {
	result := make(map[string]*SyncStatus)

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, fmt.Errorf("failed to read status directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		name := entry.Name()
		status, err := f.LoadStatus(ctx, name)
		if err != nil {
			// partial results beat none
			continue
		}
		result[name] = status
	}

	return result, nil
}

// memoryStatusPersistence keeps statuses in process, for runs without a data
// directory.
type memoryStatusPersistence struct {
	mu       sync.RWMutex
	statuses map[string]*SyncStatus
}

// NewMemoryStatusPersistence creates a StatusPersistence that keeps nothing
// across restarts.
func NewMemoryStatusPersistence() StatusPersistence {
	return &memoryStatusPersistence{statuses: make(map[string]*SyncStatus)}
}

func (m *memoryStatusPersistence) SaveStatus(_ context.Context, exporterName string, status *SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[exporterName] = status.Clone()
	return nil
}

func (m *memoryStatusPersistence) LoadStatus(_ context.Context, exporterName string) (*SyncStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.statuses[exporterName]; ok {
		return s.Clone(), nil
	}
	return &SyncStatus{Phase: SyncPhasePending}, nil
}

func (m *memoryStatusPersistence) LoadAllStatus(_ context.Context) (map[string]*SyncStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]*SyncStatus, len(m.statuses))
	for name, s := range m.statuses {
		result[name] = s.Clone()
	}
	return result, nil
}
