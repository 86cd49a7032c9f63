package store

import (
	"context"
	"sort"
	"sync"

	"github.com/forgebuild/forge/pkg/models"
)

// Memory is an in-memory Store for tests and database-less runs.
type Memory struct {
	mu     sync.RWMutex
	builds map[string]models.Build
	events map[string][]models.Event
	logs   map[string][]models.LogEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		builds: make(map[string]models.Build),
		events: make(map[string][]models.Event),
		logs:   make(map[string][]models.LogEntry),
	}
}

func (m *Memory) CreateBuild(_ context.Context, build *models.Build) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builds[build.ID] = *build
	return nil
}

func (m *Memory) GetBuild(_ context.Context, id string) (*models.Build, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	build, ok := m.builds[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := build
	return &copied, nil
}

func (m *Memory) ListBuilds(_ context.Context, ownerID string) ([]*models.Build, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Build
	for _, build := range m.builds {
		if ownerID != "" && build.OwnerID != ownerID {
			continue
		}
		copied := build
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) UpdateBuild(_ context.Context, build *models.Build) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.builds[build.ID]; !ok {
		return ErrNotFound
	}
	m.builds[build.ID] = *build
	return nil
}

func (m *Memory) CreateBuildEventsBatch(_ context.Context, buildID string, events []models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[buildID] = append(m.events[buildID], events...)
	return nil
}

func (m *Memory) CreateBuildLogsBatch(_ context.Context, buildID string, logs []models.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[buildID] = append(m.logs[buildID], logs...)
	return nil
}

func (m *Memory) GetBuildEvents(_ context.Context, buildID string) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Event(nil), m.events[buildID]...), nil
}

func (m *Memory) GetBuildLogs(_ context.Context, buildID string) ([]models.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.LogEntry(nil), m.logs[buildID]...), nil
}

func (m *Memory) Close() error { return nil }
