// Package store persists builds and their event/log history. The Postgres
// implementation backs production; the in-memory implementation backs tests
// and single-process runs without a database.
package store

import (
	"context"
	"errors"

	"github.com/forgebuild/forge/pkg/models"
)

// ErrNotFound is returned when a build does not exist.
var ErrNotFound = errors.New("store: build not found")

// Store is the persistence surface for builds, events, and logs. Events and
// logs are returned in insertion order.
type Store interface {
	CreateBuild(ctx context.Context, build *models.Build) error
	GetBuild(ctx context.Context, id string) (*models.Build, error)
	ListBuilds(ctx context.Context, ownerID string) ([]*models.Build, error)
	UpdateBuild(ctx context.Context, build *models.Build) error

	CreateBuildEventsBatch(ctx context.Context, buildID string, events []models.Event) error
	CreateBuildLogsBatch(ctx context.Context, buildID string, logs []models.LogEntry) error
	GetBuildEvents(ctx context.Context, buildID string) ([]models.Event, error)
	GetBuildLogs(ctx context.Context, buildID string) ([]models.LogEntry, error)

	Close() error
}
