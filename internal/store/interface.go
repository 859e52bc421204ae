// Package store persists task records, autonomy run records, and recent
// observations as JSON snapshots, and supplies them back for hydration on
// startup. The store never owns live state; it only observes snapshots.
package store

import (
	"context"

	v1 "github.com/desktopai/desktopai/pkg/api/v1"
)

// Store defines the durable snapshot storage operations
type Store interface {
	// Task snapshots
	SaveTask(ctx context.Context, task *v1.TaskRecord) error
	ListTasks(ctx context.Context) ([]*v1.TaskRecord, error)

	// Run snapshots
	SaveRun(ctx context.Context, run *v1.RunRecord) error
	ListRuns(ctx context.Context) ([]*v1.RunRecord, error)

	// Observation history
	SaveObservation(ctx context.Context, obs *v1.Observation) error
	ListObservations(ctx context.Context, limit int) ([]*v1.Observation, error)

	// Close closes the store (for database connections)
	Close() error
}
