// Package history persists summaries of backup runs.
package history

import (
	"context"
	"fmt"
	"time"
)

// Record is the persisted summary of one run.
type Record struct {
	RunID           string    `json:"runId" bson:"_id"`
	StartedAt       time.Time `json:"startedAt" bson:"started_at"`
	FinishedAt      time.Time `json:"finishedAt" bson:"finished_at"`
	RunDir          string    `json:"runDir" bson:"run_dir"`
	Status          string    `json:"status" bson:"status"`
	Projects        int       `json:"projects" bson:"projects"`
	FailedProjects  int       `json:"failedProjects" bson:"failed_projects"`
	CopiedFiles     int       `json:"copiedFiles" bson:"copied_files"`
	CopiedBytes     int64     `json:"copiedBytes" bson:"copied_bytes"`
	DownloadedFiles int       `json:"downloadedFiles" bson:"downloaded_files"`
	DownloadedBytes int64     `json:"downloadedBytes" bson:"downloaded_bytes"`
	FailedFiles     int       `json:"failedFiles" bson:"failed_files"`
	Efficiency      float64   `json:"efficiency" bson:"efficiency"`
}

// Store saves and lists run records.
type Store interface {
	Save(ctx context.Context, r Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Type() string
	Close() error
}

// Open returns the store for backend ("postgres", "sqlite" or "mongodb").
func Open(ctx context.Context, backend, dsn string) (Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("history backend %s needs a DSN", backend)
	}
	switch backend {
	case "postgres":
		return NewPostgres(ctx, dsn)
	case "sqlite":
		return NewSQLite(ctx, dsn)
	case "mongodb":
		return NewMongo(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown history backend: %s", backend)
	}
}
