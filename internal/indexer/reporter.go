package indexer

import (
	"context"
	"time"

	"vfscore/internal/contextutil"
	"vfscore/internal/index"
)

// Stages reported through Reporter.Progress.
const (
	StageUnits = "units"
	StageEmbed = "embed"
)

// Progress describes how far a job has come.
type Progress struct {
	ResourceID string
	Modality   index.Modality
	Stage      string
	Current    int
	Total      int
}

// Reporter receives indexing events. Implementations must be safe for
// concurrent use by several workers.
type Reporter interface {
	Progress(ctx context.Context, p Progress)
	Completed(ctx context.Context, result *JobResult)
	Failed(ctx context.Context, resourceID string, modality index.Modality, state index.State, err error)
}

// NopReporter discards every event.
type NopReporter struct{}

func (NopReporter) Progress(context.Context, Progress)                                 {}
func (NopReporter) Completed(context.Context, *JobResult)                              {}
func (NopReporter) Failed(context.Context, string, index.Modality, index.State, error) {}

// LogReporter writes events to the context logger.
type LogReporter struct{}

func (LogReporter) Progress(ctx context.Context, p Progress) {
	contextutil.LoggerFromContext(ctx).DebugContext(ctx, "indexing progress",
		"resource_id", p.ResourceID, "modality", p.Modality, "stage", p.Stage, "current", p.Current, "total", p.Total)
}

func (LogReporter) Completed(ctx context.Context, r *JobResult) {
	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "resource indexed",
		"resource_id", r.ResourceID,
		"modality", r.Modality,
		"units", r.Units,
		"segments", r.Segments,
		"embedded", r.Embedded,
		"duration_ms", r.Duration.Milliseconds(),
	)
}

func (LogReporter) Failed(ctx context.Context, resourceID string, modality index.Modality, state index.State, err error) {
	contextutil.LoggerFromContext(ctx).WarnContext(ctx, "resource indexing failed",
		"resource_id", resourceID, "modality", modality, "state", state, "error", err)
}

// MultiReporter fans events out to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) Progress(ctx context.Context, p Progress) {
	for _, r := range m {
		r.Progress(ctx, p)
	}
}

func (m MultiReporter) Completed(ctx context.Context, result *JobResult) {
	for _, r := range m {
		r.Completed(ctx, result)
	}
}

func (m MultiReporter) Failed(ctx context.Context, resourceID string, modality index.Modality, state index.State, err error) {
	for _, r := range m {
		r.Failed(ctx, resourceID, modality, state, err)
	}
}

// JobResult summarises one completed job.
type JobResult struct {
	ResourceID string         `json:"resource_id"`
	Modality   index.Modality `json:"modality"`
	Units      int            `json:"units"`
	Segments   int            `json:"segments"`
	Embedded   int            `json:"embedded"`
	// Removed is true when the resource no longer exists and its index
	// rows were dropped instead.
	Removed  bool          `json:"removed,omitempty"`
	Duration time.Duration `json:"duration"`
}
