// ============================================================================
// Carbonite Freezer Collaborators
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: The interfaces a freeze task reads from and writes to.
//
//   - MetadataSource: the hot store (metadata.Store satisfies it)
//   - ArchiveWriter:  the cold store (coldstore.FileStore satisfies it)
//   - CompletionSink: whoever dispatched the freeze (controller.Controller)
//   - Recorder:       per-stage task metrics (metrics.Collector)
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/carbonite/pkg/types"
)

// MetadataSource is the part of the hot store a freeze needs.
type MetadataSource interface {
	Get(ctx context.Context, id types.WorkflowID) (types.WorkflowMetadata, error)
	Events(ctx context.Context, id types.WorkflowID) ([]types.MetadataEvent, error)
	SetArchiveStatus(ctx context.Context, id types.WorkflowID, status types.MetadataArchiveStatus) error
}

// ArchiveWriter persists one encoded archive under a key.
type ArchiveWriter interface {
	Put(ctx context.Context, key string, data []byte) error
}

// CompletionSink receives exactly one completion per executed task.
type CompletionSink interface {
	Complete(completion types.FreezeCompletion)
}

// CompletionFunc adapts a function to CompletionSink.
type CompletionFunc func(completion types.FreezeCompletion)

// Complete calls f(completion).
func (f CompletionFunc) Complete(completion types.FreezeCompletion) {
	f(completion)
}

// Recorder observes task internals. Stage is one of the Stage* constants.
type Recorder interface {
	RecordTaskError(stage string)
	RecordArchiveBytes(n int)
}

// Stages of a freeze task, used as error labels.
const (
	StageRead   = "read"
	StageEncode = "encode"
	StageWrite  = "write"
	StageMark   = "mark"
)

type nopRecorder struct{}

func (nopRecorder) RecordTaskError(string) {}
func (nopRecorder) RecordArchiveBytes(int) {}
