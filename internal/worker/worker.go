// ============================================================================
// Carbonite Worker - Freeze Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Executes freeze tasks, each Worker runs in an independent goroutine
//
// Freeze steps for one workflow:
//   1. Read the summary and check it is still a candidate
//   2. Read its metadata entries
//   3. Encode summary + entries as a gzip JSON archive
//   4. Write the archive to cold storage
//   5. Mark the summary Archived (conditional on Unarchived)
//
// Any failure in steps 2-5 marks the summary ArchiveFailed (best effort)
// and the task still produces a Result, so the dispatcher always hears back.
//
// Timeout Control:
//   Each task runs under context.WithTimeout(task.Timeout). The ArchiveFailed
//   mark after a timeout uses a fresh short context so it can still land.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/carbonite/internal/coldstore"
	"github.com/ChuLiYu/carbonite/internal/metadata"
	"github.com/ChuLiYu/carbonite/internal/query"
	"github.com/ChuLiYu/carbonite/pkg/types"
)

const markFailedTimeout = 5 * time.Second

// Worker represents a freeze execution unit
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}

	meta     MetadataSource
	archive  ArchiveWriter
	recorder Recorder
	log      *slog.Logger
	now      func() time.Time
}

// Run receives tasks until the pool stops. Every executed task yields one Result.
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.run(task)
			w.resultCh <- result
		}
	}
}

func (w *Worker) run(task Task) Result {
	start := time.Now()

	ctx := context.Background()
	cancel := func() {}
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	status, err := w.freeze(ctx, task.WorkflowID)
	cancel()

	result := Result{
		WorkflowID: task.WorkflowID,
		Status:     status,
		Error:      err,
		Duration:   time.Since(start),
	}
	if err != nil {
		w.log.Warn("Freeze failed",
			"worker", w.id,
			"workflow_id", task.WorkflowID,
			"status", status,
			"error", err)
	} else {
		w.log.Debug("Freeze succeeded",
			"worker", w.id,
			"workflow_id", task.WorkflowID,
			"duration", result.Duration)
	}
	return result
}

// freeze archives one workflow and returns its final archive status
func (w *Worker) freeze(ctx context.Context, id types.WorkflowID) (types.MetadataArchiveStatus, error) {
	md, err := w.meta.Get(ctx, id)
	if err != nil {
		w.recorder.RecordTaskError(StageRead)
		return types.ArchiveFailed, fmt.Errorf("read summary: %w", err)
	}

	if !query.NewCandidateQuery().Matches(md) {
		// 另一個實例已完成歸檔：視為成功
		if md.ArchiveStatus == types.Archived {
			return types.Archived, nil
		}
		return types.ArchiveFailed, fmt.Errorf("workflow %s (%s, %s): %w",
			id, md.Status, md.ArchiveStatus, metadata.ErrNotEligible)
	}

	events, err := w.meta.Events(ctx, id)
	if err != nil {
		w.recorder.RecordTaskError(StageRead)
		return w.fail(ctx, id, fmt.Errorf("read metadata entries: %w", err))
	}

	data, err := coldstore.EncodeArchive(types.ArchivedMetadata{
		WorkflowID: md.ID,
		Name:       md.Name,
		Status:     md.Status,
		StartedAt:  md.StartedAt,
		EndedAt:    md.EndedAt,
		ArchivedAt: w.now().UTC(),
		Events:     events,
	})
	if err != nil {
		w.recorder.RecordTaskError(StageEncode)
		return w.fail(ctx, id, err)
	}

	if err := w.archive.Put(ctx, coldstore.Key(id), data); err != nil {
		w.recorder.RecordTaskError(StageWrite)
		return w.fail(ctx, id, fmt.Errorf("write archive: %w", err))
	}
	w.recorder.RecordArchiveBytes(len(data))

	err = w.meta.SetArchiveStatus(ctx, id, types.Archived)
	if errors.Is(err, metadata.ErrNotEligible) {
		// 寫入與標記之間被其他實例搶先
		w.log.Warn("Workflow archived concurrently", "workflow_id", id, "error", err)
		return types.Archived, nil
	}
	if err != nil {
		w.recorder.RecordTaskError(StageMark)
		return w.fail(ctx, id, fmt.Errorf("mark archived: %w", err))
	}
	return types.Archived, nil
}

// fail marks the workflow ArchiveFailed and returns cause
func (w *Worker) fail(ctx context.Context, id types.WorkflowID, cause error) (types.MetadataArchiveStatus, error) {
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markFailedTimeout)
	defer cancel()

	if err := w.meta.SetArchiveStatus(markCtx, id, types.ArchiveFailed); err != nil {
		w.recorder.RecordTaskError(StageMark)
		return types.ArchiveFailed, errors.Join(cause, fmt.Errorf("mark archive failed: %w", err))
	}
	return types.ArchiveFailed, cause
}
