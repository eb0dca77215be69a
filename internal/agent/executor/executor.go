// Package executor runs the single in-flight transcode task on an agent,
// wiring the checkpoint store and the transcoder around spec §4.8's
// progress/complete/error contract. It is the generalization of the
// teacher's executor.Executor (single worker loop fed by a buffered
// channel, LogSink/StatusReporter callbacks) from the restic/hooks backup
// pipeline to one ffmpeg transcode at a time — the agent-side "no
// per-agent task parallelism" Non-goal is enforced by the queue depth.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/checkpoint"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/transcode"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/task"
)

// Reporter receives task lifecycle callbacks during execution, matching
// spec §4.8's on_progress/on_complete/on_error contract. Implemented by
// the lifecycle manager, which forwards each call as a wire frame.
type Reporter interface {
	ReportProgress(taskID string, progress float64)
	ReportComplete(taskID string)
	ReportFailed(taskID, errMsg string)
}

// queueSize matches the teacher's single-slot discipline: one job may be
// queued while the current one finishes, a second assignment while busy is
// a dispatcher bug (the orchestrator never assigns to a BUSY agent) and is
// rejected outright.
const queueSize = 1

// Executor runs one transcode at a time. Create with New, start the worker
// loop with Run, and feed it assignments with Enqueue.
type Executor struct {
	bin         transcode.Binaries
	storageMap  map[string]string
	checkpoints *checkpoint.Store
	logger      *zap.Logger

	queue chan *task.Task

	mu        sync.RWMutex
	currentID string
	current   *transcode.Task
}

// New creates an Executor. storageMap maps storage_id to an absolute path
// prefix, per spec's agent-side STORAGE_MAP environment contract.
func New(bin transcode.Binaries, storageMap map[string]string, checkpoints *checkpoint.Store, logger *zap.Logger) *Executor {
	return &Executor{
		bin:         bin,
		storageMap:  storageMap,
		checkpoints: checkpoints,
		logger:      logger.Named("executor"),
		queue:       make(chan *task.Task, queueSize),
	}
}

// Enqueue adds a newly assigned task to the queue. Returns an error if the
// queue is already full — the orchestrator should never send a second
// assignment to a BUSY agent, so this indicates a dispatcher bug rather
// than a condition to retry.
func (e *Executor) Enqueue(t *task.Task) error {
	select {
	case e.queue <- t:
		e.logger.Info("task enqueued", zap.String("task_id", t.ID.String()))
		return nil
	default:
		return fmt.Errorf("executor: queue full, rejecting task %s", t.ID)
	}
}

// Current reports the task id currently executing, if any.
func (e *Executor) Current() (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentID, e.currentID != ""
}

// Cancel aborts the named task if it is the one currently running, per
// spec's cancel-frame design note (agent action left to "abort current
// child"). A no-op for any other task id.
func (e *Executor) Cancel(taskID string) {
	e.mu.RLock()
	current, id := e.current, e.currentID
	e.mu.RUnlock()
	if current == nil || id != taskID {
		return
	}
	current.Cancel()
}

// Run starts the worker loop. Blocks until ctx is cancelled.
func (e *Executor) Run(ctx context.Context, reporter Reporter) {
	e.logger.Info("executor started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("executor stopped")
			return
		case t := <-e.queue:
			e.execute(ctx, t, reporter)
		}
	}
}

func (e *Executor) execute(ctx context.Context, t *task.Task, reporter Reporter) {
	taskID := t.ID.String()

	inputs, err := e.resolvePaths(t.InputFiles.Val)
	if err != nil {
		reporter.ReportFailed(taskID, err.Error())
		return
	}

	settings := t.OutputSettings.Val
	outPrefix, ok := e.storageMap[settings.StorageID]
	if !ok {
		reporter.ReportFailed(taskID, fmt.Sprintf("unknown storage_id %q", settings.StorageID))
		return
	}
	settings.Path = outPrefix + settings.Path

	startedAt := time.Now().UTC()
	if err := e.checkpoints.Write(taskID, 0, startedAt); err != nil {
		e.logger.Warn("failed to write checkpoint", zap.String("task_id", taskID), zap.Error(err))
	}

	tc := transcode.New(taskID, inputs, settings, e.bin, func(p float64) {
		if err := e.checkpoints.UpdateProgress(p); err != nil {
			e.logger.Warn("failed to update checkpoint progress", zap.String("task_id", taskID), zap.Error(err))
		}
		reporter.ReportProgress(taskID, p)
	})

	e.mu.Lock()
	e.currentID = taskID
	e.current = tc
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.currentID = ""
		e.current = nil
		e.mu.Unlock()
	}()

	runErr := tc.Run(ctx)

	if err := e.checkpoints.Clear(); err != nil {
		e.logger.Warn("failed to clear checkpoint", zap.String("task_id", taskID), zap.Error(err))
	}

	if runErr != nil {
		reporter.ReportFailed(taskID, runErr.Error())
		return
	}
	reporter.ReportComplete(taskID)
}

// resolvePaths rewrites every {storage_id, path} pair to an absolute
// filesystem path via the prefix configured for that storage_id. An
// unrecognized storage_id fails the task before any subprocess is
// launched, per spec §7's "unknown storage_id" error taxonomy entry.
func (e *Executor) resolvePaths(files []task.InputFile) ([]string, error) {
	resolved := make([]string, 0, len(files))
	for _, f := range files {
		prefix, ok := e.storageMap[f.StorageID]
		if !ok {
			return nil, fmt.Errorf("unknown storage_id %q", f.StorageID)
		}
		resolved = append(resolved, prefix+f.Path)
	}
	return resolved, nil
}
