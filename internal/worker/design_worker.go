package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/studioposts/api/internal/cache"
	"github.com/studioposts/api/internal/model"
	"github.com/studioposts/api/internal/pipeline"
	"github.com/studioposts/api/internal/queue"
	"github.com/studioposts/api/internal/service"
	"github.com/studioposts/api/internal/websocket"
)

// cancelPollInterval is how often an in-flight job checks its Redis record
// for an external cancellation
const cancelPollInterval = 2 * time.Second

// DesignWorker processes design generation jobs. It is a thin shell around
// the pipeline orchestrator: job bookkeeping and websocket progress live
// here, rendering semantics live in the pipeline.
type DesignWorker struct {
	designService  *service.DesignService
	contentService *service.ContentService
	orchestrator   *pipeline.Orchestrator
	hub            *websocket.Hub
}

// NewDesignWorker creates a new design worker
func NewDesignWorker(designService *service.DesignService, contentService *service.ContentService, orchestrator *pipeline.Orchestrator, hub *websocket.Hub) *DesignWorker {
	return &DesignWorker{
		designService:  designService,
		contentService: contentService,
		orchestrator:   orchestrator,
		hub:            hub,
	}
}

// ProcessTask handles generation task processing
func (w *DesignWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var taskPayload struct {
		JobID   string          `json:"jobId"`
		Payload json.RawMessage `json:"payload"`
	}

	if err := json.Unmarshal(t.Payload(), &taskPayload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}

	jobID := taskPayload.JobID
	log.Printf("Starting generation job: %s", jobID)

	var payload model.GenerateJobPayload
	if err := json.Unmarshal(taskPayload.Payload, &payload); err != nil {
		w.failJob(ctx, jobID, model.JobStatusFailed, "Invalid payload")
		return fmt.Errorf("failed to unmarshal generation payload: %w", err)
	}

	if w.designService.IsCanceled(ctx, jobID) {
		log.Printf("Generation job %s canceled before start", jobID)
		return nil
	}

	w.updateProgress(ctx, jobID, 10, "Compiling design edits...")

	req := &pipeline.Request{
		OwnerID:      payload.OwnerID,
		TemplateID:   payload.TemplateID,
		ContentID:    payload.ContentID,
		Schedule:     payload.Schedule,
		Source:       payload.Source,
		SourceID:     payload.SourceID,
		FromDate:     payload.FromDate,
		ToDate:       payload.ToDate,
		ForceRefresh: payload.ForceRefresh,
	}

	// Track the render fingerprint as soon as the pipeline knows it. A
	// cancel must abort the shared render job, not just detach this
	// caller; that teardown is keyed by fingerprint.
	var fpMu sync.Mutex
	var fingerprint string
	req.FingerprintComputed = func(fp string) {
		fpMu.Lock()
		fingerprint = fp
		fpMu.Unlock()
		// Source-fetched schedules only get a fingerprint here; record
		// it so later identical requests attach to this job.
		if payload.Schedule == nil {
			if err := w.designService.SetJobFingerprint(ctx, jobID, fp); err != nil {
				log.Printf("Failed to record fingerprint for job %s: %v", jobID, err)
			}
		}
	}

	// A cancel request only flips the Redis record; poll it, abort the
	// render job, and cut this caller's context.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.watchCancel(runCtx, jobID, cancel, func() string {
		fpMu.Lock()
		defer fpMu.Unlock()
		return fingerprint
	})

	w.updateProgress(ctx, jobID, 25, "Rendering design...")

	res, err := w.orchestrator.Generate(runCtx, req)
	if err != nil {
		return w.settleFailure(ctx, jobID, err)
	}

	w.updateProgress(ctx, jobID, 90, "Publishing design...")

	ref := cache.ContentRef{
		OwnerID:    payload.OwnerID,
		TemplateID: payload.TemplateID,
		ContentID:  payload.ContentID,
	}
	result, err := w.contentService.GetDesign(ctx, ref)
	if err != nil {
		w.failJob(ctx, jobID, model.JobStatusFailed, "Failed to resolve generated design")
		return err
	}

	resp := &model.GenerateResultResponse{
		ContentID:   result.ContentID,
		Hash:        result.Hash,
		DocumentURL: result.DocumentURL,
		RasterURL:   result.RasterURL,
		Overwritten: result.HasOverwrite,
	}

	if err := w.designService.CompleteJob(ctx, jobID, resp); err != nil {
		w.failJob(ctx, jobID, model.JobStatusFailed, "Failed to save result")
		return err
	}

	w.hub.BroadcastComplete(jobID, resp)
	if res.Cached {
		log.Printf("Generation job %s completed from cache", jobID)
	} else {
		log.Printf("Generation job %s completed", jobID)
	}
	return nil
}

// settleFailure maps a pipeline error onto a terminal job status. Timeouts
// get their own status so clients can offer a retry.
func (w *DesignWorker) settleFailure(ctx context.Context, jobID string, err error) error {
	switch {
	case errors.Is(err, queue.ErrCanceled), errors.Is(err, context.Canceled):
		log.Printf("Generation job %s canceled", jobID)
		return nil
	case errors.Is(err, queue.ErrTimeout):
		w.failJob(ctx, jobID, model.JobStatusTimedOut, "Generation timed out")
		return err
	default:
		w.failJob(ctx, jobID, model.JobStatusFailed, fmt.Sprintf("Generation failed: %v", err))
		return err
	}
}

// watchCancel polls the job record. When the record flips to canceled it
// aborts the in-flight render job, which tears down the engine session,
// then cuts the caller's context.
func (w *DesignWorker) watchCancel(ctx context.Context, jobID string, cancel context.CancelFunc, fingerprint func() string) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.designService.IsCanceled(ctx, jobID) {
				if fp := fingerprint(); fp != "" {
					if w.orchestrator.Cancel(fp) {
						log.Printf("Generation job %s: render aborted", jobID)
					}
				}
				cancel()
				return
			}
		}
	}
}

func (w *DesignWorker) updateProgress(ctx context.Context, jobID string, progress int, step string) {
	if err := w.designService.UpdateJobProgress(ctx, jobID, progress, step); err != nil {
		log.Printf("Failed to update progress: %v", err)
	}
	w.hub.BroadcastProgress(jobID, progress, model.JobStatusRunning, step)
}

func (w *DesignWorker) failJob(ctx context.Context, jobID string, status model.JobStatus, errMsg string) {
	if err := w.designService.FailJob(ctx, jobID, status, errMsg); err != nil {
		log.Printf("Failed to mark job as failed: %v", err)
	}
	w.hub.BroadcastError(jobID, "GENERATION_FAILED", errMsg)
}
