package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/studioposts/api/internal/cache"
	"github.com/studioposts/api/internal/model"
)

const (
	// TaskTypeGenerate is the asynq task type for design generation
	TaskTypeGenerate = "design:generate"

	jobRetention = 24 * time.Hour
	signedURLTTL = 15 * time.Minute
)

// ErrJobNotFound means no job record exists for the id
var ErrJobNotFound = errors.New("job not found")

// DesignService handles generation job intake and design lookups. Job
// records live in Redis; the actual work runs on the asynq worker, which
// drives the pipeline orchestrator.
type DesignService struct {
	redis       *redis.Client
	asynqClient *asynq.Client
	cache       *cache.Cache
	templates   *TemplateService
}

// NewDesignService creates a new design service
func NewDesignService(redisClient *redis.Client, asynqClient *asynq.Client, contentCache *cache.Cache, templates *TemplateService) *DesignService {
	return &DesignService{
		redis:       redisClient,
		asynqClient: asynqClient,
		cache:       contentCache,
		templates:   templates,
	}
}

// StartGenerate queues a new generation job. A second request for a
// fingerprint that is already in flight attaches to the existing job
// instead of enqueueing a duplicate.
func (s *DesignService) StartGenerate(ctx context.Context, ownerID string, req *model.GenerateStartRequest) (*model.GenerateStartResponse, error) {
	tpl, err := s.templates.GetTemplate(ctx, ownerID, req.TemplateID)
	if err != nil {
		return nil, err
	}

	// The durable fingerprint is only computable with an inline schedule;
	// source-fetched schedules are fingerprinted again inside the worker.
	fingerprint := ""
	if req.Schedule != nil {
		fingerprint = model.Fingerprint(req.Schedule, tpl.ID, tpl.Version)
		if jobID, err := s.activeJobFor(ctx, fingerprint); err == nil && jobID != "" {
			if job, err := s.getJob(ctx, jobID); err == nil && !job.Status.Terminal() {
				return &model.GenerateStartResponse{
					JobID:       jobID,
					Fingerprint: fingerprint,
					Status:      job.Status,
					CreatedAt:   job.CreatedAt,
				}, nil
			}
		}
	}

	jobID := uuid.New().String()
	now := time.Now()

	job := &model.Job{
		ID:          jobID,
		Fingerprint: fingerprint,
		ContentID:   req.ContentID,
		Status:      model.JobStatusPending,
		Progress:    0,
		CreatedAt:   now,
	}

	payload := &model.GenerateJobPayload{
		OwnerID:      ownerID,
		TemplateID:   req.TemplateID,
		ContentID:    req.ContentID,
		Schedule:     req.Schedule,
		Source:       req.Source,
		SourceID:     req.SourceID,
		FromDate:     req.FromDate,
		ToDate:       req.ToDate,
		ForceRefresh: req.ForceRefresh,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	job.Payload = payloadBytes

	if err := s.saveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	if fingerprint != "" {
		s.markActive(ctx, fingerprint, jobID)
	}

	task, err := newGenerateTask(jobID, payloadBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	_, err = s.asynqClient.Enqueue(task,
		asynq.Queue("generate"),
		asynq.MaxRetry(2),
		asynq.Retention(jobRetention),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &model.GenerateStartResponse{
		JobID:       jobID,
		Fingerprint: fingerprint,
		Status:      model.JobStatusPending,
		CreatedAt:   now,
	}, nil
}

// GetStatus returns the current status of a generation job
func (s *DesignService) GetStatus(ctx context.Context, jobID string) (*model.GenerateStatusResponse, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &model.GenerateStatusResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		RetryCount:  job.RetryCount,
	}, nil
}

// GetResult returns the result of a completed generation job
func (s *DesignService) GetResult(ctx context.Context, jobID string) (*model.GenerateResultResponse, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status != model.JobStatusSucceeded {
		return nil, fmt.Errorf("job not completed")
	}

	var result model.GenerateResultResponse
	if err := json.Unmarshal(job.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

// CancelGenerate cancels a generation job record. The worker observes the
// canceled status and aborts the in-flight render for the fingerprint.
func (s *DesignService) CancelGenerate(ctx context.Context, jobID string) (*model.GenerateCancelResponse, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status.Terminal() {
		return nil, fmt.Errorf("job already completed")
	}

	job.Status = model.JobStatusCanceled
	now := time.Now()
	job.CompletedAt = &now

	if err := s.saveJob(ctx, job); err != nil {
		return nil, err
	}
	s.clearActive(ctx, job.Fingerprint)

	return &model.GenerateCancelResponse{
		Success: true,
		JobID:   jobID,
		Status:  model.JobStatusCanceled,
	}, nil
}

// UpdateJobProgress updates job progress (called by worker)
func (s *DesignService) UpdateJobProgress(ctx context.Context, jobID string, progress int, step string) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.Progress = progress
	job.CurrentStep = step

	if job.Status == model.JobStatusPending {
		job.Status = model.JobStatusRunning
		now := time.Now()
		job.StartedAt = &now
	}

	return s.saveJob(ctx, job)
}

// SetJobFingerprint records the fingerprint once the worker computed it
// from a source-fetched schedule (called by worker)
func (s *DesignService) SetJobFingerprint(ctx context.Context, jobID, fingerprint string) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Fingerprint = fingerprint
	if err := s.saveJob(ctx, job); err != nil {
		return err
	}
	s.markActive(ctx, fingerprint, jobID)
	return nil
}

// CompleteJob marks a job as succeeded (called by worker)
func (s *DesignService) CompleteJob(ctx context.Context, jobID string, result interface{}) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	resultBytes, err := json.Marshal(result)
	if err != nil {
		return err
	}

	job.Status = model.JobStatusSucceeded
	job.Progress = 100
	job.Result = resultBytes
	now := time.Now()
	job.CompletedAt = &now

	if err := s.saveJob(ctx, job); err != nil {
		return err
	}
	s.clearActive(ctx, job.Fingerprint)
	return nil
}

// FailJob marks a job as failed or timed out (called by worker). Timeouts
// are a distinct terminal status so the UI can offer a retry instead of
// showing a dead end.
func (s *DesignService) FailJob(ctx context.Context, jobID string, status model.JobStatus, errMsg string) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.Status = status
	job.Error = &errMsg
	now := time.Now()
	job.CompletedAt = &now

	if err := s.saveJob(ctx, job); err != nil {
		return err
	}
	s.clearActive(ctx, job.Fingerprint)
	return nil
}

// IsCanceled reports whether a job record was canceled (polled by worker)
func (s *DesignService) IsCanceled(ctx context.Context, jobID string) bool {
	job, err := s.getJob(ctx, jobID)
	return err == nil && job.Status == model.JobStatusCanceled
}

// Helper methods

func (s *DesignService) saveJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, fmt.Sprintf("job:%s", job.ID), data, jobRetention).Err()
}

func (s *DesignService) getJob(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, fmt.Sprintf("job:%s", jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// activeJobFor resolves the in-flight job for a fingerprint, if any
func (s *DesignService) activeJobFor(ctx context.Context, fingerprint string) (string, error) {
	jobID, err := s.redis.Get(ctx, "job:fp:"+fingerprint).Result()
	if err == redis.Nil {
		return "", nil
	}
	return jobID, err
}

func (s *DesignService) markActive(ctx context.Context, fingerprint, jobID string) {
	if fingerprint == "" {
		return
	}
	s.redis.Set(ctx, "job:fp:"+fingerprint, jobID, 10*time.Minute)
}

func (s *DesignService) clearActive(ctx context.Context, fingerprint string) {
	if fingerprint == "" {
		return
	}
	s.redis.Del(ctx, "job:fp:"+fingerprint)
}

func newGenerateTask(jobID string, payload []byte) (*asynq.Task, error) {
	taskPayload := map[string]interface{}{
		"jobId":   jobID,
		"payload": payload,
	}
	data, err := json.Marshal(taskPayload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeGenerate, data), nil
}
