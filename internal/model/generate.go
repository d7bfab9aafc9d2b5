package model

import "time"

// GenerateStartRequest starts a design generation job
type GenerateStartRequest struct {
	TemplateID   string        `json:"templateId" validate:"required,uuid4"`
	ContentID    string        `json:"contentId" validate:"required"`
	Source       string        `json:"source,omitempty" validate:"required_without=Schedule"`
	SourceID     string        `json:"sourceId,omitempty" validate:"required_without=Schedule"`
	FromDate     string        `json:"fromDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ToDate       string        `json:"toDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Schedule     *ScheduleData `json:"schedule,omitempty"`
	ForceRefresh bool          `json:"forceRefresh,omitempty"`
}

// GenerateStartResponse is returned when a job is accepted
type GenerateStartResponse struct {
	JobID       string    `json:"jobId"`
	Fingerprint string    `json:"fingerprint"`
	Status      JobStatus `json:"status"`
	Cached      bool      `json:"cached"`
	CreatedAt   time.Time `json:"createdAt"`
}

// GenerateStatusResponse reports job progress
type GenerateStatusResponse struct {
	JobID       string     `json:"jobId"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"currentStep,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	RetryCount  int        `json:"retryCount"`
}

// GenerateResultResponse carries the finished design's storage locations
type GenerateResultResponse struct {
	ContentID   string `json:"contentId"`
	Hash        string `json:"hash"`
	DocumentURL string `json:"documentUrl"`
	RasterURL   string `json:"rasterUrl"`
	Overwritten bool   `json:"overwritten"`
}

// GenerateCancelResponse confirms a cancellation
type GenerateCancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}

// DesignResponse is the effective output for a content identifier
type DesignResponse struct {
	ContentID    string `json:"contentId"`
	Hash         string `json:"hash,omitempty"`
	DocumentURL  string `json:"documentUrl,omitempty"`
	RasterURL    string `json:"rasterUrl,omitempty"`
	HasOverwrite bool   `json:"hasOverwrite"`
}

// OverwriteCommitRequest registers a manually produced output pair that was
// uploaded through the signed URLs handed out earlier
type OverwriteCommitRequest struct {
	DocumentKey string `json:"documentKey" validate:"required"`
	RasterKey   string `json:"rasterKey" validate:"required"`
}

// OverwriteUploadResponse hands out signed PUT URLs for the overwrite pair
type OverwriteUploadResponse struct {
	DocumentUploadURL string `json:"documentUploadUrl"`
	RasterUploadURL   string `json:"rasterUploadUrl"`
	DocumentKey       string `json:"documentKey"`
	RasterKey         string `json:"rasterKey"`
	ExpiresIn         int    `json:"expiresIn"` // seconds
}

// TemplateUploadResponse hands out a signed PUT URL for a template source document
type TemplateUploadResponse struct {
	UploadURL string `json:"uploadUrl"`
	SourceKey string `json:"sourceKey"`
	ExpiresIn int    `json:"expiresIn"` // seconds
}
