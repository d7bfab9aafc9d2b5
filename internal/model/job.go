package model

import "time"

// JobStatus is the lifecycle state of a generation job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimedOut  JobStatus = "timedOut"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether the status is a settled one
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusTimedOut, JobStatusCanceled:
		return true
	}
	return false
}

// Job represents a design generation job in the system
type Job struct {
	ID          string     `json:"id"`
	Fingerprint string     `json:"fingerprint"`
	ContentID   string     `json:"contentId"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"currentStep,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Payload     []byte     `json:"payload,omitempty"`
	Result      []byte     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	RetryCount  int        `json:"retryCount"`
}

// GenerateJobPayload contains the data for a generation job
type GenerateJobPayload struct {
	OwnerID      string        `json:"ownerId"`
	TemplateID   string        `json:"templateId"`
	ContentID    string        `json:"contentId"`
	Schedule     *ScheduleData `json:"schedule,omitempty"`
	Source       string        `json:"source,omitempty"`
	SourceID     string        `json:"sourceId,omitempty"`
	FromDate     string        `json:"fromDate,omitempty"`
	ToDate       string        `json:"toDate,omitempty"`
	ForceRefresh bool          `json:"forceRefresh"`
}
