package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubjectRef points at the design being exported. Exactly one field is set.
type SubjectRef struct {
	CanvasID    string `json:"canvasId,omitempty"`
	DesignSetID string `json:"designSetId,omitempty"`
}

// Validate checks that exactly one reference is present
func (s SubjectRef) Validate() error {
	switch {
	case s.CanvasID == "" && s.DesignSetID == "":
		return ErrMissingSubject
	case s.CanvasID != "" && s.DesignSetID != "":
		return fmt.Errorf("%w: canvasId and designSetId are mutually exclusive", ErrMissingSubject)
	}
	return nil
}

func (s SubjectRef) String() string {
	if s.CanvasID != "" {
		return "canvas:" + s.CanvasID
	}
	return "design-set:" + s.DesignSetID
}

// Output is one successfully exported format
type Output struct {
	Format   Format `json:"format"`
	ByteSize int64  `json:"byteSize"`
	MimeType string `json:"mimeType"`
	Locator  string `json:"locator"`
	Quality  int    `json:"quality,omitempty"`
}

// FormatError records why a single requested format produced no output
type FormatError struct {
	Format  Format `json:"format"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job is one export request and its execution state
type Job struct {
	ID               string        `json:"id"`
	BatchID          string        `json:"batchId,omitempty"`
	OwnerID          string        `json:"ownerId,omitempty"`
	Subject          SubjectRef    `json:"subject"`
	RequestedFormats []Format      `json:"requestedFormats"`
	Settings         Settings      `json:"settings"`
	Animations       []Animation   `json:"animations,omitempty"`
	Status           JobStatus     `json:"status"`
	Progress         int           `json:"progress"`
	Outputs          []Output      `json:"outputs"`
	FormatErrors     []FormatError `json:"formatErrors,omitempty"`
	Error            *string       `json:"error,omitempty"`
	AttemptsMade     int           `json:"attemptsMade"`
	RetryFloor       int           `json:"retryFloor"`
	NextRetryAt      *time.Time    `json:"nextRetryAt,omitempty"`
	CancelRequested  bool          `json:"cancelRequested,omitempty"`
	HeartbeatAt      *time.Time    `json:"heartbeatAt,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	StartedAt        *time.Time    `json:"startedAt,omitempty"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// NewJob builds a pending job from a validated spec
func NewJob(spec JobSpec, batchID string, now time.Time) *Job {
	formats := make([]Format, len(spec.Formats))
	copy(formats, spec.Formats)
	return &Job{
		ID:               uuid.New().String(),
		BatchID:          batchID,
		OwnerID:          spec.OwnerID,
		Subject:          spec.Subject,
		RequestedFormats: formats,
		Settings:         spec.Settings,
		Animations:       spec.Animations,
		Status:           JobStatusPending,
		Outputs:          []Output{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Transition moves the job to a new status, stamping lifecycle timestamps.
func (j *Job) Transition(to JobStatus, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = now
	switch to {
	case JobStatusProcessing:
		j.StartedAt = &now
		j.CompletedAt = nil
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		j.CompletedAt = &now
	}
	return nil
}

// SetProgress records progress; it never moves backwards.
func (j *Job) SetProgress(p int) {
	if p > 100 {
		p = 100
	}
	if p > j.Progress {
		j.Progress = p
	}
}

// Fail sets the failed status with a readable cause
func (j *Job) Fail(cause string, now time.Time) error {
	if err := j.Transition(JobStatusFailed, now); err != nil {
		return err
	}
	j.Error = &cause
	return nil
}

// Abort ends an attempt that failed as a whole. A job whose cancellation was
// requested ends cancelled instead, so it is never retried.
func (j *Job) Abort(cause string, now time.Time) (JobStatus, error) {
	if j.CancelRequested {
		return JobStatusCancelled, j.Transition(JobStatusCancelled, now)
	}
	return JobStatusFailed, j.Fail(cause, now)
}

// ResetForRetry clears results of the previous attempt. attemptsMade is kept.
func (j *Job) ResetForRetry(now time.Time) error {
	if err := j.Transition(JobStatusPending, now); err != nil {
		return err
	}
	j.Progress = 0
	j.Outputs = []Output{}
	j.FormatErrors = nil
	j.Error = nil
	j.NextRetryAt = nil
	j.CancelRequested = false
	j.HeartbeatAt = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	return nil
}

// RetryScheduled reports whether an automatic retry is pending for a failed job
func (j *Job) RetryScheduled() bool {
	return j.Status == JobStatusFailed && j.NextRetryAt != nil
}

// Clone returns a deep copy
func (j *Job) Clone() *Job {
	data, err := json.Marshal(j)
	if err != nil {
		panic(fmt.Sprintf("clone job %s: %v", j.ID, err))
	}
	var out Job
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("clone job %s: %v", j.ID, err))
	}
	return &out
}
