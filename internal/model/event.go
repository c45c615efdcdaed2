package model

import "time"

// JobEvent is a lifecycle notification for one job
type JobEvent struct {
	Kind      JobEventKind `json:"kind"`
	JobID     string       `json:"jobId"`
	BatchID   string       `json:"batchId,omitempty"`
	Status    JobStatus    `json:"status"`
	Progress  int          `json:"progress"`
	Attempt   int          `json:"attempt"`
	Outputs   []Output     `json:"outputs,omitempty"`
	Error     string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewJobEvent snapshots job into an event of the given kind
func NewJobEvent(kind JobEventKind, job *Job, now time.Time) JobEvent {
	ev := JobEvent{
		Kind:      kind,
		JobID:     job.ID,
		BatchID:   job.BatchID,
		Status:    job.Status,
		Progress:  job.Progress,
		Attempt:   job.AttemptsMade,
		Timestamp: now,
	}
	if kind == JobEventCompleted || kind == JobEventCancelled {
		ev.Outputs = append([]Output(nil), job.Outputs...)
	}
	if job.Error != nil {
		ev.Error = *job.Error
	}
	return ev
}
