package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage is sent for started, progress and stalled events
type WSProgressMessage struct {
	Type     string       `json:"type"`
	JobID    string       `json:"jobId"`
	Event    JobEventKind `json:"event"`
	Progress int          `json:"progress"`
	Status   JobStatus    `json:"status"`
}

// WSCompleteMessage is sent when a job completes or is cancelled
type WSCompleteMessage struct {
	Type    string    `json:"type"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
	Outputs []Output  `json:"outputs"`
}

// WSErrorMessage represents a failed job
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"jobId"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewWSMessage maps a job event to the message pushed to subscribers
func NewWSMessage(ev JobEvent) interface{} {
	switch ev.Kind {
	case JobEventCompleted, JobEventCancelled:
		return WSCompleteMessage{
			Type:    WSMessageTypeComplete,
			JobID:   ev.JobID,
			Status:  ev.Status,
			Outputs: ev.Outputs,
		}
	case JobEventFailed:
		return WSErrorMessage{
			Type:  WSMessageTypeError,
			JobID: ev.JobID,
			Error: WSError{Code: "EXPORT_FAILED", Message: ev.Error},
		}
	default:
		return WSProgressMessage{
			Type:     WSMessageTypeProgress,
			JobID:    ev.JobID,
			Event:    ev.Kind,
			Progress: ev.Progress,
			Status:   ev.Status,
		}
	}
}
