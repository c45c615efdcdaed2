package model

// Export formats
type Format string

const (
	FormatPNG   Format = "png"
	FormatJPG   Format = "jpg"
	FormatSVG   Format = "svg"
	FormatPDF   Format = "pdf"
	FormatHTML5 Format = "html5"
	FormatMP4   Format = "mp4"
	FormatGIF   Format = "gif"
)

var ValidFormats = []Format{
	FormatPNG, FormatJPG, FormatSVG, FormatPDF, FormatHTML5, FormatMP4, FormatGIF,
}

// Valid reports whether f is a supported export format
func (f Format) Valid() bool {
	for _, v := range ValidFormats {
		if f == v {
			return true
		}
	}
	return false
}

// MimeType returns the content type of the encoded output
func (f Format) MimeType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatJPG:
		return "image/jpeg"
	case FormatSVG:
		return "image/svg+xml"
	case FormatPDF:
		return "application/pdf"
	case FormatHTML5:
		return "text/html"
	case FormatMP4:
		return "video/mp4"
	case FormatGIF:
		return "image/gif"
	}
	return "application/octet-stream"
}

// Extension returns the file extension used for persisted outputs
func (f Format) Extension() string {
	if f == FormatHTML5 {
		return "html"
	}
	return string(f)
}

// IsRaster reports whether f is a static raster image format
func (f Format) IsRaster() bool {
	return f == FormatPNG || f == FormatJPG
}

// IsMotion reports whether f needs frame rate and duration
func (f Format) IsMotion() bool {
	return f == FormatMP4 || f == FormatGIF
}

// IsLossy reports whether quality affects the encoded output
func (f Format) IsLossy() bool {
	return f == FormatJPG || f == FormatPNG || f == FormatMP4 || f == FormatGIF
}

// Job status
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no automatic transition leaves s
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// failed -> pending is only taken by an explicit or scheduled retry.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusFailed:     {JobStatusPending},
}

// CanTransition reports whether a job may move from one status to another
func CanTransition(from, to JobStatus) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job events delivered to the notification collaborator
type JobEventKind string

const (
	JobEventStarted   JobEventKind = "started"
	JobEventProgress  JobEventKind = "progress"
	JobEventCompleted JobEventKind = "completed"
	JobEventFailed    JobEventKind = "failed"
	JobEventStalled   JobEventKind = "stalled"
	JobEventCancelled JobEventKind = "cancelled"
)

// Per-format error codes
const (
	FormatErrRenderFailed   = "RENDER_FAILED"
	FormatErrEncodeFailed   = "ENCODE_FAILED"
	FormatErrTimeout        = "TIMEOUT"
	FormatErrNotImplemented = "NOT_IMPLEMENTED"
	FormatErrPersistFailed  = "PERSIST_FAILED"
)
