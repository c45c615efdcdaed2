package model

import "time"

// SubmitExportRequest represents the request to export one subject
type SubmitExportRequest struct {
	CanvasID    string                 `json:"canvasId" validate:"omitempty,max=128"`
	DesignSetID string                 `json:"designSetId" validate:"omitempty,max=128"`
	Formats     []string               `json:"formats" validate:"required,min=1,max=7,dive,required"`
	Settings    *ExportSettingsRequest `json:"settings" validate:"omitempty"`
	Animations  []Animation            `json:"animations" validate:"omitempty,max=200"`
}

// ExportSettingsRequest carries optional export options
type ExportSettingsRequest struct {
	Quality       *int     `json:"quality" validate:"omitempty,min=1,max=100"`
	Scale         *float64 `json:"scale" validate:"omitempty,gt=0,lte=8"`
	Transparent   bool     `json:"transparent"`
	TargetMaxSize *int64   `json:"targetMaxSize" validate:"omitempty,min=0"`
	FrameRate     *int     `json:"frameRate" validate:"omitempty,min=1,max=60"`
	Duration      *float64 `json:"duration" validate:"omitempty,gt=0,lte=60"`
	Optimize      bool     `json:"optimize"`
}

// ToSpec converts the request into a job spec with defaults applied
func (r SubmitExportRequest) ToSpec(ownerID string) JobSpec {
	formats := make([]Format, len(r.Formats))
	for i, f := range r.Formats {
		formats[i] = Format(f)
	}

	var s Settings
	if r.Settings != nil {
		if r.Settings.Quality != nil {
			s.Quality = *r.Settings.Quality
		}
		if r.Settings.Scale != nil {
			s.Scale = *r.Settings.Scale
		}
		if r.Settings.TargetMaxSize != nil {
			s.TargetMaxSize = *r.Settings.TargetMaxSize
		}
		if r.Settings.FrameRate != nil {
			s.FrameRate = *r.Settings.FrameRate
		}
		if r.Settings.Duration != nil {
			s.Duration = *r.Settings.Duration
		}
		s.Transparent = r.Settings.Transparent
		s.Optimize = r.Settings.Optimize
	}

	return JobSpec{
		Subject:    SubjectRef{CanvasID: r.CanvasID, DesignSetID: r.DesignSetID},
		Formats:    formats,
		Settings:   s.WithDefaults(formats),
		Animations: r.Animations,
		OwnerID:    ownerID,
	}
}

// SubmitBatchRequest represents a batch of independent exports
type SubmitBatchRequest struct {
	Jobs []SubmitExportRequest `json:"jobs" validate:"required,min=1,max=100,dive"`
}

// SubmitExportResponse represents the response for a submitted export
type SubmitExportResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// SubmitBatchResponse represents the response for a submitted batch
type SubmitBatchResponse struct {
	BatchID string   `json:"batchId"`
	JobIDs  []string `json:"jobIds"`
}

// JobActionResponse represents the response for cancel and retry
type JobActionResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}
