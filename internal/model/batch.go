package model

// BatchView is the aggregate state of a batch, derived from its member jobs
// on every read.
type BatchView struct {
	BatchID    string `json:"batchId"`
	Total      int    `json:"total"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Cancelled  int    `json:"cancelled"`
	Jobs       []*Job `json:"jobs"`
}

// NewBatchView counts member jobs by status
func NewBatchView(batchID string, jobs []*Job) *BatchView {
	v := &BatchView{BatchID: batchID, Total: len(jobs), Jobs: jobs}
	for _, j := range jobs {
		switch j.Status {
		case JobStatusPending:
			v.Pending++
		case JobStatusProcessing:
			v.Processing++
		case JobStatusCompleted:
			v.Completed++
		case JobStatusFailed:
			v.Failed++
		case JobStatusCancelled:
			v.Cancelled++
		}
	}
	return v
}
