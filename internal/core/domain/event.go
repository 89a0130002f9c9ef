package domain

// ProgressEvent is one message on a job's progress channel.
// Exactly one of LimeImage or Error is set on the final event of a job.
type ProgressEvent struct {
	JobID     string `json:"job_id"`
	Progress  *int   `json:"progress,omitempty"`
	LimeImage string `json:"lime_image,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Terminal reports whether the event ends the subscription.
func (e ProgressEvent) Terminal() bool {
	return e.LimeImage != "" || e.Error != ""
}

func ProgressOf(jobID string, progress int) ProgressEvent {
	return ProgressEvent{JobID: jobID, Progress: &progress}
}
