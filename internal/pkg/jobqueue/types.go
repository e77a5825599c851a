package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeDispatchNotification JobType = "dispatch_notification"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusDelayed    JobStatus = "delayed"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job represents one event on a queue
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Queue       string                 `json:"queue"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	AvailableAt *time.Time             `json:"available_at,omitempty"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	Deliveries  int                    `json:"deliveries"`
}

// DispatchJobPayload asks the delivery worker to send one notification.
// Attempt counts the retries already scheduled for it.
type DispatchJobPayload struct {
	NotificationID uint `json:"notification_id"`
	BotID          uint `json:"bot_id"`
	Attempt        int  `json:"attempt"`
}

// ToMap converts the payload to a map for storage
func (p DispatchJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"notification_id": p.NotificationID,
		"bot_id":          p.BotID,
		"attempt":         p.Attempt,
	}
}

// DispatchJobPayloadFromMap creates a payload from a map
func DispatchJobPayloadFromMap(data map[string]interface{}) (*DispatchJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload DispatchJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// MarkAsProcessing updates the job status to processing and counts the delivery
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
	j.Deliveries++
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkForRedelivery records a failed delivery and when the job is due again
func (j *Job) MarkForRedelivery(errorMsg string, due time.Time) {
	j.Status = JobStatusDelayed
	j.UpdatedAt = time.Now()
	j.AvailableAt = &due
	j.ErrorMsg = errorMsg
}

// IsRedelivery reports whether the job was handed to a worker before
func (j *Job) IsRedelivery() bool {
	return j.Deliveries > 1
}
