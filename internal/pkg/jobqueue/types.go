package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypePaymentRetryCheck JobType = "payment_retry_check"
	JobTypeReprocessEvent    JobType = "reprocess_event"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusScheduled  JobStatus = "scheduled"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	RunAt       *time.Time             `json:"run_at,omitempty"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// PaymentRetryCheckPayload re-checks a past_due subscription after a failed payment.
type PaymentRetryCheckPayload struct {
	TenantID          uint   `json:"tenant_id"`
	SubscriptionID    uint   `json:"subscription_id"`
	ExternalInvoiceID string `json:"external_invoice_id"`
	Attempt           int    `json:"attempt"`
}

// ToMap converts the payload to a map for storage
func (p PaymentRetryCheckPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"tenant_id":           p.TenantID,
		"subscription_id":     p.SubscriptionID,
		"external_invoice_id": p.ExternalInvoiceID,
		"attempt":             p.Attempt,
	}
}

// PaymentRetryCheckPayloadFromMap creates a payload from a map
func PaymentRetryCheckPayloadFromMap(data map[string]interface{}) (*PaymentRetryCheckPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload PaymentRetryCheckPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// ReprocessEventPayload replays an unprocessed ledger event.
type ReprocessEventPayload struct {
	EventID uint `json:"event_id"`
}

func (p ReprocessEventPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"event_id": p.EventID,
	}
}

func ReprocessEventPayloadFromMap(data map[string]interface{}) (*ReprocessEventPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var payload ReprocessEventPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
