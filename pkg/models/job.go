package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of an analysis job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions happen without external intervention.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Subject is the request payload handed to the analysis task. It is immutable once queued.
type Subject struct {
	ChannelName string          `json:"channel_name"`
	VideoCount  int             `json:"video_count"`
	Flags       map[string]bool `json:"flags,omitempty"`
}

// Job is one analysis request. The access key is both the primary handle and the
// bearer capability for polling; the identity is the billing principal.
type Job struct {
	AccessKey          string          `db:"access_key"          json:"access_key"`
	Identity           string          `db:"identity"            json:"identity"`
	Subject            Subject         `db:"subject"             json:"subject"`
	Status             JobStatus       `db:"status"              json:"status"`
	ProgressPercentage int             `db:"progress_percentage" json:"progress_percentage"`
	Result             json.RawMessage `db:"result"              json:"result,omitempty"`
	Error              *string         `db:"error"               json:"error,omitempty"`
	RetryCount         int             `db:"retry_count"         json:"retry_count"`
	QuotaReleased      bool            `db:"quota_released"      json:"-"`
	CreatedAt          time.Time       `db:"created_at"          json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"          json:"updated_at"`
	StartedAt          *time.Time      `db:"started_at"          json:"started_at,omitempty"`
	CompletedAt        *time.Time      `db:"completed_at"        json:"completed_at,omitempty"`
}
