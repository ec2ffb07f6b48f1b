package jobs

import "encoding/json"

type JobStatus string

const (
	JobPending JobStatus = "PENDING"
	JobRunning JobStatus = "RUNNING"
	JobDone    JobStatus = "DONE"
	JobFailed  JobStatus = "FAILED"
)

func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed
}

// Job is stored JSON-encoded under job:<id>; field names match what pollers already read.
type Job struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	Prompt    string    `json:"prompt"`
	AgentType string    `json:"agent_type"`
	CreatedAt int64     `json:"createdAt"` // unix ms

	// Filled by the worker once the job is terminal
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error,omitempty"`

	UpdatedAt int64 `json:"updatedAt,omitempty"`
}
