// Package dispatch runs jobs on remote workers. The submitting side publishes
// one task message per job to Kafka; workers consume it, run the orchestrator
// against the shared Postgres record and commit the offset afterwards. Status
// is observed by re-reading the record.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TaskMessage is the broker payload. TaskID is an opaque correlation handle
// and is not part of the job's identity.
type TaskMessage struct {
	TaskID      string    `json:"task_id"`
	JobID       string    `json:"job_id"`
	InputRef    string    `json:"input_ref"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (m TaskMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeTask parses a task payload.
func DecodeTask(data []byte) (TaskMessage, error) {
	var m TaskMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return TaskMessage{}, fmt.Errorf("decode task: %w", err)
	}
	if m.JobID == "" {
		return TaskMessage{}, errors.New("decode task: missing job_id")
	}
	return m, nil
}
