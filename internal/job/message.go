package job

import (
	"encoding/json"
	"fmt"
)

// Message is the queue envelope. Only the job id travels on the wire; the
// record store is the source of truth for everything else.
type Message struct {
	JobID string `json:"job_id"`
}

// EncodeMessage serializes a queue message for the given job id.
func EncodeMessage(jobID string) ([]byte, error) {
	body, err := json.Marshal(Message{JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode job message: %w", err)
	}
	return body, nil
}

// DecodeMessage parses a queue message body.
func DecodeMessage(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode job message: %w", err)
	}
	if msg.JobID == "" {
		return nil, fmt.Errorf("job message missing job_id")
	}
	return &msg, nil
}
