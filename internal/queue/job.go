package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// Job is the payload of one queued capture.
type Job struct {
	ID          string    `json:"job_id"`
	URL         string    `json:"url"`
	CaptureType string    `json:"capture_type"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

func (j Job) Marshal() ([]byte, error) { return json.Marshal(j) }

// DecodeJob parses a payload written by Job.Marshal.
func DecodeJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, err
	}
	if j.ID == "" {
		return Job{}, errors.New("job payload without job_id")
	}
	return j, nil
}
