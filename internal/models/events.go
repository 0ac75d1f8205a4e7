package models

import (
	"time"
)

// JobEvent is one entry in a job's in-memory progress stream.
// Seq is strictly increasing per job, starting at 1.
type JobEvent struct {
	Seq       int                    `json:"seq"`
	Timestamp time.Time              `json:"timestamp"`
	Stage     string                 `json:"stage"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
