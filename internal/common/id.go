package common

import (
	"time"

	"github.com/google/uuid"
)

// NewJobID generates a unique, time-sortable job ID.
// Format: job-<yyyymmddhhmmss>-<8 hex chars>
func NewJobID() string {
	return "job-" + time.Now().Format("20060102150405") + "-" + uuid.New().String()[:8]
}

// NewReportID generates a unique report ID with the "report_" prefix
func NewReportID() string {
	return "report_" + uuid.New().String()
}
