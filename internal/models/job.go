// -----------------------------------------------------------------------
// Report Job - durable job record and submission types
// -----------------------------------------------------------------------

package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a report job
type JobStatus string

const (
	JobStatusQueued            JobStatus = "queued"
	JobStatusRunning           JobStatus = "running"
	JobStatusSucceeded         JobStatus = "succeeded"
	JobStatusFailed            JobStatus = "failed"
	JobStatusFailedQualityGate JobStatus = "failed_quality_gate"
	JobStatusCancelled         JobStatus = "cancelled"
)

// IsTerminal returns true once a job can no longer change state
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusFailedQualityGate, JobStatusCancelled:
		return true
	}
	return false
}

// Progress tracks per-stage completion within a job
type Progress struct {
	Stage             string `json:"stage"`
	CompletedSections int    `json:"completed_sections"`
	TotalSections     int    `json:"total_sections"`
}

// Job is the durable record of one report-generation request
type Job struct {
	JobID          string                 `json:"job_id"`
	ReportType     string                 `json:"report_type"`
	Status         JobStatus              `json:"status"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      time.Time              `json:"started_at,omitzero"`
	FinishedAt     time.Time              `json:"finished_at,omitzero"`
	Input          map[string]interface{} `json:"input"`
	CurrentStage   string                 `json:"current_stage"`
	Progress       Progress               `json:"progress"`
	ErrorCode      string                 `json:"error_code,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	Result         map[string]interface{} `json:"result,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

// SectionLog is an append-only record of one processing step for one section
type SectionLog struct {
	SectionID string                 `json:"section_id"`
	Stage     string                 `json:"stage"`
	Attempt   int                    `json:"attempt"`
	Status    string                 `json:"status"`
	Metrics   map[string]interface{} `json:"metrics"`
	ErrorCode string                 `json:"error_code,omitempty"`
	LatencyMS int                    `json:"latency_ms"`
	CreatedAt time.Time              `json:"created_at"`
}

// Artifact is a write-once blob capturing pipeline intermediate state
type Artifact struct {
	ArtifactType string    `json:"artifact_type"`
	SectionID    string    `json:"section_id,omitempty"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
}

// ClaimStatus is the outcome of an idempotency claim attempt
type ClaimStatus string

const (
	ClaimClaimed  ClaimStatus = "claimed"
	ClaimReplay   ClaimStatus = "replay"
	ClaimConflict ClaimStatus = "conflict"
)

// ClaimResult carries the claim outcome and the job owning the key
type ClaimResult struct {
	Status ClaimStatus `json:"status"`
	JobID  string      `json:"job_id"`
}

// ReportJobSpec is the immutable submission payload for a report job
type ReportJobSpec struct {
	ReportType      string   `json:"report_type" validate:"required,oneof=brand_health"`
	BrandName       string   `json:"brand_name" validate:"required,max=120"`
	Category        string   `json:"category" validate:"required,max=120"`
	Competitors     []string `json:"competitors" validate:"max=10,dive,max=120"`
	TemplateName    string   `json:"template_name" validate:"max=200"`
	UseLLM          bool     `json:"use_llm"`
	StrictLLM       bool     `json:"strict_llm"`
	EnableWebSearch bool     `json:"enable_web_search"`
}

// CanonicalHash returns a stable SHA-256 of the spec for idempotency
// comparison. Map marshalling sorts keys, so the serialization is
// independent of field order.
func (s ReportJobSpec) CanonicalHash() string {
	payload := map[string]interface{}{
		"report_type":       s.ReportType,
		"brand_name":        s.BrandName,
		"category":          s.Category,
		"competitors":       s.Competitors,
		"template_name":     s.TemplateName,
		"use_llm":           s.UseLLM,
		"strict_llm":        s.StrictLLM,
		"enable_web_search": s.EnableWebSearch,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(s.ReportType + s.BrandName + s.Category)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ToMap converts the spec to the generic map stored as the job input snapshot
func (s ReportJobSpec) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"report_type":       s.ReportType,
		"brand_name":        s.BrandName,
		"category":          s.Category,
		"competitors":       s.Competitors,
		"template_name":     s.TemplateName,
		"use_llm":           s.UseLLM,
		"strict_llm":        s.StrictLLM,
		"enable_web_search": s.EnableWebSearch,
	}
}

// SubmitResult is returned to the caller from job submission
type SubmitResult struct {
	JobID         string    `json:"job_id"`
	Status        JobStatus `json:"status"`
	ReportType    string    `json:"report_type"`
	CreatedAt     time.Time `json:"created_at"`
	IdempotentHit bool      `json:"idempotent_hit,omitempty"`
}

// JobStatusView is the polling shape exposed to the HTTP layer
type JobStatusView struct {
	JobID        string       `json:"job_id"`
	ReportType   string       `json:"report_type"`
	Status       JobStatus    `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    time.Time    `json:"started_at,omitzero"`
	FinishedAt   time.Time    `json:"finished_at,omitzero"`
	CurrentStage string       `json:"current_stage"`
	Progress     Progress     `json:"progress"`
	ErrorCode    string       `json:"error_code,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	SectionLogs  []SectionLog `json:"section_logs"`
}
