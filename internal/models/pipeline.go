// -----------------------------------------------------------------------
// Pipeline stage outputs - one typed struct per stage boundary
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// SectionSpec is one addressable sub-unit of a report template
type SectionSpec struct {
	SectionID   string `json:"section_id"`
	Title       string `json:"title"`
	HTMLContent string `json:"html_content"`
}

// ParsedTemplate is the output of template parsing
type ParsedTemplate struct {
	Name         string        `json:"name"`
	Sections     []SectionSpec `json:"sections"`
	DocumentHTML string        `json:"document_html"`
}

// SectionPlan is the planner stage output for one section
type SectionPlan struct {
	SectionID      string   `json:"section_id"`
	SectionTitle   string   `json:"section_title"`
	Objective      string   `json:"objective"`
	RequiredBlocks []string `json:"required_information_blocks"`
	MinDensity     int      `json:"min_density"`
	ForbiddenTerms []string `json:"forbidden_terms"`
}

// EvidencePack is the compressed per-section subset of retrieved context
type EvidencePack struct {
	SectionID          string                 `json:"section_id"`
	CompressedContext  map[string]interface{} `json:"compressed_context"`
	SourceURLs         []string               `json:"source_urls"`
	SourceNames        []string               `json:"source_names"`
	MockSourcesSkipped []string               `json:"mock_sources_skipped"`
	BudgetChars        int                    `json:"budget_chars"`
}

// Citation is an inline source reference extracted from rendered HTML
type Citation struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// SectionDraft is the structured extraction of one rendered section
type SectionDraft struct {
	SectionID    string     `json:"section_id"`
	SectionTitle string     `json:"section_title"`
	Summary      string     `json:"summary"`
	KeyPoints    []string   `json:"key_points"`
	ActionItems  []string   `json:"action_items"`
	Metrics      []string   `json:"metrics"`
	Citations    []Citation `json:"citations"`
	Attempt      int        `json:"attempt"`
	RetryReason  string     `json:"retry_reason,omitempty"`
	ModelName    string     `json:"model_name,omitempty"`
}

// SectionVerification is the verifier stage outcome for one draft
type SectionVerification struct {
	SectionID string                 `json:"section_id"`
	Passed    bool                   `json:"passed"`
	ErrorCode string                 `json:"error_code,omitempty"`
	Reasons   []string               `json:"reasons"`
	Metrics   map[string]interface{} `json:"metrics"`
}

// SectionDiagnostics surfaces per-section generation metadata from the
// renderer (attempts, fallbacks, validation metrics)
type SectionDiagnostics struct {
	SectionID               string   `json:"section_id"`
	OK                      bool     `json:"ok"`
	Attempts                int      `json:"attempts"`
	LatencyMS               int      `json:"latency_ms"`
	ErrorCode               string   `json:"error,omitempty"`
	ValidationError         string   `json:"validation_error,omitempty"`
	SimilarityRatio         *float64 `json:"similarity_ratio,omitempty"`
	UsedFallback            bool     `json:"used_fallback"`
	FallbackReason          string   `json:"fallback_reason,omitempty"`
	InlineSourceOK          *bool    `json:"inline_source_ok,omitempty"`
	InlineSourceCoverage    *float64 `json:"inline_source_coverage,omitempty"`
	StructureRetentionRatio *float64 `json:"structure_retention_ratio,omitempty"`
	FilledBlockCount        int      `json:"filled_block_count"`
	EmptyBlockCount         int      `json:"empty_block_count"`
	ProviderErrorType       string   `json:"provider_error_type,omitempty"`
	ProviderErrorMessage    string   `json:"provider_error_message,omitempty"`
	TimeoutHit              bool     `json:"timeout_hit"`
	SearchDegraded          bool     `json:"search_degraded"`
}

// RenderResult is the writer stage output for the whole document
type RenderResult struct {
	ReportID    string               `json:"report_id"`
	OutputPath  string               `json:"output_path"`
	HTMLContent string               `json:"html_content"`
	GeneratedAt time.Time            `json:"generated_at"`
	Sections    []SectionDiagnostics `json:"sections"`
	SearchMeta  map[string]interface{} `json:"search_meta,omitempty"`
}

// QualityReport is the final-guard outcome for the whole document.
// Deterministic given identical inputs.
type QualityReport struct {
	Passed   bool                   `json:"passed"`
	Failures []string               `json:"failures"`
	Metrics  map[string]interface{} `json:"metrics"`
}
