package interfaces

import (
	"context"

	"github.com/ternarybob/narro/internal/models"
)

// TemplateParser resolves a registered template name into its sections
type TemplateParser interface {
	Parse(templateName string) (*models.ParsedTemplate, error)
	// CategoryMarkers returns the substrings identifying the template's
	// native category, and the vocabulary forbidden outside it.
	CategoryMarkers(templateName string) (markers []string, vocabulary []string)
}

// DataCollector gathers raw context for a job. Called once per job.
type DataCollector interface {
	Collect(ctx context.Context, spec models.ReportJobSpec) (map[string]interface{}, error)
	// ExtractRelevant selects the subset of raw context relevant to one section
	ExtractRelevant(sectionID string, raw map[string]interface{}) map[string]interface{}
}

// SectionRenderer produces the full report document from plans and evidence.
// It retries and time-boxes per section internally and reports per-section
// diagnostics; a section failure yields a fallback rendering, never an error.
type SectionRenderer interface {
	Generate(ctx context.Context, spec models.ReportJobSpec, plans []models.SectionPlan, evidence []models.EvidencePack) (*models.RenderResult, error)
}

// QualityGateInput bundles everything the final whole-document check needs
type QualityGateInput struct {
	HTMLContent        string
	Sections           []models.SectionSpec
	Category           string
	SectionDiagnostics []models.SectionDiagnostics
	DraftVerifications []models.SectionVerification
}

// QualityGateEvaluator runs the final whole-document quality check.
// All checks are independent; there is no short-circuit.
type QualityGateEvaluator interface {
	Evaluate(input QualityGateInput) models.QualityReport
}
