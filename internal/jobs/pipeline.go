package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/narro/internal/common"
	"github.com/ternarybob/narro/internal/interfaces"
	"github.com/ternarybob/narro/internal/models"
)

// Pipeline drives one job through plan, retrieve, compress, write, verify,
// render and final-guard. Stages run strictly sequentially; each checks
// cancellation before starting and persists its artifact before the next
// stage begins.
type Pipeline struct {
	config    *common.Config
	store     interfaces.JobStore
	templates interfaces.TemplateParser
	collector interfaces.DataCollector
	renderer  interfaces.SectionRenderer
	gate      interfaces.QualityGateEvaluator
	events    *EventBuffer
	logger    arbor.ILogger
}

// NewPipeline wires the pipeline's collaborators
func NewPipeline(
	config *common.Config,
	store interfaces.JobStore,
	templates interfaces.TemplateParser,
	collector interfaces.DataCollector,
	renderer interfaces.SectionRenderer,
	gate interfaces.QualityGateEvaluator,
	events *EventBuffer,
	logger arbor.ILogger,
) *Pipeline {
	return &Pipeline{
		config:    config,
		store:     store,
		templates: templates,
		collector: collector,
		renderer:  renderer,
		gate:      gate,
		events:    events,
		logger:    logger,
	}
}

// Run executes the pipeline for one job. A nil return means the job reached
// a terminal state set here (succeeded, failed_quality_gate or a completion
// failure); a non-nil return is mapped to a terminal state by the caller.
func (p *Pipeline) Run(ctx context.Context, jobID string, spec models.ReportJobSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := p.store.MarkRunning(ctx, jobID); err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	p.events.Append(jobID, "running", "info", "Job started", nil)

	templateName := spec.TemplateName
	if templateName == "" {
		templateName = spec.ReportType
	}

	// planner
	if err := p.setStage(ctx, jobID, "planner", nil); err != nil {
		return err
	}
	tmpl, err := p.templates.Parse(templateName)
	if err != nil {
		return &StageError{Stage: "planner", Code: "template_not_found", Err: err}
	}
	total := len(tmpl.Sections)
	markers, vocabulary := p.templates.CategoryMarkers(templateName)
	plans := buildSectionPlans(tmpl, spec, markers, vocabulary)
	if err := p.saveJSONArtifact(ctx, jobID, "plan", "", plans); err != nil {
		return err
	}
	p.events.Append(jobID, "planner", "info",
		fmt.Sprintf("Planned %d sections", total),
		map[string]interface{}{"total_sections": total})

	// retriever
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.setStage(ctx, jobID, "retriever", &models.Progress{Stage: "retriever", TotalSections: total}); err != nil {
		return err
	}
	raw, err := p.collector.Collect(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &StageError{Stage: "retriever", Code: "data_collection_failed", Err: err}
	}
	if err := p.saveJSONArtifact(ctx, jobID, "retrieved_context", "", raw); err != nil {
		return err
	}
	p.events.Append(jobID, "retriever", "info", "Context retrieved", nil)

	// compressor
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.setStage(ctx, jobID, "compressor", &models.Progress{Stage: "compressor", TotalSections: total}); err != nil {
		return err
	}
	evidence := make([]models.EvidencePack, 0, total)
	for _, plan := range plans {
		relevant := p.collector.ExtractRelevant(plan.SectionID, raw)
		pack := buildEvidencePack(plan.SectionID, relevant, p.config.Jobs.EvidenceBudgetChars)
		evidence = append(evidence, pack)

		if err := p.saveJSONArtifact(ctx, jobID, "evidence", plan.SectionID, pack); err != nil {
			return err
		}
		_, truncated := pack.CompressedContext["_truncated"]
		if err := p.store.AppendSectionLog(ctx, jobID, models.SectionLog{
			SectionID: plan.SectionID,
			Stage:     "compressor",
			Attempt:   1,
			Status:    "succeeded",
			Metrics: map[string]interface{}{
				"budget_chars": pack.BudgetChars,
				"source_count": len(pack.SourceURLs),
				"truncated":    truncated,
			},
		}); err != nil {
			return fmt.Errorf("failed to log compressor step: %w", err)
		}
	}
	p.events.Append(jobID, "compressor", "info", "Evidence packs built", nil)

	// writer
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.setStage(ctx, jobID, "writer", &models.Progress{Stage: "writer", TotalSections: total}); err != nil {
		return err
	}
	writeStart := time.Now()
	result, err := p.renderer.Generate(ctx, spec, plans, evidence)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &StageError{Stage: "writer", Code: "render_failed", Err: err}
	}
	completed := 0
	for _, diag := range result.Sections {
		status := "failed"
		if diag.OK {
			status = "succeeded"
			completed++
		}
		if err := p.store.AppendSectionLog(ctx, jobID, models.SectionLog{
			SectionID: diag.SectionID,
			Stage:     "writer",
			Attempt:   diag.Attempts,
			Status:    status,
			ErrorCode: diag.ErrorCode,
			LatencyMS: diag.LatencyMS,
			Metrics:   diagnosticsMetrics(diag),
		}); err != nil {
			return fmt.Errorf("failed to log writer step: %w", err)
		}
	}
	if err := p.setStage(ctx, jobID, "writer", &models.Progress{Stage: "writer", CompletedSections: completed, TotalSections: total}); err != nil {
		return err
	}
	p.events.Append(jobID, "writer", "info",
		fmt.Sprintf("Generated %d/%d sections", completed, total),
		map[string]interface{}{"latency_ms": int(time.Since(writeStart).Milliseconds())})

	// verifier
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.setStage(ctx, jobID, "verifier", &models.Progress{Stage: "verifier", CompletedSections: completed, TotalSections: total}); err != nil {
		return err
	}
	drafts, verifications := verifySections(result.HTMLContent, plans)
	for _, draft := range drafts {
		if err := p.saveJSONArtifact(ctx, jobID, "draft", draft.SectionID, draft); err != nil {
			return err
		}
	}
	for _, v := range verifications {
		status := "failed"
		if v.Passed {
			status = "succeeded"
		}
		if err := p.store.AppendSectionLog(ctx, jobID, models.SectionLog{
			SectionID: v.SectionID,
			Stage:     "verifier",
			Attempt:   1,
			Status:    status,
			ErrorCode: v.ErrorCode,
			Metrics:   v.Metrics,
		}); err != nil {
			return fmt.Errorf("failed to log verifier step: %w", err)
		}
	}
	p.events.Append(jobID, "verifier", "info", "Section drafts verified", nil)

	// renderer
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.setStage(ctx, jobID, "renderer", &models.Progress{Stage: "renderer", CompletedSections: completed, TotalSections: total}); err != nil {
		return err
	}
	if err := p.store.SaveArtifact(ctx, jobID, "render", "", result.HTMLContent); err != nil {
		return fmt.Errorf("failed to save render artifact: %w", err)
	}
	p.events.Append(jobID, "renderer", "info", "Report rendered", map[string]interface{}{
		"output_path": result.OutputPath,
	})

	// final_guard
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.setStage(ctx, jobID, "final_guard", &models.Progress{Stage: "final_guard", CompletedSections: completed, TotalSections: total}); err != nil {
		return err
	}
	report := p.gate.Evaluate(interfaces.QualityGateInput{
		HTMLContent:        result.HTMLContent,
		Sections:           tmpl.Sections,
		Category:           spec.Category,
		SectionDiagnostics: result.Sections,
		DraftVerifications: verifications,
	})
	if err := p.saveJSONArtifact(ctx, jobID, "quality", "", report); err != nil {
		return err
	}
	p.events.Append(jobID, "final_guard", "info",
		fmt.Sprintf("Quality gate passed=%t failures=%d", report.Passed, len(report.Failures)),
		map[string]interface{}{"passed": report.Passed, "failures": report.Failures})

	// completion
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.complete(ctx, jobID, spec, result, verifications, report, completed, total)
}

func (p *Pipeline) complete(
	ctx context.Context,
	jobID string,
	spec models.ReportJobSpec,
	result *models.RenderResult,
	verifications []models.SectionVerification,
	report models.QualityReport,
	completed, total int,
) error {
	allFallback := total > 0
	for _, diag := range result.Sections {
		if !diag.UsedFallback {
			allFallback = false
			break
		}
	}
	if p.config.Jobs.FailJobOnAllFallbacks && allFallback {
		if err := p.store.MarkFailed(ctx, jobID, "all_sections_fallback",
			"Every section fell back to rule-based rendering", "", ""); err != nil {
			return fmt.Errorf("failed to record fallback failure: %w", err)
		}
		p.events.Append(jobID, "failed", "error", "Every section fell back to rule-based rendering", nil)
		return nil
	}

	if !report.Passed && !p.config.Jobs.PublishOnQualityFail {
		message := strings.Join(report.Failures, "; ")
		if err := p.store.MarkFailed(ctx, jobID, "quality_gate_failed", message,
			models.JobStatusFailedQualityGate, "failed_quality_gate"); err != nil {
			return fmt.Errorf("failed to record quality gate failure: %w", err)
		}
		p.events.Append(jobID, "failed_quality_gate", "error", "Quality gate blocked publication",
			map[string]interface{}{"failures": report.Failures})
		p.logger.Warn().Str("job_id", jobID).
			Int("failures", len(report.Failures)).
			Msg("Quality gate blocked publication")
		return nil
	}

	payload := map[string]interface{}{
		"report_id":                       result.ReportID,
		"report_type":                     spec.ReportType,
		"brand_name":                      spec.BrandName,
		"output_path":                     result.OutputPath,
		"generated_at":                    result.GeneratedAt.Format(time.RFC3339),
		"sections_completed":              completed,
		"sections_total":                  total,
		"llm_diagnostics":                 result.Sections,
		"verifications":                   verifications,
		"quality_gate":                    report,
		"quality_gate_passed":             report.Passed,
		"published_with_quality_warnings": !report.Passed,
	}
	if result.SearchMeta != nil {
		payload["search_meta"] = result.SearchMeta
	}
	if err := p.saveJSONArtifact(ctx, jobID, "final", "", payload); err != nil {
		return err
	}
	if err := p.store.MarkSucceeded(ctx, jobID, payload); err != nil {
		return fmt.Errorf("failed to mark job succeeded: %w", err)
	}
	p.events.Append(jobID, "completed", "info", "Report published", map[string]interface{}{
		"report_id":   result.ReportID,
		"output_path": result.OutputPath,
	})
	p.logger.Info().Str("job_id", jobID).Str("report_id", result.ReportID).
		Bool("quality_gate_passed", report.Passed).
		Msg("Job completed")
	return nil
}

func (p *Pipeline) setStage(ctx context.Context, jobID, stage string, progress *models.Progress) error {
	if err := p.store.UpdateStage(ctx, jobID, stage, progress); err != nil {
		return fmt.Errorf("failed to update stage %s: %w", stage, err)
	}
	return nil
}

func (p *Pipeline) saveJSONArtifact(ctx context.Context, jobID, artifactType, sectionID string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize %s artifact: %w", artifactType, err)
	}
	if err := p.store.SaveArtifact(ctx, jobID, artifactType, sectionID, string(data)); err != nil {
		return fmt.Errorf("failed to save %s artifact: %w", artifactType, err)
	}
	return nil
}

// buildSectionPlans derives one plan per template section. Reports outside
// the template's native category forbid that category's vocabulary leaking
// into generated text.
func buildSectionPlans(tmpl *models.ParsedTemplate, spec models.ReportJobSpec, markers, vocabulary []string) []models.SectionPlan {
	forbidden := []string{}
	if !categoryMatches(spec.Category, markers) {
		forbidden = vocabulary
	}

	plans := make([]models.SectionPlan, 0, len(tmpl.Sections))
	for _, section := range tmpl.Sections {
		plans = append(plans, models.SectionPlan{
			SectionID:    section.SectionID,
			SectionTitle: section.Title,
			Objective: fmt.Sprintf("Deliver the %q analysis for %s in the %s category",
				section.Title, spec.BrandName, spec.Category),
			RequiredBlocks: []string{"summary", "key_points", "action_items"},
			MinDensity:     3,
			ForbiddenTerms: forbidden,
		})
	}
	return plans
}

func categoryMatches(category string, markers []string) bool {
	lower := strings.ToLower(category)
	for _, marker := range markers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// buildEvidencePack truncates oversized context to the byte budget keeping
// both the head and the tail, so framing and conclusion context survive.
// 60% of the budget goes to the head, 25% to the tail.
func buildEvidencePack(sectionID string, relevant map[string]interface{}, budgetChars int) models.EvidencePack {
	if budgetChars <= 0 {
		budgetChars = 8000
	}

	pack := models.EvidencePack{
		SectionID:   sectionID,
		BudgetChars: budgetChars,
		SourceURLs:  []string{},
		SourceNames: []string{},
	}

	if sources, ok := relevant["sources"].([]map[string]interface{}); ok {
		for _, source := range sources {
			if url, ok := source["url"].(string); ok && url != "" {
				pack.SourceURLs = append(pack.SourceURLs, url)
			}
			if name, ok := source["name"].(string); ok && name != "" {
				pack.SourceNames = append(pack.SourceNames, name)
			}
		}
	}
	if skipped, ok := relevant["mock_sources_skipped"].([]string); ok {
		pack.MockSourcesSkipped = skipped
	}

	serialized, err := json.Marshal(relevant)
	if err != nil || len(serialized) <= budgetChars {
		pack.CompressedContext = relevant
		return pack
	}

	text := string(serialized)
	head := budgetChars * 60 / 100
	tail := budgetChars * 25 / 100
	pack.CompressedContext = map[string]interface{}{
		"_truncated":     true,
		"head":           text[:head],
		"tail":           text[len(text)-tail:],
		"original_chars": len(text),
	}
	return pack
}

func diagnosticsMetrics(diag models.SectionDiagnostics) map[string]interface{} {
	metrics := map[string]interface{}{
		"attempts":      diag.Attempts,
		"used_fallback": diag.UsedFallback,
		"timeout_hit":   diag.TimeoutHit,
	}
	if diag.SimilarityRatio != nil {
		metrics["similarity_ratio"] = *diag.SimilarityRatio
	}
	if diag.InlineSourceCoverage != nil {
		metrics["inline_source_coverage"] = *diag.InlineSourceCoverage
	}
	if diag.StructureRetentionRatio != nil {
		metrics["structure_retention_ratio"] = *diag.StructureRetentionRatio
	}
	if diag.FallbackReason != "" {
		metrics["fallback_reason"] = diag.FallbackReason
	}
	return metrics
}
