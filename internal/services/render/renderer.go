package render

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/narro/internal/common"
	"github.com/ternarybob/narro/internal/interfaces"
	"github.com/ternarybob/narro/internal/models"
	"github.com/ternarybob/narro/internal/services/llm"
	"github.com/yuin/goldmark"
)

// Renderer produces the full report document. Per section it budgets time
// from the remaining job deadline, makes one generation attempt plus at
// most one relaxed retry, validates the output, and falls back to a
// deterministic rendering on exhaustion. Section failures never surface as
// errors; they are reported through diagnostics.
type Renderer struct {
	config    *common.Config
	templates interfaces.TemplateParser
	provider  llm.Provider
	markdown  goldmark.Markdown
	logger    arbor.ILogger
}

// NewRenderer creates the section renderer
func NewRenderer(config *common.Config, templates interfaces.TemplateParser, provider llm.Provider, logger arbor.ILogger) *Renderer {
	return &Renderer{
		config:    config,
		templates: templates,
		provider:  provider,
		markdown:  goldmark.New(),
		logger:    logger,
	}
}

// Generate renders the whole document. Returns an error only on
// catastrophic faults (template missing, output I/O, cancellation).
func (r *Renderer) Generate(ctx context.Context, spec models.ReportJobSpec, plans []models.SectionPlan, evidence []models.EvidencePack) (*models.RenderResult, error) {
	templateName := spec.TemplateName
	if templateName == "" {
		templateName = spec.ReportType
	}
	tmpl, err := r.templates.Parse(templateName)
	if err != nil {
		return nil, fmt.Errorf("failed to load template: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(tmpl.DocumentHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template document: %w", err)
	}

	// Template section texts and structure features, captured before any
	// injection mutates the document
	templateText := map[string]string{}
	expectedFeatures := map[string]int{}
	for _, section := range tmpl.Sections {
		sel := doc.Find("#" + section.SectionID)
		templateText[section.SectionID] = strings.TrimSpace(sel.Text())
		expectedFeatures[section.SectionID] = countStructuralFeatures(sel)
	}

	evidenceByID := map[string]models.EvidencePack{}
	for _, pack := range evidence {
		evidenceByID[pack.SectionID] = pack
	}

	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		deadline = time.Now().Add(common.Duration(r.config.Jobs.SoftTimeout, 12*time.Minute))
	}

	diagnostics := make([]models.SectionDiagnostics, 0, len(plans))

	for i, plan := range plans {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pack := evidenceByID[plan.SectionID]
		first, retry := splitSectionBudget(time.Until(deadline), len(plans)-i)
		first = clampBudget(first, common.Duration(r.config.Jobs.SectionFirstTimeout, 90*time.Second))
		retry = clampBudget(retry, common.Duration(r.config.Jobs.SectionRetryTimeout, 60*time.Second))

		diag, body := r.renderSection(ctx, spec, plan, pack, templateText[plan.SectionID], first, retry, spec.UseLLM)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// strict_llm escalates a failed section to a job failure instead of
		// publishing its fallback text
		if spec.StrictLLM && spec.UseLLM && diag.UsedFallback {
			return nil, fmt.Errorf("section %s failed in strict mode: %s", plan.SectionID, diag.FallbackReason)
		}

		html, renderErr := r.markdownToHTML(body)
		if renderErr != nil {
			// Markdown conversion never fails on our own fallback text
			html = "<p>" + FallbackNotice + "</p>"
			diag.UsedFallback = true
			diag.FallbackReason = "markdown_conversion_failed"
		}

		target := doc.Find("#" + plan.SectionID + " .section-body").First()
		if target.Length() > 0 {
			target.SetHtml(html)
		} else {
			diag.ValidationError = "section body slot missing"
		}

		// Post-injection structural metrics
		sel := doc.Find("#" + plan.SectionID)
		retention := structureRetention(sel, expectedFeatures[plan.SectionID])
		diag.StructureRetentionRatio = &retention
		diag.FilledBlockCount, diag.EmptyBlockCount = countBlocks(sel)

		diagnostics = append(diagnostics, diag)
	}

	finalHTML, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize report document: %w", err)
	}

	reportID := common.NewReportID()
	outputPath, err := r.writeReport(reportID, finalHTML)
	if err != nil {
		return nil, err
	}

	result := &models.RenderResult{
		ReportID:    reportID,
		OutputPath:  outputPath,
		HTMLContent: finalHTML,
		GeneratedAt: time.Now(),
		Sections:    diagnostics,
	}
	for _, pack := range evidence {
		if degraded, ok := pack.CompressedContext["search_degraded"].(bool); ok && degraded {
			result.SearchMeta = map[string]interface{}{"search_degraded": true}
			break
		}
	}
	return result, nil
}

// renderSection runs the attempt/retry/fallback ladder for one section and
// returns its diagnostics plus the markdown body to inject
func (r *Renderer) renderSection(
	ctx context.Context,
	spec models.ReportJobSpec,
	plan models.SectionPlan,
	pack models.EvidencePack,
	templateText string,
	first, retry time.Duration,
	useLLM bool,
) (models.SectionDiagnostics, string) {
	diag := models.SectionDiagnostics{SectionID: plan.SectionID}
	start := time.Now()
	defer func() {
		diag.LatencyMS = int(time.Since(start).Milliseconds())
	}()

	if !useLLM {
		diag.UsedFallback = true
		diag.FallbackReason = "llm_disabled"
		diag.Attempts = 0
		diag.OK = true
		return diag, buildFallbackMarkdown(spec, plan, pack)
	}

	// First attempt
	diag.Attempts = 1
	body, err := r.attempt(ctx, spec, plan, pack, first, false)
	if err == nil {
		if reason, similarity, cited := r.validate(body, plan, templateText, pack, false); reason == "" {
			diag.OK = true
			diag.SimilarityRatio = &similarity
			diag.InlineSourceOK = &cited
			return diag, body
		} else {
			diag.ValidationError = reason
		}
	} else {
		diag.TimeoutHit = diag.TimeoutHit || isTimeout(err)
		diag.ProviderErrorType = fmt.Sprintf("%T", err)
		diag.ProviderErrorMessage = err.Error()
	}
	if ctx.Err() != nil {
		diag.ErrorCode = "cancelled"
		diag.UsedFallback = true
		diag.FallbackReason = "job_cancelled"
		return diag, buildFallbackMarkdown(spec, plan, pack)
	}

	// Retry with relaxed coverage and compressed evidence, when affordable
	if retry > 0 {
		diag.Attempts = 2
		retryPack := compressForRetry(pack, r.config.Jobs.RetryCompressionRatio)
		body, err = r.attempt(ctx, spec, plan, retryPack, retry, true)
		if err == nil {
			if reason, similarity, cited := r.validate(body, plan, templateText, retryPack, true); reason == "" {
				diag.OK = true
				diag.SimilarityRatio = &similarity
				diag.InlineSourceOK = &cited
				return diag, body
			} else {
				diag.ValidationError = reason
			}
		} else {
			diag.TimeoutHit = diag.TimeoutHit || isTimeout(err)
			diag.ProviderErrorType = fmt.Sprintf("%T", err)
			diag.ProviderErrorMessage = err.Error()
		}
	}

	diag.UsedFallback = true
	diag.FallbackReason = firstNonEmpty(diag.ValidationError, "generation_failed")
	if diag.ValidationError != "" {
		diag.ErrorCode = "validation_failed"
	} else {
		diag.ErrorCode = "generation_failed"
	}
	return diag, buildFallbackMarkdown(spec, plan, pack)
}

func (r *Renderer) attempt(ctx context.Context, spec models.ReportJobSpec, plan models.SectionPlan, pack models.EvidencePack, budget time.Duration, relaxed bool) (string, error) {
	if budget <= 0 {
		return "", context.DeadlineExceeded
	}
	attemptCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	return r.provider.GenerateSection(attemptCtx, llm.SectionRequest{
		BrandName:       spec.BrandName,
		Category:        spec.Category,
		Competitors:     spec.Competitors,
		Plan:            plan,
		Evidence:        pack,
		RelaxedCoverage: relaxed,
	})
}

// validate checks one generated body. An empty reason means the body is
// acceptable; otherwise the reason names the first violated rule.
func (r *Renderer) validate(body string, plan models.SectionPlan, templateText string, pack models.EvidencePack, relaxed bool) (reason string, similarity float64, cited bool) {
	minLen := r.config.Jobs.SectionMinTextLen
	if minLen <= 0 {
		minLen = 180
	}
	cited = strings.Contains(body, "](")
	similarity = diceSimilarity(body, templateText)

	if len(strings.TrimSpace(body)) < minLen {
		return "too_short", similarity, cited
	}
	if templateText != "" && similarity > r.config.Jobs.SimilarityThreshold {
		return "template_echo", similarity, cited
	}
	if len(pack.SourceURLs) > 0 && !cited && !relaxed {
		return "missing_citations", similarity, cited
	}
	lower := strings.ToLower(body)
	for _, term := range plan.ForbiddenTerms {
		if strings.Contains(lower, strings.ToLower(term)) {
			return "forbidden_terms", similarity, cited
		}
	}
	return "", similarity, cited
}

func (r *Renderer) markdownToHTML(body string) (string, error) {
	var buf bytes.Buffer
	if err := r.markdown.Convert([]byte(body), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (r *Renderer) writeReport(reportID, html string) (string, error) {
	dir := r.config.Output.Dir
	if dir == "" {
		dir = "./output"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(dir, reportID+".html")
	if err := os.WriteFile(path, []byte(html), 0644); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}
	return path, nil
}

// compressForRetry shrinks an evidence pack's truncation budget by the
// retry compression ratio, re-truncating head and tail slices
func compressForRetry(pack models.EvidencePack, ratio float64) models.EvidencePack {
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.55
	}
	compressed := pack
	compressed.BudgetChars = int(float64(pack.BudgetChars) * ratio)

	contents := make(map[string]interface{}, len(pack.CompressedContext))
	for key, value := range pack.CompressedContext {
		if text, ok := value.(string); ok && len(text) > compressed.BudgetChars/2 {
			contents[key] = text[:compressed.BudgetChars/2]
			continue
		}
		contents[key] = value
	}
	compressed.CompressedContext = contents
	return compressed
}

// diceSimilarity computes the Sorensen-Dice coefficient over character
// bigrams. Deterministic, case-insensitive, whitespace-normalized.
func diceSimilarity(a, b string) float64 {
	na := normalizeForSimilarity(a)
	nb := normalizeForSimilarity(b)
	if na == nb {
		return 1.0
	}
	if len(na) < 2 || len(nb) < 2 {
		return 0.0
	}

	bigrams := map[string]int{}
	for i := 0; i < len(na)-1; i++ {
		bigrams[na[i:i+2]]++
	}
	matches := 0
	for i := 0; i < len(nb)-1; i++ {
		pair := nb[i : i+2]
		if bigrams[pair] > 0 {
			bigrams[pair]--
			matches++
		}
	}
	return 2.0 * float64(matches) / float64(len(na)-1+len(nb)-1)
}

func normalizeForSimilarity(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// structural feature selectors shared with the quality gate's fidelity
// scoring
const structuralSelector = "h1, h2, h3, .card, .grid, .metrics-grid, table, ul, ol"

func countStructuralFeatures(sel *goquery.Selection) int {
	count := sel.Find(structuralSelector).Length()
	if goquery.NodeName(sel) == "section" {
		count++
	}
	return count
}

// structureRetention reports what fraction of the template's structural
// elements survive in the rendered section. Generated lists may push the
// raw count above expected; the ratio caps at 1.
func structureRetention(sel *goquery.Selection, expected int) float64 {
	if expected <= 0 {
		return 1.0
	}
	present := countStructuralFeatures(sel)
	if present >= expected {
		return 1.0
	}
	return float64(present) / float64(expected)
}

// countBlocks reports filled and empty content slots within a section
func countBlocks(sel *goquery.Selection) (filled, empty int) {
	sel.Find(".section-body").Each(func(_ int, block *goquery.Selection) {
		if strings.TrimSpace(block.Text()) == "" {
			empty++
		} else {
			filled++
		}
	})
	return filled, empty
}

func isTimeout(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "deadline exceeded") || strings.Contains(err.Error(), "timeout"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
