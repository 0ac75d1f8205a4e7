package quality

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/narro/internal/common"
	"github.com/ternarybob/narro/internal/interfaces"
	"github.com/ternarybob/narro/internal/models"
	"github.com/ternarybob/narro/internal/services/render"
)

var placeholderPattern = regexp.MustCompile(`\{\{[^{}]*\}\}`)

// Gate runs the final whole-document quality check. Every check is
// independent and contributes its own failure reason; the outcome is
// deterministic given identical inputs.
type Gate struct {
	config     *common.Config
	markers    []string
	vocabulary []string
	logger     arbor.ILogger
}

// NewGate creates the quality gate. Markers and vocabulary come from the
// template manifest and drive the category-pollution check.
func NewGate(config *common.Config, markers, vocabulary []string, logger arbor.ILogger) *Gate {
	return &Gate{
		config:     config,
		markers:    markers,
		vocabulary: vocabulary,
		logger:     logger,
	}
}

// Evaluate checks the finished document against all quality rules
func (g *Gate) Evaluate(input interfaces.QualityGateInput) models.QualityReport {
	failures := []string{}
	metrics := map[string]interface{}{
		"section_count": len(input.Sections),
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(input.HTMLContent))
	if err != nil {
		return models.QualityReport{
			Passed:   false,
			Failures: []string{"unparseable_document"},
			Metrics:  metrics,
		}
	}

	// Unresolved placeholders
	if matches := placeholderPattern.FindAllString(input.HTMLContent, -1); len(matches) > 0 {
		failures = append(failures, fmt.Sprintf("unresolved_placeholders: %d markers remain", len(matches)))
		metrics["unresolved_placeholders"] = len(matches)
	}

	// Fallback placeholder text in published output
	if strings.Contains(input.HTMLContent, render.FallbackNotice) {
		failures = append(failures, "fallback_content_present")
	}

	// Section titles in the exact expected order
	if !titlesInOrder(doc, input.Sections) {
		failures = append(failures, "section_title_order")
	}

	// Category pollution: vocabulary of the template's native category must
	// not leak into reports for other categories
	if !categoryMatches(input.Category, g.markers) {
		docText := strings.ToLower(doc.Text())
		leaked := []string{}
		for _, term := range g.vocabulary {
			if strings.Contains(docText, strings.ToLower(term)) {
				leaked = append(leaked, term)
			}
		}
		if len(leaked) > 0 {
			failures = append(failures, "category_pollution: "+strings.Join(leaked, ", "))
			metrics["category_pollution_terms"] = leaked
		}
	}

	// Per-section minimum rendered text length
	minLen := g.config.Jobs.SectionMinTextLen
	if minLen <= 0 {
		minLen = 180
	}
	short := []string{}
	for _, section := range input.Sections {
		text := strings.TrimSpace(doc.Find("#" + section.SectionID).Text())
		if len(text) < minLen {
			short = append(short, section.SectionID)
		}
	}
	if len(short) > 0 {
		failures = append(failures, "section_text_too_short: "+strings.Join(short, ", "))
	}

	// Draft verification failures from the verifier stage
	failedDrafts := 0
	for _, verification := range input.DraftVerifications {
		if !verification.Passed {
			failedDrafts++
		}
	}
	if failedDrafts > 0 {
		failures = append(failures, fmt.Sprintf("draft_verification_failed: %d sections", failedDrafts))
	}
	metrics["draft_verification_failures"] = failedDrafts

	// Template echo guard
	echoed := []string{}
	for _, diag := range input.SectionDiagnostics {
		if diag.SimilarityRatio != nil && *diag.SimilarityRatio > g.config.Jobs.SimilarityThreshold {
			echoed = append(echoed, diag.SectionID)
		}
	}
	if len(echoed) > 0 {
		failures = append(failures, "template_similarity_exceeded: "+strings.Join(echoed, ", "))
	}

	// Inline source-citation coverage where citable claims exist
	citable, cited := 0, 0
	for _, diag := range input.SectionDiagnostics {
		if diag.InlineSourceOK != nil {
			citable++
			if *diag.InlineSourceOK {
				cited++
			}
		}
	}
	if citable > 0 {
		coverage := float64(cited) / float64(citable)
		metrics["inline_source_coverage"] = coverage
		if coverage < g.config.Jobs.InlineSourceCoverage {
			failures = append(failures, fmt.Sprintf("inline_source_coverage: %.2f below %.2f", coverage, g.config.Jobs.InlineSourceCoverage))
		}
	}

	// Structural retention per section and aggregate fidelity
	retained := 0.0
	scored := 0
	lowRetention := []string{}
	for _, diag := range input.SectionDiagnostics {
		if diag.StructureRetentionRatio == nil {
			continue
		}
		scored++
		retained += *diag.StructureRetentionRatio
		if *diag.StructureRetentionRatio < g.config.Jobs.StructureThreshold {
			lowRetention = append(lowRetention, diag.SectionID)
		}
	}
	if len(lowRetention) > 0 {
		failures = append(failures, "structure_retention: "+strings.Join(lowRetention, ", "))
	}
	if scored > 0 {
		fidelity := retained / float64(scored)
		metrics["structure_fidelity_score"] = fidelity
		if fidelity < g.config.Jobs.StructureThreshold {
			failures = append(failures, fmt.Sprintf("structure_fidelity: %.2f below %.2f", fidelity, g.config.Jobs.StructureThreshold))
		}
	}

	// Unfilled content blocks
	emptyBlocks := 0
	for _, diag := range input.SectionDiagnostics {
		emptyBlocks += diag.EmptyBlockCount
	}
	metrics["empty_blocks"] = emptyBlocks
	if emptyBlocks > 0 {
		failures = append(failures, fmt.Sprintf("empty_blocks: %d", emptyBlocks))
	}

	return models.QualityReport{
		Passed:   len(failures) == 0,
		Failures: failures,
		Metrics:  metrics,
	}
}

// titlesInOrder verifies the expected section titles appear in the document
// headings as an in-order subsequence
func titlesInOrder(doc *goquery.Document, sections []models.SectionSpec) bool {
	headings := []string{}
	doc.Find("h1, h2, h3").Each(func(_ int, sel *goquery.Selection) {
		headings = append(headings, strings.TrimSpace(sel.Text()))
	})

	next := 0
	for _, heading := range headings {
		if next < len(sections) && heading == sections[next].Title {
			next++
		}
	}
	return next == len(sections)
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
