package jobs

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/narro/internal/models"
)

// verifySections extracts a structured draft per section from the rendered
// HTML and runs the local verification: content density against the plan's
// minimum and forbidden-term leakage. Drafts are returned alongside the
// verifications so the caller can persist them. A parse failure fails every
// section rather than the job.
func verifySections(html string, plans []models.SectionPlan) ([]models.SectionDraft, []models.SectionVerification) {
	drafts := make([]models.SectionDraft, 0, len(plans))
	verifications := make([]models.SectionVerification, 0, len(plans))

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		for _, plan := range plans {
			drafts = append(drafts, models.SectionDraft{
				SectionID:    plan.SectionID,
				SectionTitle: plan.SectionTitle,
				Attempt:      1,
			})
			verifications = append(verifications, models.SectionVerification{
				SectionID: plan.SectionID,
				Passed:    false,
				ErrorCode: "unparseable_html",
				Reasons:   []string{"rendered document could not be parsed"},
				Metrics:   map[string]interface{}{},
			})
		}
		return drafts, verifications
	}

	for _, plan := range plans {
		draft := extractSectionDraft(doc, plan)
		drafts = append(drafts, draft)
		verifications = append(verifications, verifyDraft(doc, plan, draft))
	}
	return drafts, verifications
}

// extractSectionDraft pulls summary, key points, action items, metrics and
// citations out of one section's rendered HTML. Sections are addressed by
// element id; a missing section yields an empty draft.
func extractSectionDraft(doc *goquery.Document, plan models.SectionPlan) models.SectionDraft {
	draft := models.SectionDraft{
		SectionID:    plan.SectionID,
		SectionTitle: plan.SectionTitle,
		Attempt:      1,
	}

	section := doc.Find("#" + plan.SectionID).First()
	if section.Length() == 0 {
		return draft
	}

	draft.Summary = strings.TrimSpace(section.Find("p").First().Text())

	section.Find("li").Each(func(_ int, item *goquery.Selection) {
		text := strings.TrimSpace(item.Text())
		if text == "" {
			return
		}
		if item.Closest(".action-items, .actions").Length() > 0 {
			draft.ActionItems = append(draft.ActionItems, text)
		} else {
			draft.KeyPoints = append(draft.KeyPoints, text)
		}
	})

	section.Find(".metric, .metric-value").Each(func(_ int, item *goquery.Selection) {
		if text := strings.TrimSpace(item.Text()); text != "" {
			draft.Metrics = append(draft.Metrics, text)
		}
	})

	section.Find("a[href]").Each(func(_ int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		draft.Citations = append(draft.Citations, models.Citation{
			Text: strings.TrimSpace(link.Text()),
			URL:  href,
		})
	})

	return draft
}

func verifyDraft(doc *goquery.Document, plan models.SectionPlan, draft models.SectionDraft) models.SectionVerification {
	verification := models.SectionVerification{
		SectionID: plan.SectionID,
		Passed:    true,
		Reasons:   []string{},
	}

	sectionText := doc.Find("#" + plan.SectionID).Text()
	density := len(draft.KeyPoints) + len(draft.ActionItems)

	if density < plan.MinDensity {
		verification.Passed = false
		verification.ErrorCode = "low_density"
		verification.Reasons = append(verification.Reasons,
			"content density below plan minimum")
	}

	lowerText := strings.ToLower(sectionText)
	leaked := []string{}
	for _, term := range plan.ForbiddenTerms {
		if strings.Contains(lowerText, strings.ToLower(term)) {
			leaked = append(leaked, term)
		}
	}
	if len(leaked) > 0 {
		verification.Passed = false
		if verification.ErrorCode == "" {
			verification.ErrorCode = "forbidden_terms"
		}
		verification.Reasons = append(verification.Reasons,
			"forbidden terms leaked: "+strings.Join(leaked, ", "))
	}

	verification.Metrics = map[string]interface{}{
		"key_points":   len(draft.KeyPoints),
		"action_items": len(draft.ActionItems),
		"citations":    len(draft.Citations),
		"min_density":  plan.MinDensity,
		"text_chars":   len(strings.TrimSpace(sectionText)),
	}
	return verification
}
