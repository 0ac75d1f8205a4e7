package render

import (
	"fmt"
	"strings"

	"github.com/ternarybob/narro/internal/models"
)

// FallbackNotice marks rule-based fallback content in the published
// document. The quality gate keys on this phrase.
const FallbackNotice = "Automated fallback summary"

// buildFallbackMarkdown deterministically renders a section from the
// evidence pack alone, used when both generation attempts are exhausted.
// A section-level failure never aborts the job.
func buildFallbackMarkdown(spec models.ReportJobSpec, plan models.SectionPlan, evidence models.EvidencePack) string {
	var b strings.Builder

	fmt.Fprintf(&b, "*%s — generated content was unavailable for this section.*\n\n", FallbackNotice)
	fmt.Fprintf(&b, "%s operates in the %s category. The points below are compiled directly from the collected evidence for the %q section.\n\n",
		spec.BrandName, spec.Category, plan.SectionTitle)

	b.WriteString("### Key Points\n\n")
	fmt.Fprintf(&b, "- Evidence was collected from %d sources for this section.\n", len(evidence.SourceURLs))
	if len(spec.Competitors) > 0 {
		fmt.Fprintf(&b, "- Named competitors: %s.\n", strings.Join(spec.Competitors, ", "))
	} else {
		b.WriteString("- No direct competitors were named for this report.\n")
	}
	fmt.Fprintf(&b, "- Section objective: %s.\n", plan.Objective)

	b.WriteString("\n### Action Items\n\n")
	b.WriteString("- Review the source material directly; automated synthesis did not complete.\n")
	b.WriteString("- Resubmit the report to retry generation for this section.\n")

	if len(evidence.SourceURLs) > 0 {
		b.WriteString("\n### Sources\n\n")
		for i, url := range evidence.SourceURLs {
			name := "source"
			if i < len(evidence.SourceNames) {
				name = evidence.SourceNames[i]
			}
			fmt.Fprintf(&b, "- [%s](%s)\n", name, url)
		}
	}

	return b.String()
}
