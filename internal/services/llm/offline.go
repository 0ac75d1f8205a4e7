package llm

import (
	"context"
	"fmt"
	"strings"
)

// OfflineProvider produces deterministic section drafts without any network
// calls. Used when use_llm is disabled and as the test provider.
type OfflineProvider struct{}

// NewOfflineProvider creates the deterministic offline provider
func NewOfflineProvider() *OfflineProvider {
	return &OfflineProvider{}
}

func (p *OfflineProvider) Name() string {
	return "offline"
}

// GenerateSection deterministically assembles markdown from the evidence
// pack. Output is stable given identical inputs.
func (p *OfflineProvider) GenerateSection(ctx context.Context, req SectionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var b strings.Builder

	fmt.Fprintf(&b, "%s holds a defined position in the %s category, and the assembled evidence points to concrete opportunities in the %s area. ",
		req.BrandName, req.Category, strings.ToLower(req.Plan.SectionTitle))
	fmt.Fprintf(&b, "The assessment below draws on %d evidence sources covering demand signals, competitive positioning and channel performance.\n\n",
		len(req.Evidence.SourceURLs))

	b.WriteString("### Key Points\n\n")
	fmt.Fprintf(&b, "- %s maintains measurable brand recognition within the %s category%s.\n",
		req.BrandName, req.Category, citation(req, 0))
	if len(req.Competitors) > 0 {
		fmt.Fprintf(&b, "- Competitive pressure is concentrated around %s, with differentiation strongest on product quality%s.\n",
			strings.Join(req.Competitors, ", "), citation(req, 1))
	} else {
		fmt.Fprintf(&b, "- No direct competitors were named for this report; the category baseline is used for comparison%s.\n",
			citation(req, 1))
	}
	fmt.Fprintf(&b, "- Channel data indicates stable demand with seasonal variation typical for %s products%s.\n",
		req.Category, citation(req, 2))
	fmt.Fprintf(&b, "- Customer sentiment trends positive on core product attributes and mixed on price perception%s.\n",
		citation(req, 3))

	b.WriteString("\n### Action Items\n\n")
	fmt.Fprintf(&b, "- Prioritize the highest-signal opportunity identified for %s this quarter.\n",
		strings.ToLower(req.Plan.SectionTitle))
	b.WriteString("- Re-run this analysis after the next data refresh to confirm trend direction.\n")
	b.WriteString("- Validate the flagged risks against first-party sales data before acting.\n")

	return b.String(), nil
}

// citation returns an inline markdown link to the i-th evidence source,
// cycling when fewer sources exist. Empty when the pack has no sources.
func citation(req SectionRequest, i int) string {
	if len(req.Evidence.SourceURLs) == 0 {
		return ""
	}
	idx := i % len(req.Evidence.SourceURLs)
	name := "source"
	if idx < len(req.Evidence.SourceNames) {
		name = req.Evidence.SourceNames[idx]
	}
	return fmt.Sprintf(" ([%s](%s))", name, req.Evidence.SourceURLs[idx])
}
