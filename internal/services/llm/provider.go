package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/narro/internal/common"
	"github.com/ternarybob/narro/internal/models"
	"golang.org/x/time/rate"
)

// SectionRequest carries everything one section-generation call needs
type SectionRequest struct {
	BrandName   string
	Category    string
	Competitors []string
	Plan        models.SectionPlan
	Evidence    models.EvidencePack
	// RelaxedCoverage signals a retry attempt with relaxed citation
	// requirements and compressed evidence
	RelaxedCoverage bool
}

// Provider generates one section body as markdown. Implementations must
// honor ctx cancellation and deadlines.
type Provider interface {
	Name() string
	GenerateSection(ctx context.Context, req SectionRequest) (string, error)
}

// NewProvider builds the configured provider wrapped with its rate limiter
func NewProvider(config *common.Config, logger arbor.ILogger) (Provider, error) {
	var (
		provider Provider
		limit    rate.Limit
		err      error
	)

	switch config.LLM.DefaultProvider {
	case common.LLMProviderClaude:
		provider, err = NewClaudeProvider(&config.LLM.Claude, logger)
		limit = common.ParseRateLimit(config.LLM.Claude.RateLimit, rate.Every(0))
	case common.LLMProviderGemini:
		provider, err = NewGeminiProvider(&config.LLM.Gemini, logger)
		limit = common.ParseRateLimit(config.LLM.Gemini.RateLimit, rate.Every(0))
	case common.LLMProviderOffline:
		return NewOfflineProvider(), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", config.LLM.DefaultProvider)
	}
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		return provider, nil
	}
	return &rateLimitedProvider{
		inner:   provider,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// rateLimitedProvider blocks each call on a token bucket so concurrent
// workers share one API quota
type rateLimitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

func (p *rateLimitedProvider) Name() string {
	return p.inner.Name()
}

func (p *rateLimitedProvider) GenerateSection(ctx context.Context, req SectionRequest) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return p.inner.GenerateSection(ctx, req)
}

// buildSectionPrompt assembles the user prompt for one section
func buildSectionPrompt(req SectionRequest) string {
	coverage := "Cite every factual claim inline with its source."
	if req.RelaxedCoverage {
		coverage = "Cite sources inline where evidence supports a claim."
	}
	return fmt.Sprintf(`Write the %q section of a %s market report for the brand %q.

Objective: %s
Competitors in scope: %v
Minimum content density: %d bullet points across key points and action items.

Respond in markdown with a short summary paragraph, a "Key Points" bullet
list, and an "Action Items" bullet list. %s

Evidence (JSON):
%s`,
		req.Plan.SectionTitle,
		req.Category,
		req.BrandName,
		req.Plan.Objective,
		req.Competitors,
		req.Plan.MinDensity,
		coverage,
		formatEvidence(req.Evidence),
	)
}

const sectionSystemPrompt = "You are a market research analyst. Use only the supplied evidence; never invent statistics. Output markdown only, no preamble."

func formatEvidence(evidence models.EvidencePack) string {
	data, err := json.MarshalIndent(map[string]interface{}{
		"context":      evidence.CompressedContext,
		"source_urls":  evidence.SourceURLs,
		"source_names": evidence.SourceNames,
	}, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
