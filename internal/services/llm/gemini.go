package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/narro/internal/common"
	"google.golang.org/genai"
)

// GeminiProvider generates section drafts via the Google Gemini API
type GeminiProvider struct {
	config  *common.GeminiConfig
	logger  arbor.ILogger
	client  *genai.Client
	timeout time.Duration
}

// NewGeminiProvider creates a Gemini-backed section provider
func NewGeminiProvider(config *common.GeminiConfig, logger arbor.ILogger) (*GeminiProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required (set GEMINI_API_KEY or llm.gemini.api_key)")
	}
	if config.Model == "" {
		config.Model = "gemini-3-flash-preview"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	provider := &GeminiProvider{
		config:  config,
		logger:  logger,
		client:  client,
		timeout: common.Duration(config.Timeout, 2*time.Minute),
	}

	logger.Info().Str("model", config.Model).Msg("Gemini provider initialized")
	return provider, nil
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

// GenerateSection produces one section body as markdown
func (p *GeminiProvider) GenerateSection(ctx context.Context, req SectionRequest) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	contents := []*genai.Content{
		{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{genai.NewPartFromText(buildSectionPrompt(req))},
		},
	}
	config := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(p.config.Temperature),
		SystemInstruction: genai.NewContentFromText(sectionSystemPrompt, genai.RoleUser),
	}

	resp, err := p.client.Models.GenerateContent(callCtx, p.config.Model, contents, config)
	if err != nil {
		return "", fmt.Errorf("Gemini API call failed: %w", err)
	}

	var response strings.Builder
	if resp != nil {
		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					response.WriteString(part.Text)
				}
			}
			if response.Len() > 0 {
				break
			}
		}
	}
	if response.Len() == 0 {
		return "", fmt.Errorf("no response generated from Gemini API")
	}
	return response.String(), nil
}
