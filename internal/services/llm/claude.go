package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/narro/internal/common"
)

// ClaudeProvider generates section drafts via the Anthropic Claude API
type ClaudeProvider struct {
	config  *common.ClaudeConfig
	logger  arbor.ILogger
	client  *anthropic.Client
	timeout time.Duration
}

// NewClaudeProvider creates a Claude-backed section provider
func NewClaudeProvider(config *common.ClaudeConfig, logger arbor.ILogger) (*ClaudeProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required (set ANTHROPIC_API_KEY or llm.claude.api_key)")
	}
	if config.Model == "" {
		config.Model = "claude-haiku-3-5-20241022"
	}

	client := anthropic.NewClient(
		option.WithAPIKey(config.APIKey),
	)

	provider := &ClaudeProvider{
		config:  config,
		logger:  logger,
		client:  &client,
		timeout: common.Duration(config.Timeout, 2*time.Minute),
	}

	logger.Info().Str("model", config.Model).Msg("Claude provider initialized")
	return provider, nil
}

func (p *ClaudeProvider) Name() string {
	return "claude"
}

// GenerateSection produces one section body as markdown
func (p *ClaudeProvider) GenerateSection(ctx context.Context, req SectionRequest) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	maxTokens := p.config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.config.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildSectionPrompt(req))),
		},
		System: []anthropic.TextBlockParam{
			{Text: sectionSystemPrompt},
		},
	}
	if p.config.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(p.config.Temperature))
	}

	resp, err := p.client.Messages.New(callCtx, params)
	if err != nil {
		return "", fmt.Errorf("Claude API call failed: %w", err)
	}

	var response strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			response.WriteString(block.Text)
		}
	}
	if response.Len() == 0 {
		return "", fmt.Errorf("no response generated from Claude API")
	}
	return response.String(), nil
}
