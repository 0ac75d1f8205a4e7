package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/narro/internal/common"
	"github.com/ternarybob/narro/internal/models"
	"github.com/ternarybob/narro/internal/services/search"
)

// Searcher is the slice of the search client the collector uses
type Searcher interface {
	Enabled() bool
	Search(ctx context.Context, query string) ([]search.Result, error)
}

// Collector gathers raw job context: deterministic mock source blocks,
// optionally enriched with live web search. Called once per job.
type Collector struct {
	config   *common.Config
	searcher Searcher
	logger   arbor.ILogger
}

// NewCollector creates a data collector
func NewCollector(config *common.Config, searcher Searcher, logger arbor.ILogger) *Collector {
	return &Collector{
		config:   config,
		searcher: searcher,
		logger:   logger,
	}
}

// Collect assembles the raw context map for one job. Search failures
// degrade the context instead of failing collection; the mock blocks always
// provide a floor of usable evidence.
func (c *Collector) Collect(ctx context.Context, spec models.ReportJobSpec) (map[string]interface{}, error) {
	raw := map[string]interface{}{
		"brand":        spec.BrandName,
		"category":     spec.Category,
		"competitors":  spec.Competitors,
		"collected_at": time.Now().Format(time.RFC3339),
	}

	sources := []map[string]interface{}{
		{"name": "Category Demand Tracker", "url": "https://data.narro.local/demand/" + slug(spec.Category)},
		{"name": "Consumer Sentiment Panel", "url": "https://data.narro.local/sentiment/" + slug(spec.BrandName)},
		{"name": "Commerce Channel Monitor", "url": "https://data.narro.local/commerce/" + slug(spec.BrandName)},
	}

	raw["market_overview"] = fmt.Sprintf(
		"The %s category shows steady consumer demand with moderate seasonal swings. %s competes against %d named competitors; category growth is driven by repeat purchase behavior and channel expansion.",
		spec.Category, spec.BrandName, len(spec.Competitors))
	raw["consumer_sentiment"] = fmt.Sprintf(
		"Panel sentiment for %s trends positive on product quality and mixed on price. Review volume is concentrated on flagship lines; complaint themes center on availability.",
		spec.BrandName)
	raw["commerce_metrics"] = fmt.Sprintf(
		"Tracked commerce channels report stable sell-through for %s with conversion in line with the %s category median. Promotional lift is short-lived relative to category peers.",
		spec.BrandName, spec.Category)
	raw["competitor_digest"] = competitorDigest(spec)

	skipped := []string{}
	if spec.EnableWebSearch && c.searcher.Enabled() {
		hits, degraded := c.runSearches(ctx, spec)
		if len(hits) > 0 {
			raw["search_results"] = hits
			for _, hit := range hits {
				sources = append(sources, map[string]interface{}{
					"name": hit["title"],
					"url":  hit["url"],
				})
			}
			// Live results supersede the canned competitor digest
			delete(raw, "competitor_digest")
			skipped = append(skipped, "competitor_digest")
		}
		if degraded {
			raw["search_degraded"] = true
		}
	}

	raw["sources"] = sources
	raw["mock_sources_skipped"] = skipped
	return raw, nil
}

// runSearches executes the job's search queries within the configured total
// time budget. Partial results are kept; any failure marks degradation.
func (c *Collector) runSearches(ctx context.Context, spec models.ReportJobSpec) ([]map[string]interface{}, bool) {
	budget := common.Duration(c.config.Search.TotalBudget, 45*time.Second)
	searchCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	queries := []string{
		fmt.Sprintf("%s %s market analysis", spec.BrandName, spec.Category),
		fmt.Sprintf("%s reviews sentiment", spec.BrandName),
		fmt.Sprintf("%s market trends", spec.Category),
	}

	hits := []map[string]interface{}{}
	degraded := false
	for _, query := range queries {
		results, err := c.searcher.Search(searchCtx, query)
		if err != nil {
			c.logger.Warn().Err(err).Str("query", query).Msg("Search degraded")
			degraded = true
			if searchCtx.Err() != nil {
				break
			}
			continue
		}
		for _, result := range results {
			hits = append(hits, map[string]interface{}{
				"title":   result.Title,
				"url":     result.URL,
				"snippet": result.Snippet,
				"query":   query,
			})
		}
	}
	return hits, degraded
}

// sectionBlocks maps section-id keywords to the mock context block each
// section draws from
var sectionBlocks = map[string]string{
	"market":    "market_overview",
	"landscape": "market_overview",
	"sentiment": "consumer_sentiment",
	"consumer":  "consumer_sentiment",
	"social":    "consumer_sentiment",
	"commerce":  "commerce_metrics",
	"channel":   "commerce_metrics",
	"sales":     "commerce_metrics",
	"competit":  "competitor_digest",
}

// ExtractRelevant selects the subset of raw context one section needs:
// identity fields, sources, search hits and the matching mock blocks.
func (c *Collector) ExtractRelevant(sectionID string, raw map[string]interface{}) map[string]interface{} {
	relevant := map[string]interface{}{}
	for _, key := range []string{"brand", "category", "competitors", "sources", "search_results", "search_degraded", "mock_sources_skipped"} {
		if value, ok := raw[key]; ok {
			relevant[key] = value
		}
	}

	lower := strings.ToLower(sectionID)
	matched := false
	for keyword, block := range sectionBlocks {
		if strings.Contains(lower, keyword) {
			if value, ok := raw[block]; ok {
				relevant[block] = value
				matched = true
			}
		}
	}
	if !matched {
		if value, ok := raw["market_overview"]; ok {
			relevant["market_overview"] = value
		}
	}
	return relevant
}

func competitorDigest(spec models.ReportJobSpec) string {
	if len(spec.Competitors) == 0 {
		return fmt.Sprintf("No direct competitors were named for %s; category median benchmarks apply.", spec.BrandName)
	}
	return fmt.Sprintf(
		"Named competitors for %s: %s. Positioning clusters on price and distribution reach; none holds a dominant share of the %s category.",
		spec.BrandName, strings.Join(spec.Competitors, ", "), spec.Category)
}

func slug(value string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), " ", "-")
}
