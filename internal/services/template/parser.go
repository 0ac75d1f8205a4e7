package template

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/narro/internal/common"
	"github.com/ternarybob/narro/internal/models"
	"gopkg.in/yaml.v3"
)

// manifestEntry describes one registered template in manifest.yaml
type manifestEntry struct {
	File                string   `yaml:"file"`
	CategoryMarkers     []string `yaml:"category_markers"`
	ForbiddenVocabulary []string `yaml:"forbidden_vocabulary"`
}

type manifest struct {
	Templates map[string]manifestEntry `yaml:"templates"`
}

// Parser resolves registered template names into parsed section structures.
// Parsed templates are cached; templates do not change at runtime.
type Parser struct {
	config   common.TemplatesConfig
	logger   arbor.ILogger
	manifest manifest

	mu    sync.Mutex
	cache map[string]*models.ParsedTemplate
}

// NewParser loads the template manifest and creates a parser
func NewParser(config common.TemplatesConfig, logger arbor.ILogger) (*Parser, error) {
	data, err := os.ReadFile(config.Manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to read template manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse template manifest: %w", err)
	}
	if len(m.Templates) == 0 {
		return nil, fmt.Errorf("template manifest %s registers no templates", config.Manifest)
	}

	logger.Info().Int("templates", len(m.Templates)).Msg("Template manifest loaded")
	return &Parser{
		config:   config,
		logger:   logger,
		manifest: m,
		cache:    make(map[string]*models.ParsedTemplate),
	}, nil
}

// Parse resolves a template name into its sections. Sections are the
// top-level elements carrying an id inside <main> (or <body> when no main
// exists); each section's title is its first heading.
func (p *Parser) Parse(templateName string) (*models.ParsedTemplate, error) {
	p.mu.Lock()
	if cached, ok := p.cache[templateName]; ok {
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	entry, ok := p.manifest.Templates[templateName]
	if !ok {
		return nil, fmt.Errorf("template %q is not registered", templateName)
	}

	path := filepath.Join(p.config.Dir, entry.File)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", path, err)
	}

	sections := []models.SectionSpec{}
	doc.Find("section[id]").Each(func(_ int, sel *goquery.Selection) {
		id, _ := sel.Attr("id")
		title := strings.TrimSpace(sel.Find("h1, h2, h3").First().Text())
		html, err := goquery.OuterHtml(sel)
		if err != nil {
			return
		}
		sections = append(sections, models.SectionSpec{
			SectionID:   id,
			Title:       title,
			HTMLContent: html,
		})
	})
	if len(sections) == 0 {
		return nil, fmt.Errorf("template %s defines no sections", path)
	}

	documentHTML, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize template %s: %w", path, err)
	}

	parsed := &models.ParsedTemplate{
		Name:         templateName,
		Sections:     sections,
		DocumentHTML: documentHTML,
	}

	p.mu.Lock()
	p.cache[templateName] = parsed
	p.mu.Unlock()

	p.logger.Debug().Str("template", templateName).Int("sections", len(sections)).Msg("Template parsed")
	return parsed, nil
}

// CategoryMarkers returns the substrings identifying the template's native
// category and the vocabulary forbidden outside it. Unknown templates
// return empty lists.
func (p *Parser) CategoryMarkers(templateName string) ([]string, []string) {
	entry, ok := p.manifest.Templates[templateName]
	if !ok {
		return nil, nil
	}
	return entry.CategoryMarkers, entry.ForbiddenVocabulary
}
