package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/narro/internal/common"
)

const testTemplate = `<!DOCTYPE html>
<html>
<head><title>Test Report</title></head>
<body>
<main>
<h1>{{brand_name}} Report</h1>
<section id="market_landscape" class="report-section card">
  <h2>Market Landscape</h2>
  <div class="section-body">{{market_landscape_content}}</div>
</section>
<section id="recommendations" class="report-section card">
  <h2>Recommendations</h2>
  <div class="section-body">{{recommendations_content}}</div>
</section>
</main>
</body>
</html>`

const testManifest = `templates:
  brand_health:
    file: brand_health.html
    category_markers:
      - haircare
      - hair
    forbidden_vocabulary:
      - shampoo
      - conditioner
`

func setupParser(t *testing.T) *Parser {
	t.Helper()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "brand_health.html"), []byte(testTemplate), 0644))
	manifestPath := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(testManifest), 0644))

	parser, err := NewParser(common.TemplatesConfig{
		Dir:      dir,
		Manifest: manifestPath,
	}, arbor.NewLogger())
	require.NoError(t, err)
	return parser
}

func TestNewParserMissingManifest(t *testing.T) {
	_, err := NewParser(common.TemplatesConfig{
		Dir:      t.TempDir(),
		Manifest: "/nonexistent/manifest.yaml",
	}, arbor.NewLogger())
	assert.Error(t, err)
}

func TestNewParserEmptyManifest(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte("templates: {}\n"), 0644))

	_, err := NewParser(common.TemplatesConfig{Dir: dir, Manifest: manifestPath}, arbor.NewLogger())
	assert.Error(t, err)
}

func TestParseSections(t *testing.T) {
	parser := setupParser(t)

	parsed, err := parser.Parse("brand_health")
	require.NoError(t, err)

	assert.Equal(t, "brand_health", parsed.Name)
	require.Len(t, parsed.Sections, 2)
	assert.Equal(t, "market_landscape", parsed.Sections[0].SectionID)
	assert.Equal(t, "Market Landscape", parsed.Sections[0].Title)
	assert.Contains(t, parsed.Sections[0].HTMLContent, "{{market_landscape_content}}")
	assert.Equal(t, "recommendations", parsed.Sections[1].SectionID)
	assert.NotEmpty(t, parsed.DocumentHTML)
}

func TestParseUnknownTemplate(t *testing.T) {
	parser := setupParser(t)

	_, err := parser.Parse("competitor_teardown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestParseCaches(t *testing.T) {
	parser := setupParser(t)

	first, err := parser.Parse("brand_health")
	require.NoError(t, err)

	// Deleting the file proves the second call is served from cache
	require.NoError(t, os.Remove(filepath.Join(parser.config.Dir, "brand_health.html")))
	second, err := parser.Parse("brand_health")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestParseTemplateWithoutSections(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.html"), []byte("<html><body><p>nothing</p></body></html>"), 0644))
	manifestPath := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte("templates:\n  empty:\n    file: empty.html\n"), 0644))

	parser, err := NewParser(common.TemplatesConfig{Dir: dir, Manifest: manifestPath}, arbor.NewLogger())
	require.NoError(t, err)

	_, err = parser.Parse("empty")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no sections")
}

func TestCategoryMarkers(t *testing.T) {
	parser := setupParser(t)

	markers, vocabulary := parser.CategoryMarkers("brand_health")
	assert.Equal(t, []string{"haircare", "hair"}, markers)
	assert.Equal(t, []string{"shampoo", "conditioner"}, vocabulary)

	markers, vocabulary = parser.CategoryMarkers("unknown")
	assert.Nil(t, markers)
	assert.Nil(t, vocabulary)
}
