package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/narro/internal/common"
	"github.com/ternarybob/narro/internal/interfaces"
	"github.com/ternarybob/narro/internal/models"
	"github.com/ternarybob/narro/internal/storage/sqlite"
)

func newPipelineHarness(t *testing.T) (*Pipeline, interfaces.JobStore, *common.Config) {
	t.Helper()

	config := common.DefaultConfig()
	config.Storage.SQLite.Path = t.TempDir() + "/pipeline.db"
	config.Storage.SQLite.WALMode = false

	logger := arbor.NewLogger()
	db, err := sqlite.NewSQLiteDB(logger, &config.Storage.SQLite)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := sqlite.NewJobStore(db, 5*time.Minute, logger)
	events := NewEventBuffer()
	pipeline := NewPipeline(config, store, &stubTemplates{}, &stubCollector{}, &stubRenderer{}, &stubGate{passed: true}, events, logger)
	return pipeline, store, config
}

func createTestJob(t *testing.T, store interfaces.JobStore, jobID string, spec models.ReportJobSpec) {
	t.Helper()
	require.NoError(t, store.CreateJob(context.Background(), jobID, spec.ReportType, spec.ToMap(), ""))
}

func TestPipelinePersistsStageArtifacts(t *testing.T) {
	pipeline, store, _ := newPipelineHarness(t)
	ctx := context.Background()

	spec := validSpec("Lumina")
	createTestJob(t, store, "job-1", spec)
	require.NoError(t, pipeline.Run(ctx, "job-1", spec))

	artifacts, err := store.ListArtifacts(ctx, "job-1")
	require.NoError(t, err)

	byType := map[string]int{}
	for _, artifact := range artifacts {
		byType[artifact.ArtifactType]++
	}
	assert.Equal(t, 1, byType["plan"])
	assert.Equal(t, 1, byType["retrieved_context"])
	assert.Equal(t, 3, byType["evidence"], "one evidence artifact per section")
	assert.Equal(t, 3, byType["draft"], "one draft artifact per section")
	assert.Equal(t, 1, byType["render"])
	assert.Equal(t, 1, byType["quality"])
	assert.Equal(t, 1, byType["final"])

	// Evidence and draft artifacts are keyed by section
	for _, artifactType := range []string{"evidence", "draft"} {
		sectionIDs := map[string]bool{}
		for _, artifact := range artifacts {
			if artifact.ArtifactType == artifactType {
				sectionIDs[artifact.SectionID] = true
			}
		}
		assert.True(t, sectionIDs["market_landscape"], artifactType)
		assert.True(t, sectionIDs["consumer_sentiment"], artifactType)
		assert.True(t, sectionIDs["recommendations"], artifactType)
	}

	// Draft artifacts carry the extracted section content
	for _, artifact := range artifacts {
		if artifact.ArtifactType != "draft" {
			continue
		}
		var draft models.SectionDraft
		require.NoError(t, json.Unmarshal([]byte(artifact.Content), &draft))
		assert.Equal(t, artifact.SectionID, draft.SectionID)
		assert.Contains(t, draft.Summary, "Lumina")
		assert.Len(t, draft.KeyPoints, 3)
	}
}

func TestPipelineRecordsSectionLogsPerStage(t *testing.T) {
	pipeline, store, _ := newPipelineHarness(t)
	ctx := context.Background()

	spec := validSpec("Lumina")
	createTestJob(t, store, "job-1", spec)
	require.NoError(t, pipeline.Run(ctx, "job-1", spec))

	logs, err := store.ListSectionLogs(ctx, "job-1")
	require.NoError(t, err)

	byStage := map[string]int{}
	for _, log := range logs {
		byStage[log.Stage]++
	}
	assert.Equal(t, 3, byStage["compressor"])
	assert.Equal(t, 3, byStage["writer"])
	assert.Equal(t, 3, byStage["verifier"])
}

func TestPipelineFinalPayload(t *testing.T) {
	pipeline, store, _ := newPipelineHarness(t)
	ctx := context.Background()

	spec := validSpec("Lumina")
	createTestJob(t, store, "job-1", spec)
	require.NoError(t, pipeline.Run(ctx, "job-1", spec))

	result, err := store.GetResult(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "rpt-test", result["report_id"])
	assert.Equal(t, "brand_health", result["report_type"])
	assert.Equal(t, "/tmp/rpt-test.html", result["output_path"])
	assert.Equal(t, true, result["quality_gate_passed"])
	assert.Equal(t, false, result["published_with_quality_warnings"])
	assert.NotEmpty(t, result["generated_at"])

	// generated_at round-trips as RFC3339
	_, err = time.Parse(time.RFC3339, result["generated_at"].(string))
	assert.NoError(t, err)
}

func TestPipelineCancelledBeforeStart(t *testing.T) {
	pipeline, store, _ := newPipelineHarness(t)

	spec := validSpec("Lumina")
	createTestJob(t, store, "job-1", spec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pipeline.Run(ctx, "job-1", spec)
	assert.ErrorIs(t, err, context.Canceled)

	// The job was never marked running
	job, getErr := store.GetJob(context.Background(), "job-1")
	require.NoError(t, getErr)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.True(t, job.StartedAt.IsZero())
}

func TestBuildEvidencePackWithinBudget(t *testing.T) {
	relevant := map[string]interface{}{
		"brand": "Lumina",
		"sources": []map[string]interface{}{
			{"name": "Industry Watch", "url": "https://example.com/industry"},
			{"name": "Retail Panel", "url": "https://example.com/retail"},
		},
	}

	pack := buildEvidencePack("market_landscape", relevant, 8000)
	assert.Equal(t, "market_landscape", pack.SectionID)
	assert.Equal(t, 8000, pack.BudgetChars)
	assert.Equal(t, []string{"https://example.com/industry", "https://example.com/retail"}, pack.SourceURLs)
	assert.Equal(t, []string{"Industry Watch", "Retail Panel"}, pack.SourceNames)
	_, truncated := pack.CompressedContext["_truncated"]
	assert.False(t, truncated)
}

func TestBuildEvidencePackTruncatesHeadAndTail(t *testing.T) {
	relevant := map[string]interface{}{
		"blob": strings.Repeat("x", 20000),
	}

	pack := buildEvidencePack("market_landscape", relevant, 1000)

	assert.Equal(t, true, pack.CompressedContext["_truncated"])
	head := pack.CompressedContext["head"].(string)
	tail := pack.CompressedContext["tail"].(string)
	assert.Len(t, head, 600, "head takes 60 percent of the budget")
	assert.Len(t, tail, 250, "tail takes 25 percent of the budget")

	serialized, err := json.Marshal(relevant)
	require.NoError(t, err)
	assert.Equal(t, len(serialized), pack.CompressedContext["original_chars"])
	assert.Equal(t, string(serialized[:600]), head)
	assert.Equal(t, string(serialized[len(serialized)-250:]), tail)
}

func TestBuildSectionPlansForbidsVocabularyOutsideCategory(t *testing.T) {
	tmpl := &models.ParsedTemplate{
		Sections: []models.SectionSpec{
			{SectionID: "market_landscape", Title: "Market Landscape"},
		},
	}
	markers := []string{"haircare"}
	vocabulary := []string{"shampoo", "conditioner"}

	inCategory := validSpec("Lumina")
	plans := buildSectionPlans(tmpl, inCategory, markers, vocabulary)
	require.Len(t, plans, 1)
	assert.Empty(t, plans[0].ForbiddenTerms)

	outOfCategory := validSpec("Lumina")
	outOfCategory.Category = "energy drinks"
	plans = buildSectionPlans(tmpl, outOfCategory, markers, vocabulary)
	require.Len(t, plans, 1)
	assert.Equal(t, vocabulary, plans[0].ForbiddenTerms)
	assert.Contains(t, plans[0].Objective, "Lumina")
	assert.Equal(t, 3, plans[0].MinDensity)
}
