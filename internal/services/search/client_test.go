package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/narro/internal/common"
)

func TestSearchDisabledReturnsEmpty(t *testing.T) {
	client := NewClient(common.SearchConfig{Enabled: false}, arbor.NewLogger())
	assert.False(t, client.Enabled())

	results, err := client.Search(context.Background(), "anything")
	require.NoError(t, err)
	assert.Empty(t, results)

	// Enabled without an endpoint is still disabled
	client = NewClient(common.SearchConfig{Enabled: true}, arbor.NewLogger())
	assert.False(t, client.Enabled())
}

func TestSearchNormalizesSnippets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "haircare trends", r.URL.Query().Get("q"))
		assert.Equal(t, "narro-test/1.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[
			{"title":"Trends","url":"https://example.com/a","snippet":"<p>Category <strong>growth</strong> continues</p>"},
			{"title":"Panel","url":"https://example.com/b","snippet":"plain text"}
		]}`))
	}))
	defer server.Close()

	client := NewClient(common.SearchConfig{
		Enabled:   true,
		Endpoint:  server.URL,
		UserAgent: "narro-test/1.0",
	}, arbor.NewLogger())
	require.True(t, client.Enabled())

	results, err := client.Search(context.Background(), "haircare trends")
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "Trends", results[0].Title)
	assert.Contains(t, results[0].Snippet, "**growth**", "HTML snippets are converted to markdown")
	assert.Equal(t, "plain text", results[1].Snippet)
}

func TestSearchCapsResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[
			{"title":"1","url":"u1","snippet":"s"},
			{"title":"2","url":"u2","snippet":"s"},
			{"title":"3","url":"u3","snippet":"s"}
		]}`))
	}))
	defer server.Close()

	client := NewClient(common.SearchConfig{
		Enabled:    true,
		Endpoint:   server.URL,
		MaxResults: 2,
	}, arbor.NewLogger())

	results, err := client.Search(context.Background(), "query")
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearchEndpointFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(common.SearchConfig{Enabled: true, Endpoint: server.URL}, arbor.NewLogger())

	_, err := client.Search(context.Background(), "query")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
