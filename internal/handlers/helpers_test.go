package handlers

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAfterSeq(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    int
		wantErr bool
	}{
		{name: "absent replays from start", url: "/ws/jobs/job-1", want: 0},
		{name: "zero cursor", url: "/ws/jobs/job-1?after_seq=0", want: 0},
		{name: "positive cursor", url: "/api/jobs/job-1/events?after_seq=17", want: 17},
		{name: "negative rejected", url: "/ws/jobs/job-1?after_seq=-1", wantErr: true},
		{name: "non-integer rejected", url: "/ws/jobs/job-1?after_seq=abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAfterSeq(httptest.NewRequest("GET", tt.url, nil))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteErrorShape(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteError(rec, 429, "queue_full", "job queue at capacity"))

	assert.Equal(t, 429, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "queue_full", body["code"])
	assert.Equal(t, "job queue at capacity", body["message"])
}
