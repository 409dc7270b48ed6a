package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/helixsec/helix/internal/domain/scans"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second, zerolog.Nop())
}

func TestSubmitPostsSpec(t *testing.T) {
	var gotPath string
	var gotSpec domain.WorkflowSpec
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotSpec))
		w.WriteHeader(http.StatusAccepted)
	})

	err := c.Submit(context.Background(), "wf-1", domain.WorkflowSpec{
		ScanID:   "scan-1",
		TenantID: "acme",
		Target:   "https://app.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "/v1/workflows/wf-1", gotPath)
	assert.Equal(t, domain.ScanID("scan-1"), gotSpec.ScanID)
	assert.Equal(t, "acme", gotSpec.TenantID)
}

func TestSubmitSurfacesEngineError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	err := c.Submit(context.Background(), "wf-1", domain.WorkflowSpec{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestQueryDecodesUpdateShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want domain.WorkflowUpdate
	}{
		{
			name: "running",
			body: `{"status":"running","currentPhase":"recon","currentAgent":"recon-agent",
				"completedAgents":["setup"],"expectedAgents":6,"elapsedMs":12000}`,
			want: domain.WorkflowRunning{
				CurrentPhase:    "recon",
				CurrentAgent:    "recon-agent",
				CompletedAgents: []string{"setup"},
				ExpectedAgents:  6,
				ElapsedMS:       12000,
			},
		},
		{
			name: "completed",
			body: `{"status":"completed","elapsedMs":61000}`,
			want: domain.WorkflowCompleted{ElapsedMS: 61000},
		},
		{
			name: "failed",
			body: `{"status":"failed","failedAgent":"exploit","error":"boom"}`,
			want: domain.WorkflowFailed{FailedAgent: "exploit", Error: "boom"},
		},
		{
			name: "canceled",
			body: `{"status":"canceled"}`,
			want: domain.WorkflowCanceled{},
		},
		{
			name: "british spelling",
			body: `{"status":"cancelled"}`,
			want: domain.WorkflowCanceled{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tt.body))
			})
			got, err := c.Query(context.Background(), "wf-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueryRejectsUnknownStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"paused"}`))
	})
	_, err := c.Query(context.Background(), "wf-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

func TestQueryEngineError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.Query(context.Background(), "wf-1")
	assert.Error(t, err)
}

func TestCancelToleratesNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/workflows/wf-1/cancel", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})
	assert.NoError(t, c.Cancel(context.Background(), "wf-1"))
}

func TestHealthy(t *testing.T) {
	up := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	assert.True(t, up.Healthy(context.Background()))

	down := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	assert.False(t, down.Healthy(context.Background()))

	unreachable := NewClient("http://127.0.0.1:1", time.Second, zerolog.Nop())
	assert.False(t, unreachable.Healthy(context.Background()))
}
