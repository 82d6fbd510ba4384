package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/scanagent/internal/models"
)

// fakeQueue is a minimal in-memory work queue API with conditional claims
type fakeQueue struct {
	mu        sync.Mutex
	owner     map[string]string
	attempts  map[string]int
	statuses  map[string][]string
	completes map[string]int
	requests  int32
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		owner:     map[string]string{},
		attempts:  map[string]int{},
		statuses:  map[string][]string{},
		completes: map[string]int{},
	}
}

func (f *fakeQueue) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&f.requests, 1)
			if r.Header.Get("Authorization") != "Bearer token-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("GET /jobs/claimable", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"jobs": [
			{"id": "j2", "display_name": "b.docx", "scan_kind": "similarity_only", "created_at": "2026-01-02T00:00:00Z"},
			{"id": "j1", "display_name": "essay.docx", "scan_kind": "full_scan", "attempts": 2, "created_at": "2026-01-01T00:00:00Z"},
			{"id": "j3", "display_name": "c.docx", "scan_kind": "mystery", "created_at": "2025-12-01T00:00:00Z"}
		]}`)
	}))

	mux.HandleFunc("POST /jobs/{id}/claim", auth(func(w http.ResponseWriter, r *http.Request) {
		var req claimRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		f.mu.Lock()
		defer f.mu.Unlock()
		id := r.PathValue("id")
		if owner, ok := f.owner[id]; ok {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(claimConflict{ClaimedBy: owner})
			return
		}
		f.owner[id] = req.AgentID
		w.WriteHeader(http.StatusOK)
	}))

	mux.HandleFunc("POST /jobs/{id}/attempts", auth(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.attempts[r.PathValue("id")]++
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("POST /jobs/{id}/status", auth(func(w http.ResponseWriter, r *http.Request) {
		var req statusRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.statuses[r.PathValue("id")] = append(f.statuses[r.PathValue("id")], req.Status+":"+req.ErrorMessage)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("GET /jobs/{id}/source-url", auth(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "uploads/essay.docx", r.URL.Query().Get("path"))
		_, _ = io.WriteString(w, `{"url": "/signed/essay.docx?sig=abc"}`)
	}))

	mux.HandleFunc("GET /signed/essay.docx", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"), "signed url must not receive the bearer token")
		assert.Equal(t, "abc", r.URL.Query().Get("sig"))
		_, _ = io.WriteString(w, "document-bytes")
	})

	mux.HandleFunc("POST /jobs/{id}/reports", auth(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(file)
		assert.Equal(t, "similarity.pdf", header.Filename)
		assert.Equal(t, "%PDF", string(data))
		assert.Equal(t, "similarity_report", r.FormValue("kind"))
		_, _ = io.WriteString(w, `{"reference": "reports/j1/similarity.pdf"}`)
	}))

	mux.HandleFunc("POST /jobs/{id}/complete", auth(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := r.PathValue("id")
		f.completes[id]++
		if f.completes[id] > 1 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	return mux
}

func newTestClient(t *testing.T, agentID string) (*Client, *fakeQueue) {
	t.Helper()
	fq := newFakeQueue()
	srv := httptest.NewServer(fq.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "token-1", agentID, WithRateInterval(time.Millisecond)), fq
}

func TestClient_MissingTokenFailsWithoutRoundTrip(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "  ", "agent-a")
	assert.False(t, client.Configured())

	_, err := client.ListClaimable(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
	assert.ErrorIs(t, client.Claim(context.Background(), "j1"), ErrAuth)
	assert.ErrorIs(t, client.CompleteJob(context.Background(), "j1", models.ResultSummary{}), ErrAuth)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

func TestClient_RejectedTokenIsAuthError(t *testing.T) {
	fq := newFakeQueue()
	srv := httptest.NewServer(fq.handler(t))
	defer srv.Close()

	client := NewClient(srv.URL, "wrong", "agent-a")
	_, err := client.ListClaimable(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
}

func TestClient_TransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(url, "token-1", "agent-a")
	_, err := client.ListClaimable(context.Background())

	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, "/jobs/claimable", netErr.Endpoint)
}

func TestClient_ListClaimableOldestFirst(t *testing.T) {
	client, _ := newTestClient(t, "agent-a")

	jobs, err := client.ListClaimable(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2, "unknown scan kinds are skipped")

	assert.Equal(t, "j1", jobs[0].ID)
	assert.Equal(t, models.ScanKindFullScan, jobs[0].ScanKind)
	assert.Equal(t, 2, jobs[0].Attempts)
	assert.Equal(t, models.JobStatusPending, jobs[0].Status)
	assert.Equal(t, "j2", jobs[1].ID)
}

func TestClient_ListClaimableEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"jobs": []}`)
	}))
	defer srv.Close()

	jobs, err := NewClient(srv.URL, "t", "agent-a").ListClaimable(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestClient_ClaimIsIdempotentForSameAgent(t *testing.T) {
	client, fq := newTestClient(t, "agent-a")
	ctx := context.Background()

	require.NoError(t, client.Claim(ctx, "j1"))
	require.NoError(t, client.Claim(ctx, "j1"))

	fq.mu.Lock()
	assert.Equal(t, "agent-a", fq.owner["j1"])
	fq.mu.Unlock()
}

func TestClient_ClaimHeldByOtherAgent(t *testing.T) {
	client, fq := newTestClient(t, "agent-b")
	fq.owner["j1"] = "agent-a"

	err := client.Claim(context.Background(), "j1")
	require.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.Contains(t, err.Error(), "agent-a")
}

func TestClient_InformationalCalls(t *testing.T) {
	client, fq := newTestClient(t, "agent-a")
	ctx := context.Background()

	require.NoError(t, client.IncrementAttempt(ctx, "j1"))
	require.NoError(t, client.SetStatus(ctx, "j1", models.JobStatusFailed, "navigation timeout"))

	fq.mu.Lock()
	defer fq.mu.Unlock()
	assert.Equal(t, 1, fq.attempts["j1"])
	assert.Equal(t, []string{"failed:navigation timeout"}, fq.statuses["j1"])
}

func TestClient_FetchSourceUsesSignedURL(t *testing.T) {
	client, _ := newTestClient(t, "agent-a")

	data, err := client.FetchSource(context.Background(), models.Job{ID: "j1", SourcePath: "uploads/essay.docx"})
	require.NoError(t, err)
	assert.Equal(t, "document-bytes", string(data))
}

func TestClient_UploadReport(t *testing.T) {
	client, _ := newTestClient(t, "agent-a")

	ref, err := client.UploadReport(context.Background(), "j1", models.Artifact{
		Kind:     models.ArtifactSimilarityReport,
		FileName: "similarity.pdf",
		Data:     []byte("%PDF"),
	})
	require.NoError(t, err)
	assert.Equal(t, "reports/j1/similarity.pdf", ref)
}

func TestClient_CompleteJobTwiceIsSafe(t *testing.T) {
	client, fq := newTestClient(t, "agent-a")
	ctx := context.Background()
	summary := models.ResultSummary{JobID: "j1", ScanKind: models.ScanKindFullScan}

	require.NoError(t, client.CompleteJob(ctx, "j1", summary))
	require.NoError(t, client.CompleteJob(ctx, "j1", summary))

	fq.mu.Lock()
	assert.Equal(t, 2, fq.completes["j1"])
	fq.mu.Unlock()
}

func TestClient_ServerErrorIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "t", "agent-a").AppendLog(context.Background(), "j1", "processing_started", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "database unavailable", apiErr.Message)
	assert.Equal(t, http.StatusServiceUnavailable, StatusCodeOf(err))
}
