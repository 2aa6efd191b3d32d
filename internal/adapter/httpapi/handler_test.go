package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PseudoDarwinist/software-factory-sub003/internal/jobs"
	"github.com/PseudoDarwinist/software-factory-sub003/internal/jobstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*gin.Engine, *jobs.Manager) {
	t.Helper()

	store := jobstore.NewMemory()
	mgr := jobs.NewManager(store, jobs.Config{
		MaxWorkers:      2,
		CleanupInterval: time.Hour,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	require.NoError(t, mgr.RegisterHandler("echo", func(ctx context.Context, exec *jobs.Execution, projectID string, params map[string]any) (*jobs.Result, error) {
		if err := exec.UpdateProgress(ctx, 100, "done"); err != nil {
			return nil, err
		}
		return jobs.Success(map[string]any{"echo": params}), nil
	}))
	require.NoError(t, mgr.RegisterHandler("block", func(ctx context.Context, exec *jobs.Execution, projectID string, params map[string]any) (*jobs.Result, error) {
		for {
			if err := exec.CheckCancelled(); err != nil {
				return nil, err
			}
			time.Sleep(5 * time.Millisecond)
		}
	}))

	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	r := gin.New()
	NewHandler(mgr, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(r)
	return r, mgr
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func waitForStatus(t *testing.T, r *gin.Engine, id string, want string) map[string]any {
	t.Helper()
	var last map[string]any
	require.Eventually(t, func() bool {
		w := doJSON(t, r, http.MethodGet, "/api/v1/jobs/"+id, nil)
		if w.Code != http.StatusOK {
			return false
		}
		last = decode(t, w)
		return last["status"] == want
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

func TestSubmitAndStatus(t *testing.T) {
	r, _ := newTestServer(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/jobs", gin.H{
		"type":       "echo",
		"project_id": "p1",
		"params":     gin.H{"x": 1},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id, _ := decode(t, w)["job_id"].(string)
	require.NotEmpty(t, id)

	job := waitForStatus(t, r, id, "completed")
	assert.Equal(t, float64(100), job["progress"])
	assert.Equal(t, "p1", job["project_id"])
}

func TestSubmitValidation(t *testing.T) {
	r, _ := newTestServer(t)

	t.Run("missing type", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/api/v1/jobs", gin.H{"project_id": "p1"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown type", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/api/v1/jobs", gin.H{"type": "nope"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestStatusNotFound(t *testing.T) {
	r, _ := newTestServer(t)
	w := doJSON(t, r, http.MethodGet, "/api/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelRunningJob(t *testing.T) {
	r, _ := newTestServer(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/jobs", gin.H{"type": "block"})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode(t, w)["job_id"].(string)

	waitForStatus(t, r, id, "running")

	w = doJSON(t, r, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["cancelled"])

	waitForStatus(t, r, id, "cancelled")
}

func TestRetryFailedJobOnly(t *testing.T) {
	r, _ := newTestServer(t)

	// A completed job is not eligible for retry
	w := doJSON(t, r, http.MethodPost, "/api/v1/jobs", gin.H{"type": "echo"})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode(t, w)["job_id"].(string)
	waitForStatus(t, r, id, "completed")

	w = doJSON(t, r, http.MethodPost, "/api/v1/jobs/"+id+"/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListActiveAndProjectJobs(t *testing.T) {
	r, _ := newTestServer(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/jobs", gin.H{"type": "echo", "project_id": "p1"})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode(t, w)["job_id"].(string)
	waitForStatus(t, r, id, "completed")

	w = doJSON(t, r, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, decode(t, w)["jobs"])

	w = doJSON(t, r, http.MethodGet, "/api/v1/projects/p1/jobs?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)["jobs"].([]any)
	require.Len(t, list, 1)

	w = doJSON(t, r, http.MethodGet, "/api/v1/projects/p1/jobs?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCleanupEndpoint(t *testing.T) {
	r, _ := newTestServer(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/jobs", gin.H{"type": "echo"})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode(t, w)["job_id"].(string)
	waitForStatus(t, r, id, "completed")

	w = doJSON(t, r, http.MethodPost, "/api/v1/jobs/cleanup", gin.H{"older_than": "1ns"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["removed"])

	w = doJSON(t, r, http.MethodPost, "/api/v1/jobs/cleanup", gin.H{"older_than": "-5m"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatsEndpoint(t *testing.T) {
	r, _ := newTestServer(t)

	w := doJSON(t, r, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode(t, w)
	assert.Equal(t, float64(2), st["max_workers"])
	assert.ElementsMatch(t, []any{"echo", "block"}, st["job_types"])
}

func TestHealthz(t *testing.T) {
	r, _ := newTestServer(t)
	w := doJSON(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
