package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/dlsync/internal/config"
	"github.com/slipstream/dlsync/internal/downloader/mock"
	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/metrics"
	"github.com/slipstream/dlsync/internal/testutil"
)

func setupTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	tdb := testutil.NewTestDB(t)
	library := t.TempDir()

	cfg := config.Default()
	cfg.Import.LibraryPath = library
	cfg.Reconcile.WatchBlackhole = false

	server, err := NewServer(tdb.Conn, nil, cfg, tdb.Logger)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() { _ = server.scheduler.Stop() })

	return server, library
}

func doRequest(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthCheck(t *testing.T) {
	s, _ := setupTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("HealthCheck status = %d, want %d", rec.Code, http.StatusOK)
	}

	var response map[string]any
	decode(t, rec, &response)
	if response["status"] != "ok" {
		t.Errorf("HealthCheck status = %v, want ok", response["status"])
	}
}

func TestUnknownRoute_JSONError(t *testing.T) {
	s, _ := setupTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.NotEmpty(t, body["error"])
}

func TestDownloadClientsCRUD(t *testing.T) {
	s, _ := setupTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/downloadclients", `{"name":"mock","type":"mock","enabled":true,"priority":1}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created map[string]any
	decode(t, rec, &created)
	id := strconv.FormatInt(int64(created["id"].(float64)), 10)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/downloadclients", `{"name":"mock","type":"mock","enabled":true}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/downloadclients", `{"name":"other","type":"carrier-pigeon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var errBody map[string]string
	decode(t, rec, &errBody)
	assert.Contains(t, errBody["error"], "carrier-pigeon")

	rec = doRequest(t, s, http.MethodGet, "/api/v1/downloadclients/"+id, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, doRequest(t, s, http.MethodGet, "/api/v1/downloadclients/999", "").Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(t, s, http.MethodGet, "/api/v1/downloadclients/x", "").Code)

	rec = doRequest(t, s, http.MethodPut, "/api/v1/downloadclients/"+id, `{"name":"renamed","type":"mock","enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated map[string]any
	decode(t, rec, &updated)
	assert.Equal(t, "renamed", updated["name"])

	rec = doRequest(t, s, http.MethodPost, "/api/v1/downloadclients/"+id+"/test", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result map[string]any
	decode(t, rec, &result)
	assert.Equal(t, true, result["success"])

	rec = doRequest(t, s, http.MethodPost, "/api/v1/downloadclients/test", `{"name":"probe","type":"mock"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNoContent, doRequest(t, s, http.MethodDelete, "/api/v1/downloadclients/"+id, "").Code)
	assert.Equal(t, http.StatusNotFound, doRequest(t, s, http.MethodDelete, "/api/v1/downloadclients/"+id, "").Code)
}

func TestGrab_NoClients(t *testing.T) {
	s, _ := setupTestServer(t)

	body := `{"title":"Show","downloadUrl":"` + testutil.MagnetURI("1111111111111111111111111111111111111111", "Show") + `"}`
	rec := doRequest(t, s, http.MethodPost, "/api/v1/downloads", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// TestDownloadLifecycle grabs through the API, completes the torrent in the
// mock backend, reconciles and runs the import job.
func TestDownloadLifecycle(t *testing.T) {
	s, library := setupTestServer(t)
	ctx := context.Background()

	const hash = "ABCDEF0123456789ABCDEF0123456789ABCDEF99"
	payload := filepath.Join(t.TempDir(), "Show.S01")
	require.NoError(t, os.MkdirAll(payload, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(payload, "episode.mkv"), []byte("video"), 0o644))

	rec := doRequest(t, s, http.MethodPost, "/api/v1/downloadclients", `{"name":"mock","type":"mock","enabled":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	grabBody, err := json.Marshal(map[string]any{
		"title":       "Show.S01",
		"downloadUrl": testutil.MagnetURI(hash, "Show.S01"),
		"savePath":    payload,
	})
	require.NoError(t, err)
	rec = doRequest(t, s, http.MethodPost, "/api/v1/downloads", string(grabBody))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var dl map[string]any
	decode(t, rec, &dl)
	id := strconv.FormatInt(int64(dl["id"].(float64)), 10)
	assert.Equal(t, hash, dl["downloadClientId"])

	require.NoError(t, mock.Shared().SetState(hash, types.StatusSeeding))
	t.Cleanup(func() {
		_ = mock.Shared().RemoveTorrent(ctx, nil, hash, types.RemoveOptions{})
	})

	rec = doRequest(t, s, http.MethodPost, "/api/v1/system/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary map[string]any
	decode(t, rec, &summary)
	assert.Equal(t, float64(1), summary["classified"].(map[string]any)["completed"])

	rec = doRequest(t, s, http.MethodGet, "/api/v1/downloads/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &dl)
	assert.Equal(t, "completed", dl["state"])

	processed, err := s.jobWorker.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	assert.FileExists(t, filepath.Join(library, "Show.S01", "episode.mkv"))
	assert.Equal(t, http.StatusNotFound, doRequest(t, s, http.MethodGet, "/api/v1/downloads/"+id, "").Code)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/history?downloadId="+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist map[string]any
	decode(t, rec, &hist)
	assert.Equal(t, float64(3), hist["totalCount"], "grabbed, completed, import completed")
}

func TestSystemTasks(t *testing.T) {
	s, _ := setupTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/system/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []map[string]any
	decode(t, rec, &tasks)
	require.Len(t, tasks, 3)
	assert.Equal(t, "download-client-health", tasks[0]["id"])

	assert.Equal(t, http.StatusNotFound, doRequest(t, s, http.MethodPost, "/api/v1/system/tasks/nope/run", "").Code)
	assert.Equal(t, http.StatusNotFound, doRequest(t, s, http.MethodGet, "/api/v1/system/tasks/nope", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Register()
	s, _ := setupTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dlsync_reconcile_passes_total")
}
