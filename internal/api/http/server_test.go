package http

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karnal-os/karnal64/internal/infrastructure/config"
	"github.com/karnal-os/karnal64/internal/infrastructure/logging"
	"github.com/karnal-os/karnal64/internal/kernel"
	"github.com/karnal-os/karnal64/internal/ktask"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.Memory.TotalFrames = 64

	k, err := kernel.Boot(kernel.Options{
		Config: cfg,
		Logger: logging.NewNop(),
		Programs: map[string]ktask.EntryFunc{
			"init": func(ctx *ktask.Context, arg uint64) {},
		},
	})
	require.NoError(t, err)

	// Let init finish so task counts are stable.
	require.Eventually(t, func() bool {
		st, err := k.Tasks.State(k.InitTask())
		return err == nil && st == ktask.TaskZombie
	}, 5*time.Second, time.Millisecond)

	return NewServer(cfg.Monitor, k, nil)
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Engine().ServeHTTP(w, req)

	var body map[string]any
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestRootAndHealth(t *testing.T) {
	s := testServer(t)

	w, body := get(t, s, "/")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "karnal64", body["service"])
	assert.Equal(t, "0.1.0", body["version"])
	assert.NotEmpty(t, body["boot_id"])

	w, body = get(t, s, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestKernelInfo(t *testing.T) {
	s := testServer(t)

	w, body := get(t, s, "/kernel/info")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(64), body["frames_total"])
	assert.Equal(t, float64(0), body["tasks"])
}

func TestKernelTasksAndResources(t *testing.T) {
	s := testServer(t)

	w, body := get(t, s, "/kernel/tasks")
	require.Equal(t, http.StatusOK, w.Code)
	tasks, ok := body["tasks"].([]any)
	require.True(t, ok)
	// The exited init task is still listed until reaped.
	require.Len(t, tasks, 1)
	first := tasks[0].(map[string]any)
	assert.Equal(t, "zombie", first["state"])
	assert.Equal(t, "init", first["program"])

	w, body = get(t, s, "/kernel/resources")
	require.Equal(t, http.StatusOK, w.Code)
	resources, ok := body["resources"].([]any)
	require.True(t, ok)
	ids := make([]string, 0, len(resources))
	for _, r := range resources {
		ids = append(ids, r.(map[string]any)["id"].(string))
	}
	assert.Contains(t, ids, "karnal://device/console")
	assert.Contains(t, ids, "karnal://boot/initrd")
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.Engine().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	payload, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "karnal_frames_total")
}

func TestRateLimitKicksIn(t *testing.T) {
	s := testServer(t)

	// Burst is 100; the queries beyond it get rejected.
	var limited bool
	for i := 0; i < 150; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		s.Engine().ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited)
}
