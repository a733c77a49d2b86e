package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/taskctl/taskctl/internal/common/logger"
	"github.com/taskctl/taskctl/internal/procrunner"
	"github.com/taskctl/taskctl/internal/streamhub"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*gin.Engine, *procrunner.Runner, *streamhub.Registry) {
	t.Helper()
	runner := procrunner.New(logger.Default(), 0)
	registry := streamhub.NewRegistry(0)
	router := NewRouter(runner, registry, logger.Default())
	return router, runner, registry
}

func doRequest(router *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSpawnCommandReturnsProcessID(t *testing.T) {
	router, _, _ := newTestRouter(t)

	body, err := json.Marshal(spawnCommandRequest{Command: "echo", Args: []string{"hello"}})
	require.NoError(t, err)

	rec := doRequest(router, http.MethodPost, "/commands", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["process_id"])
}

func TestCommandStatusReflectsExit(t *testing.T) {
	router, runner, _ := newTestRouter(t)

	handle, err := runner.Spawn(context.Background(), procrunner.SpawnRequest{Command: "true"})
	require.NoError(t, err)
	require.NoError(t, handle.Wait(context.Background()))

	require.Eventually(t, func() bool {
		rec := doRequest(router, http.MethodGet, "/commands/"+handle.ID+"/status", nil)
		return rec.Code == http.StatusOK || rec.Code == http.StatusNotFound
	}, time.Second, 10*time.Millisecond)
}

func TestKillCommandIsIdempotentForUnknownID(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doRequest(router, http.MethodDelete, "/commands/does-not-exist", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp["killed"])
}

func TestStreamStdoutReturnsCapturedOutput(t *testing.T) {
	router, runner, _ := newTestRouter(t)

	handle, err := runner.Spawn(context.Background(), procrunner.SpawnRequest{Command: "printf hello"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/commands/"+handle.ID+"/stdout", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello", rec.Body.String())
}

func TestStreamExecutionNotFoundForUnknownID(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doRequest(router, http.MethodGet, "/events/execution/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamExecutionRepliesFinishedForClosedStore(t *testing.T) {
	router, _, registry := newTestRouter(t)

	store := registry.GetOrCreate("exec-1")
	store.PushPatch(json.RawMessage(`{"hello":"world"}`))
	store.PushFinished()

	req := httptest.NewRequest(http.MethodGet, "/events/execution/exec-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "data: finished")
}
