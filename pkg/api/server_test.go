package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-ai/tandem/pkg/config"
	"github.com/tandem-ai/tandem/pkg/engine"
	"github.com/tandem-ai/tandem/pkg/service"
)

// stubApproach returns a fixed payload, or fails with err when set.
type stubApproach struct {
	name string
	err  error
}

func (s *stubApproach) Name() string        { return s.name }
func (s *stubApproach) Priority() int       { return 5 }
func (s *stubApproach) RequiresToken() bool { return false }

func (s *stubApproach) Execute(context.Context, engine.Request, *engine.PoolToken) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "print('ok')\n", nil
}

func newTestServer(t *testing.T, a engine.Approach) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.OutputDir = t.TempDir()
	cfg.Validation.Probe = false
	cfg.Telemetry.Logging.Level = "error"
	cfg.Telemetry.Events.EnableAsync = false

	e, err := service.New(context.Background(), cfg, nil, service.WithApproaches(a))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return NewServer(e, cfg.API)
}

func send(t *testing.T, s *Server, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decodeError(t *testing.T, data []byte) ErrorResponse {
	t.Helper()
	var out ErrorResponse
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &stubApproach{name: "stub"})

	for _, path := range []string{"/health", "/api/v1/health"} {
		status, data := send(t, s, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, status)
		var h HealthResponse
		require.NoError(t, json.Unmarshal(data, &h))
		assert.Equal(t, "ok", h.Status)
		assert.False(t, h.Running)
	}
}

func TestRaceEndpoint(t *testing.T) {
	s := newTestServer(t, &stubApproach{name: "stub"})

	status, data := send(t, s, http.MethodPost, "/api/v1/races", `{"prompt":"say ok"}`)
	require.Equal(t, http.StatusOK, status, string(data))
	var rr engine.RaceResult
	require.NoError(t, json.Unmarshal(data, &rr))
	require.NotNil(t, rr.Winner)
	assert.Equal(t, "stub", rr.Winner.Approach)
	assert.Equal(t, "print('ok')\n", rr.Winner.Payload)

	status, data = send(t, s, http.MethodPost, "/api/v1/races", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, engine.ErrCodeInvalidTask, decodeError(t, data).Error)

	status, data = send(t, s, http.MethodPost, "/api/v1/races", `{"prompt":`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, engine.ErrCodeInvalidTask, decodeError(t, data).Error)
}

func TestRaceAllFailed(t *testing.T) {
	s := newTestServer(t, &stubApproach{name: "down", err: engine.NewBackendUnavailable("offline", nil)})

	status, data := send(t, s, http.MethodPost, "/api/v1/races", `{"prompt":"p"}`)
	assert.Equal(t, http.StatusBadGateway, status)
	body := decodeError(t, data)
	assert.Equal(t, engine.ErrCodeAllApproachesFailed, body.Error)
	assert.Equal(t, []interface{}{"down"}, body.Details["approaches"])
}

func TestTaskEndpoints(t *testing.T) {
	s := newTestServer(t, &stubApproach{name: "stub"})

	status, data := send(t, s, http.MethodPost, "/api/v1/tasks", `{"id":"t1","payload":"x = 1\n"}`)
	require.Equal(t, http.StatusAccepted, status, string(data))
	assert.JSONEq(t, `{"task_id":"t1"}`, string(data))

	status, data = send(t, s, http.MethodPost, "/api/v1/tasks", `{"description":"no payload"}`)
	assert.Equal(t, http.StatusBadRequest, status, string(data))

	status, data = send(t, s, http.MethodGet, "/api/v1/tasks/t1", "")
	require.Equal(t, http.StatusOK, status)
	var task engine.Task
	require.NoError(t, json.Unmarshal(data, &task))
	assert.Equal(t, engine.TaskStatusPending, task.Status)

	status, data = send(t, s, http.MethodGet, "/api/v1/tasks?status=pending&limit=5", "")
	require.Equal(t, http.StatusOK, status)
	var tasks []engine.Task
	require.NoError(t, json.Unmarshal(data, &tasks))
	require.Len(t, tasks, 1)

	status, _ = send(t, s, http.MethodDelete, "/api/v1/tasks/t1", "")
	assert.Equal(t, http.StatusOK, status)

	status, data = send(t, s, http.MethodDelete, "/api/v1/tasks/t1", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, engine.ErrorClassConflict, decodeError(t, data).Class)

	status, data = send(t, s, http.MethodGet, "/api/v1/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, engine.ErrCodeNotFound, decodeError(t, data).Error)

	status, _ = send(t, s, http.MethodGet, "/api/v1/tasks?status=sleeping", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRunEndpoints(t *testing.T) {
	s := newTestServer(t, &stubApproach{name: "stub"})

	status, data := send(t, s, http.MethodGet, "/api/v1/runs", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(data))

	status, _ = send(t, s, http.MethodPost, "/api/v1/runs", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, data = send(t, s, http.MethodGet, "/api/v1/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, engine.ErrCodeNotFound, decodeError(t, data).Error)
}

func TestRunCancelAndReport(t *testing.T) {
	s := newTestServer(t, &stubApproach{name: "stub"})
	id := s.engine.Pipeline().Create("build a clock", "clock")

	status, _ := send(t, s, http.MethodDelete, "/api/v1/tasks/"+id, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, data := send(t, s, http.MethodDelete, "/api/v1/runs/"+id, "")
	require.Equal(t, http.StatusOK, status, string(data))
	var run engine.PipelineRun
	require.NoError(t, json.Unmarshal(data, &run))
	assert.Equal(t, engine.RunStatusCancelled, run.Status)

	status, _ = send(t, s, http.MethodDelete, "/api/v1/runs/"+id, "")
	assert.Equal(t, http.StatusConflict, status)

	status, data = send(t, s, http.MethodGet, "/api/v1/runs/"+id+"/report", "")
	require.Equal(t, http.StatusOK, status, string(data))
	var rep engine.RunReport
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.Equal(t, id, rep.RunID)
	assert.Equal(t, engine.RunStatusCancelled, rep.Status)

	for _, req := range [][2]string{{http.MethodDelete, "/api/v1/runs/nope"}, {http.MethodGet, "/api/v1/runs/nope/report"}} {
		status, data = send(t, s, req[0], req[1], "")
		assert.Equal(t, http.StatusNotFound, status, req[1])
		assert.Equal(t, engine.ErrCodeNotFound, decodeError(t, data).Error)
	}
}

func TestCommandEndpoint(t *testing.T) {
	s := newTestServer(t, &stubApproach{name: "stub"})

	status, data := send(t, s, http.MethodPost, "/api/v1/commands", `{"command":"approaches"}`)
	require.Equal(t, http.StatusOK, status, string(data))
	var resp service.CommandResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, engine.CommandApproaches, resp.Command)
	require.Len(t, resp.Approaches, 1)
	assert.Equal(t, "stub", resp.Approaches[0].Name)

	status, data = send(t, s, http.MethodPost, "/api/v1/commands", `{"command":"explode"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, engine.ErrCodeInvalidTask, decodeError(t, data).Error)

	status, data = send(t, s, http.MethodPost, "/api/v1/commands", `{"command":"cache.export","path":"/tmp/cache.json"}`)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", decodeError(t, data).Error)
}

func TestStatsAndMetrics(t *testing.T) {
	s := newTestServer(t, &stubApproach{name: "stub"})

	status, _ := send(t, s, http.MethodPost, "/api/v1/races", `{"prompt":"count"}`)
	require.Equal(t, http.StatusOK, status)

	status, data := send(t, s, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, status)
	var stats service.Stats
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, 1, stats.Cache.Entries)
	assert.Equal(t, []int(config.DefaultPorts), stats.Pool.Ports)

	status, data = send(t, s, http.MethodDelete, "/api/v1/cache", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(data), `"entries":0`)

	status, data = send(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(data), `tandem_race_wins_total{winner="stub"} 1`)

	status, data = send(t, s, http.MethodGet, "/api/v1/nowhere", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, engine.ErrCodeNotFound, decodeError(t, data).Error)
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{engine.NewPermanentError("x", nil).WithCode(engine.ErrCodeNotFound), http.StatusNotFound},
		{engine.NewPermanentError("x", nil).WithCode(engine.ErrCodeInvalidTask), http.StatusBadRequest},
		{engine.NewValidationError("x", nil), http.StatusBadRequest},
		{engine.NewAllApproachesFailed(nil), http.StatusBadGateway},
		{engine.NewBackendUnavailable("x", nil), http.StatusBadGateway},
		{engine.NewConflictError("x", nil), http.StatusConflict},
		{fiber.NewError(http.StatusTeapot, "tea"), http.StatusTeapot},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusCode(tt.err), tt.err.Error())
	}
}

func TestStart(t *testing.T) {
	s := newTestServer(t, &stubApproach{name: "stub"})
	s.cfg.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestErrorHandler_KeepsTypedErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"fiber forbidden", fiber.NewError(http.StatusForbidden, "nope"), http.StatusForbidden, "FORBIDDEN"},
		{"fiber not found", fiber.ErrNotFound, http.StatusNotFound, engine.ErrCodeNotFound},
		{"fiber bad request", fiber.NewError(http.StatusBadRequest, "bad body"), http.StatusBadRequest, engine.ErrCodeInvalidTask},
		{"wrapped engine error", fmt.Errorf("lookup: %w", engine.NewPermanentError("gone", nil).WithCode(engine.ErrCodeNotFound)), http.StatusNotFound, engine.ErrCodeNotFound},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, engine.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New(fiber.Config{ErrorHandler: errorHandler, DisableStartupMessage: true})
			app.Get("/", func(*fiber.Ctx) error { return tt.err })

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
			require.NoError(t, err)
			defer resp.Body.Close()
			data, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantCode, decodeError(t, data).Error)
		})
	}
}
