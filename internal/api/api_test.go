package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetguard/fleetguard/internal/breaker"
	"github.com/fleetguard/fleetguard/internal/classify"
	"github.com/fleetguard/fleetguard/internal/coordinator"
	"github.com/fleetguard/fleetguard/internal/degradation"
	"github.com/fleetguard/fleetguard/internal/monitor"
	"github.com/fleetguard/fleetguard/internal/recovery"
	"github.com/fleetguard/fleetguard/internal/transport"
	"github.com/fleetguard/fleetguard/pkg/config"
	"github.com/fleetguard/fleetguard/pkg/types"
)

type stubFleet struct {
	mu       sync.Mutex
	executed []types.ActionType
}

func (f *stubFleet) CheckHealth(ctx context.Context, agentID string) (bool, error) {
	return true, nil
}

func (f *stubFleet) Notify(ctx context.Context, agentID string, n transport.Notification) error {
	return nil
}

func (f *stubFleet) Execute(ctx context.Context, agentID string, action types.RecoveryAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, action.Type)
	return nil
}

type okChecker struct{}

func (okChecker) Health(ctx context.Context) error { return nil }

type healthySource struct{}

func (healthySource) Collect(ctx context.Context) (degradation.SystemMetrics, error) {
	return degradation.SystemMetrics{}, nil
}

func testRouter(t *testing.T) (*gin.Engine, *Handlers) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Degradation.RecoveryQuiet = 0

	fleet := &stubFleet{}
	breakers := breaker.NewRegistry(cfg.Breaker, nil, nil, nil)
	dm := degradation.NewManager(cfg.Degradation, healthySource{}, nil, nil, nil, nil)
	executor := recovery.NewActionExecutor(fleet, breakers, dm, nil)
	rm := recovery.NewManager(cfg.Recovery, executor, fleet, breakers, nil, nil, nil, nil)
	coord := coordinator.NewCoordinator(cfg.Coordination, fleet, executor, nil, nil, nil, nil)
	classifier := classify.NewRuleClassifier(nil)

	h := NewHandlers(classifier, rm, coord, breakers, dm, nil, nil)
	health := NewHealthHandler(map[string]HealthChecker{"database": okChecker{}})
	router := NewRouter(cfg, h, health, monitor.NewSampler(time.Minute), nil)
	return router, h
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestReportError_SingleAgentAccepted(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/errors", ReportErrorRequest{
		AgentID: "agent-1",
		Message: "something unexpected happened",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "single_agent", data["mode"])
	assert.NotEmpty(t, data["error_id"])
}

func TestReportError_MultiAgentCoordinated(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/errors", ReportErrorRequest{
		AgentID:        "agent-1",
		Message:        "something unexpected happened",
		AffectedAgents: []string{"agent-2", "agent-3"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "coordinated", data["mode"])
	assert.NotEmpty(t, data["session_id"])
	assert.Len(t, data["participants"], 3)
}

func TestReportError_MissingFieldsRejected(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/errors", map[string]string{"agent_id": "agent-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBreakerEndpoints(t *testing.T) {
	router, h := testRouter(t)

	h.breakers.Get("agent_payments")

	w := doJSON(router, http.MethodGet, "/api/v1/breakers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agent_payments")

	w = doJSON(router, http.MethodPost, "/api/v1/breakers/agent_payments/open", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, breaker.StateOpen, h.breakers.Get("agent_payments").State())

	w = doJSON(router, http.MethodPost, "/api/v1/breakers/agent_payments/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, breaker.StateClosed, h.breakers.Get("agent_payments").State())
}

func TestDegradationEndpoints(t *testing.T) {
	router, h := testRouter(t)

	w := doJSON(router, http.MethodGet, "/api/v1/degradation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Full Service")

	w = doJSON(router, http.MethodPost, "/api/v1/degradation/escalate", EscalateRequest{
		Metric: "error_rate",
		Value:  0.3,
		Reason: "manual drill",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Greater(t, int(h.dm.CurrentLevel()), 0)

	w = doJSON(router, http.MethodGet, "/api/v1/degradation/features/advanced_analytics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"enabled":false`)

	w = doJSON(router, http.MethodPost, "/api/v1/degradation/recover", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, degradation.LevelReducedFeatures, h.dm.CurrentLevel())

	w = doJSON(router, http.MethodPost, "/api/v1/degradation/recover", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, degradation.LevelFullService, h.dm.CurrentLevel())
}

func TestSessionEndpoints_UnknownSession(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/sessions/not-a-uuid/abort", AbortSessionRequest{Reason: "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/sessions/1b671a64-40d5-491e-99b0-da01ff1f3341/abort", AbortSessionRequest{Reason: "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDegradationGuard_RejectsOversizedBody(t *testing.T) {
	router, h := testRouter(t)

	for h.dm.CurrentLevel() < degradation.LevelEmergencyMode {
		h.dm.Escalate(context.Background(), degradation.Trigger{
			Metric: degradation.MetricErrorRate,
			Value:  0.5,
			Reason: "drill",
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/errors", bytes.NewReader(make([]byte, 128)))
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = 10 << 20
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestUnknownRouteReturns404(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(router, http.MethodGet, "/api/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
