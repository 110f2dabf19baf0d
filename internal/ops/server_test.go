package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/xconnect/pkg/cancel"
	"github.com/quantfabric/xconnect/pkg/config"
	"github.com/quantfabric/xconnect/pkg/health"
	"github.com/quantfabric/xconnect/pkg/logging"
	"github.com/quantfabric/xconnect/pkg/metrics"
	"github.com/quantfabric/xconnect/pkg/runtime"
	"github.com/quantfabric/xconnect/pkg/service"
)

type nopHandler struct{}

func (nopHandler) OnStart(context.Context, *cancel.Token) error { return nil }
func (nopHandler) OnStop(context.Context, *cancel.Token) error  { return nil }

// managedService adapts a bare runtime.Service to the registry interface.
type managedService struct {
	rt *runtime.Service
}

func (m *managedService) Name() string { return m.rt.InstanceKey() }

func (m *managedService) Start(ctx context.Context) error { return m.rt.Start(ctx) }

func (m *managedService) Stop(ctx context.Context) error { return m.rt.Stop(ctx, "test stop") }

func (m *managedService) State() runtime.State { return m.rt.State() }

func (m *managedService) Dependencies() []string { return nil }

func (m *managedService) Stats() runtime.Stats { return m.rt.Stats() }

func (m *managedService) Runtime() *runtime.Service { return m.rt }

func (m *managedService) Health() error {
	if m.rt.IsRunning() {
		return nil
	}
	return fmt.Errorf("not running")
}

const testPassword = "operator-secret"

var (
	testHashOnce sync.Once
	testHash     string
)

// testOpsConfig hashes the admin password once; bcrypt at the production cost
// is too slow to rerun per test.
func testOpsConfig(t *testing.T) config.OpsConfig {
	t.Helper()
	testHashOnce.Do(func() {
		hash, err := HashPassword(testPassword)
		if err != nil {
			panic(err)
		}
		testHash = hash
	})
	hash := testHash
	return config.OpsConfig{
		Addr:           ":0",
		JWTSecret:      "test-jwt-secret",
		AdminUser:      "ops",
		AdminPassHash:  hash,
		RequestsPerMin: 1000,
		TokenExpiry:    time.Hour,
	}
}

func newTestServer(t *testing.T) (*Server, *managedService) {
	t.Helper()

	rt, err := runtime.New(runtime.Config{
		InstanceKey: "demo:svc",
		Logger:      logging.Nop(),
	}, nopHandler{})
	require.NoError(t, err)
	svc := &managedService{rt: rt}

	reg := service.NewRegistry(logging.Nop())
	require.NoError(t, reg.Register(svc))

	healthReg := health.NewRegistry(logging.Nop())
	healthReg.Register(svc.Name(), health.RuntimeChecker(svc.Stats))

	srv, err := NewServer(testOpsConfig(t), reg, healthReg, nil, logging.Nop())
	require.NoError(t, err)
	return srv, svc
}

func login(t *testing.T, srv *Server, user, pass string) (string, int) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": user, "password": pass})
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		return "", rec.Code
	}
	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Data.Token, rec.Code
}

func adminDo(srv *Server, token, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestLogin(t *testing.T) {
	srv, _ := newTestServer(t)

	_, code := login(t, srv, "ops", "wrong-password")
	assert.Equal(t, http.StatusUnauthorized, code)

	_, code = login(t, srv, "intruder", testPassword)
	assert.Equal(t, http.StatusUnauthorized, code)

	token, code := login(t, srv, "ops", testPassword)
	assert.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, token)
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := adminDo(srv, "", http.MethodGet, "/services")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = adminDo(srv, "not-a-jwt", http.MethodGet, "/services")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListServices(t *testing.T) {
	srv, _ := newTestServer(t)
	token, _ := login(t, srv, "ops", testPassword)

	rec := adminDo(srv, token, http.MethodGet, "/services")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "demo:svc", resp.Data[0].Name)
	assert.Equal(t, "STOPPED", resp.Data[0].State)
}

func TestLifecycleEndpoints(t *testing.T) {
	srv, svc := newTestServer(t)
	token, _ := login(t, srv, "ops", testPassword)

	rec := adminDo(srv, token, http.MethodPost, "/services/demo:svc/start")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, runtime.StateRunning, svc.State())

	rec = adminDo(srv, token, http.MethodPost, "/services/demo:svc/pause")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, runtime.StatePaused, svc.State())

	rec = adminDo(srv, token, http.MethodPost, "/services/demo:svc/resume")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, runtime.StateRunning, svc.State())

	rec = adminDo(srv, token, http.MethodPost, "/services/demo:svc/restart")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, runtime.StateRunning, svc.State())

	rec = adminDo(srv, token, http.MethodPost, "/services/demo:svc/stop")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, runtime.StateStopped, svc.State())

	// Stopping twice is a state-machine violation, reported as a conflict.
	rec = adminDo(srv, token, http.MethodPost, "/services/demo:svc/stop")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServiceStats(t *testing.T) {
	srv, svc := newTestServer(t)
	token, _ := login(t, srv, "ops", testPassword)
	require.NoError(t, svc.Start(context.Background()))

	rec := adminDo(srv, token, http.MethodGet, "/services/demo:svc/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data runtime.Stats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "demo:svc", resp.Data.InstanceKey)
	assert.Equal(t, runtime.StateRunning, resp.Data.State)
}

func TestUnknownService(t *testing.T) {
	srv, _ := newTestServer(t)
	token, _ := login(t, srv, "ops", testPassword)

	rec := adminDo(srv, token, http.MethodGet, "/services/ghost/stats")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestMetricsRecorded(t *testing.T) {
	reg := service.NewRegistry(logging.Nop())
	healthReg := health.NewRegistry(logging.Nop())
	m := metrics.New(metrics.Config{Namespace: "test"})

	srv, err := NewServer(testOpsConfig(t), reg, healthReg, m, logging.Nop())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestCount.WithLabelValues(http.MethodGet, "/metrics", "2xx")))
	// In-flight returns to zero once the request completes.
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RequestInFlight.WithLabelValues("admin")))
}

func TestHealthEndpoint(t *testing.T) {
	srv, svc := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	// The registered service is stopped, so the aggregate is DOWN.
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, svc.Start(context.Background()))
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
