package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
	"sharechannel/internal/core/services"
	"sharechannel/internal/infrastructure/middleware"
	"sharechannel/internal/infrastructure/monitoring"
	"sharechannel/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeDirectory struct {
	peers []domain.PeerID
}

func (d fakeDirectory) ConnectedPeers() []domain.PeerID { return d.peers }
func (d fakeDirectory) InstanceID() string              { return "inst-a" }

type fakeCluster struct {
	instances []string
	peers     int
	err       error
}

func (f fakeCluster) Instances(context.Context) ([]string, error) { return f.instances, f.err }
func (f fakeCluster) PeerCount(context.Context) (int, error)      { return f.peers, f.err }

type fixture struct {
	router   *gin.Engine
	registry ports.IDRegistry
	auth     services.AuthService
}

func newFixture(t *testing.T, cluster ClusterStats) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := memory.NewMemoryIDRegistry()
	auth := services.NewAuthService("handler-secret", time.Hour)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	api := router.Group("/api/v1")
	NewTokenHandler(auth, registry, time.Hour).SetupRoutes(api)
	NewPeerHandler(fakeDirectory{peers: []domain.PeerID{"room1", "joiner-abc1234"}}, registry, cluster).SetupRoutes(api)

	return &fixture{router: router, registry: registry, auth: auth}
}

func (f *fixture) do(method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestIssueToken(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPost, "/api/v1/token", TokenRequest{PeerID: "room1", UserName: " Host "}, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.PeerID("room1"), resp.PeerID)
	assert.Equal(t, 3600, resp.ExpiresIn)

	claims, err := f.auth.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.PeerID("room1"), claims.PeerID)
	assert.Equal(t, "Host", claims.UserName)
	assert.NoError(t, f.auth.VerifyPeerToken(resp.Token, "room1"))
}

func TestIssueToken_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	ok, err := f.registry.Claim(context.Background(), "taken", "inst-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	w := f.do(http.MethodPost, "/api/v1/token", TokenRequest{PeerID: "taken"}, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ID_TAKEN", decode(t, w)["error"])

	w = f.do(http.MethodPost, "/api/v1/token", TokenRequest{PeerID: "no spaces"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ID", decode(t, w)["error"])

	w = f.do(http.MethodPost, "/api/v1/token", map[string]string{}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", decode(t, w)["error"])
}

func TestRefreshToken(t *testing.T) {
	f := newFixture(t, nil)
	token, err := f.auth.GenerateToken("room1", "Host")
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/api/v1/token/refresh", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	claims, err := f.auth.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "Host", claims.UserName)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/v1/token/refresh", nil, "").Code)
}

func TestGenerateID(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodGet, "/api/v1/id", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	id, _ := decode(t, w)["id"].(string)
	assert.Len(t, id, generatedIDLength)
}

func TestListPeers(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodGet, "/api/v1/peers", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "inst-a", body["instance_id"])
	assert.EqualValues(t, 2, body["count"])
	assert.NotContains(t, body, "cluster_count")

	clustered := newFixture(t, fakeCluster{instances: []string{"inst-a", "inst-b"}, peers: 5})
	body = decode(t, clustered.do(http.MethodGet, "/api/v1/peers", nil, ""))
	assert.EqualValues(t, 2, body["instances"])
	assert.EqualValues(t, 5, body["cluster_count"])

	broken := newFixture(t, fakeCluster{err: errors.New("redis down")})
	w = broken.do(http.MethodGet, "/api/v1/peers", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetPeer(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.registry.Claim(context.Background(), "room1", "inst-a", time.Minute)
	require.NoError(t, err)
	_, err = f.registry.Claim(context.Background(), "room2", "inst-b", time.Minute)
	require.NoError(t, err)

	body := decode(t, f.do(http.MethodGet, "/api/v1/peers/room1", nil, ""))
	assert.Equal(t, true, body["online"])
	assert.Equal(t, true, body["local"])

	body = decode(t, f.do(http.MethodGet, "/api/v1/peers/room2", nil, ""))
	assert.Equal(t, "inst-b", body["instance"])
	assert.Equal(t, false, body["local"])

	w := f.do(http.MethodGet, "/api/v1/peers/ghost", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, decode(t, w)["online"])

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/peers/bad..id", nil, "").Code)
}

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	checker := monitoring.NewHealthChecker()
	healthy := true
	checker.AddCheck("registry", func(context.Context) (bool, error) { return healthy, nil }, 0, time.Second)

	reg := prometheus.NewRegistry()
	monitoring.NewPrometheusCollector(reg).SignalConnected()

	router := gin.New()
	NewHealthHandler(checker, reg).SetupRoutes(router)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	assert.Equal(t, http.StatusOK, get("/health").Code)
	assert.Equal(t, http.StatusOK, get("/ready").Code)

	healthy = false
	w := get("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "registry")

	w = get("/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sharechannel_signal_connections 1")
}

type countingCluster struct {
	calls atomic.Int32
}

func (c *countingCluster) Instances(context.Context) ([]string, error) {
	c.calls.Add(1)
	return []string{"inst-a"}, nil
}

func (c *countingCluster) PeerCount(context.Context) (int, error) { return 3, nil }

func TestListPeers_CachesClusterStats(t *testing.T) {
	cluster := &countingCluster{}
	f := newFixture(t, cluster)

	for i := 0; i < 3; i++ {
		body := decode(t, f.do(http.MethodGet, "/api/v1/peers", nil, ""))
		assert.EqualValues(t, 3, body["cluster_count"])
	}
	assert.EqualValues(t, 1, cluster.calls.Load())
}
