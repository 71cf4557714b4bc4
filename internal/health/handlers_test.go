package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fakeScheduler struct {
	running bool
	last    time.Time
}

func (s fakeScheduler) Running() bool      { return s.running }
func (s fakeScheduler) LastRun() time.Time { return s.last }

func serve(t *testing.T, r *Registry, path string) (int, map[string]interface{}) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(r, "test").RegisterRoutes(router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestHandler_HealthyAndDegraded(t *testing.T) {
	r := NewRegistry()
	r.Register("rpc", RPCChecker(pingFunc(func(context.Context) error { return nil })))

	code, body := serve(t, r, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	r.Register("reconciler", ReconcilerChecker(fakeScheduler{}, time.Minute, nil), Optional())
	code, body = serve(t, r, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", body["status"])
	code, _ = serve(t, r, "/health/ready")
	assert.Equal(t, http.StatusOK, code, "optional checks do not affect readiness")

	r.Register("rpc-down", RPCChecker(pingFunc(func(context.Context) error { return errors.New("dial tcp: refused") })))
	code, body = serve(t, r, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Len(t, body["subsystems"], 3)

	code, _ = serve(t, r, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, body = serve(t, r, "/health/live")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["status"])
}

func TestReconcilerChecker(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ctx := context.Background()

	assert.False(t, ReconcilerChecker(fakeScheduler{}, time.Minute, clock)(ctx).Healthy)
	assert.True(t, ReconcilerChecker(fakeScheduler{running: true}, time.Minute, clock)(ctx).Healthy)
	assert.True(t, ReconcilerChecker(fakeScheduler{running: true, last: now.Add(-30 * time.Second)}, time.Minute, clock)(ctx).Healthy)

	st := ReconcilerChecker(fakeScheduler{running: true, last: now.Add(-5 * time.Minute)}, time.Minute, clock)(ctx)
	assert.False(t, st.Healthy)
	assert.Contains(t, st.Detail, "5m0s")
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	assert.True(t, RedisChecker(client)(context.Background()).Healthy)

	mr.Close()
	st := RedisChecker(client)(context.Background())
	assert.False(t, st.Healthy)
	assert.NotEmpty(t, st.Detail)
}
