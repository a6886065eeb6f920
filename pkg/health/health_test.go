package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type body struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func probeOf(t *testing.T, h *Health, name string) *probe {
	t.Helper()
	for _, p := range h.probes {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("no probe %q", name)
	return nil
}

func get(t *testing.T, handler http.HandlerFunc) (int, body) {
	t.Helper()
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var b body
	require.NoError(t, json.NewDecoder(w.Body).Decode(&b))
	return w.Code, b
}

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func TestLiveEndpoint(t *testing.T) {
	h := New()
	h.Register(Check{Name: "goroutines", Kind: Liveness, Func: GoroutineCountCheck(1 << 20)})
	h.Register(Check{Name: "stuck", Kind: Liveness, Func: failing("deadlock")})

	code, b := get(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code, "checks start healthy")
	assert.Equal(t, "ok", b.Status)
	assert.Empty(t, b.Checks)

	ctx := context.Background()
	for range 3 {
		probeOf(t, h, "stuck").run(ctx)
	}
	code, b = get(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", b.Status)
	assert.Equal(t, map[string]string{"stuck": "deadlock"}, b.Checks)
}

func TestThresholds(t *testing.T) {
	var fail atomic.Bool
	h := New()
	h.Register(Check{
		Name: "db",
		Kind: Readiness,
		Func: func(context.Context) error {
			if fail.Load() {
				return errors.New("connection refused")
			}
			return nil
		},
		FailureThreshold: 2,
		SuccessThreshold: 2,
	})
	h.SetReady(true)
	p := probeOf(t, h, "db")
	ctx := context.Background()

	fail.Store(true)
	p.run(ctx)
	assert.True(t, h.IsReady(), "one failure is tolerated")
	p.run(ctx)
	assert.False(t, h.IsReady())

	fail.Store(false)
	p.run(ctx)
	assert.False(t, h.IsReady(), "one success is not enough")
	p.run(ctx)
	assert.True(t, h.IsReady())
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.Register(Check{Name: "postgres", Kind: Readiness, Func: failing("timeout"), FailureThreshold: 1})
	h.Register(Check{Name: "kafka", Kind: Advisory, Func: failing("no brokers"), FailureThreshold: 1})

	code, b := get(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, b.Checks, "_readiness")

	h.SetReady(true)
	code, b = get(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", b.Status)

	probeOf(t, h, "kafka").run(context.Background())
	code, b = get(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code, "advisory checks do not gate")
	assert.Equal(t, "degraded", b.Status)
	assert.Equal(t, map[string]string{"kafka": "no brokers"}, b.Checks)

	probeOf(t, h, "postgres").run(context.Background())
	code, b = get(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", b.Status)
	assert.Len(t, b.Checks, 2)
}

func TestStartStop(t *testing.T) {
	var calls atomic.Int64
	h := New()
	h.Register(Check{Name: "tick", Kind: Liveness, Func: func(context.Context) error {
		calls.Add(1)
		return nil
	}})

	h.Start(context.Background(), 5*time.Millisecond)
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	h.Stop()
	h.Stop()

	settled := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, calls.Load(), settled+1)
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestPingCheck(t *testing.T) {
	require.NoError(t, PingCheck(pinger{})(context.Background()))
	require.ErrorContains(t, PingCheck(pinger{err: errors.New("refused")})(context.Background()), "refused")
}
