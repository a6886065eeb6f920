package app

import (
	"context"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xenking/shopfront/internal/domain/engagement"
	"github.com/xenking/shopfront/internal/domain/notify"
	"github.com/xenking/shopfront/internal/handler"
)

func TestApplyPlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("REDIS_URL", "redis://platform:6379/0")
	t.Setenv("PORT", "9000")

	cfg := Config{Addr: "0.0.0.0:8080"}
	cfg.applyPlatformDefaults()

	assert.Equal(t, "postgres://platform/db", cfg.DatabaseURL)
	assert.Equal(t, "redis://platform:6379/0", cfg.RedisURL)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)
}

func TestApplyPlatformDefaults_ExplicitWins(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("PORT", "9000")

	cfg := Config{Addr: "127.0.0.1:7000", DatabaseURL: "postgres://explicit/db"}
	cfg.applyPlatformDefaults()

	assert.Equal(t, "postgres://explicit/db", cfg.DatabaseURL)
	assert.Equal(t, "127.0.0.1:7000", cfg.Addr)
}

func TestValidate(t *testing.T) {
	cfg := Config{}
	require.ErrorContains(t, cfg.validate(), "database URL")

	cfg.DatabaseURL = "postgres://db"
	require.ErrorContains(t, cfg.validate(), "webhook secret")

	cfg.Gateway.WebhookSecret = "whsec"
	require.NoError(t, cfg.validate())
}

func TestEvery_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int64
	done := make(chan struct{})
	go func() {
		every(ctx, time.Millisecond, func(time.Time) {
			if ticks.Add(1) == 3 {
				cancel()
			}
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("every did not return after cancel")
	}
	assert.GreaterOrEqual(t, ticks.Load(), int64(3))
}

type failingSweeper struct{}

func (failingSweeper) Sweep(context.Context) (*engagement.Report, error) {
	return nil, errors.New("redis down")
}

var _ handler.Sweeper = failingSweeper{}

func TestSweep_LogsFailure(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := zctx.Base(context.Background(), zap.New(core))

	sweep(ctx, failingSweeper{})

	entries := logs.FilterMessage("Scheduled engagement sweep failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
}

func TestLogDispatcher(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := zctx.Base(context.Background(), zap.New(core))

	err := logDispatcher{}.Send(ctx, notify.Message{To: "ann@example.com", Subject: "Hello"})
	require.NoError(t, err)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "ann@example.com", logs.All()[0].ContextMap()["to"])
}

func TestRateLimitKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/cart", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "ip:10.0.0.1", rateLimitKey(r))

	r.Header.Set(handler.UserIDHeader, "u1")
	assert.Equal(t, "user:u1", rateLimitKey(r))
}
