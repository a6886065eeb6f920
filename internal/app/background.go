package app

import (
	"context"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/shopfront/internal/domain/notify"
	"github.com/xenking/shopfront/internal/handler"
)

// every calls fn on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(now time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fn(now)
		}
	}
}

func sweep(ctx context.Context, s handler.Sweeper) {
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		zctx.From(ctx).Error("Scheduled engagement sweep failed", zap.Error(err))
	}
}

// logDispatcher stands in for the email API in local runs.
type logDispatcher struct{}

func (logDispatcher) Send(ctx context.Context, msg notify.Message) error {
	zctx.From(ctx).Info("Email not sent, mailer disabled",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return nil
}
