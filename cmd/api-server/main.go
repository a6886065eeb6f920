package main

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	appkg "github.com/xenking/shopfront/internal/app"
)

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := appkg.LoadConfig()
		if err != nil {
			return errors.Wrap(err, "config")
		}
		lg.Info("Configuration loaded",
			zap.Bool("redis", cfg.RedisURL != ""),
			zap.Strings("kafka_brokers", cfg.Kafka.Brokers),
			zap.Bool("mailer", cfg.Mailer.BaseURL != ""),
			zap.Duration("engagement_interval", cfg.Engagement.Interval),
		)
		return appkg.Run(ctx, lg, m, cfg)
	})
}
