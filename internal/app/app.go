package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/shopfront/internal/domain/cart"
	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/domain/engagement"
	"github.com/xenking/shopfront/internal/domain/notify"
	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/domain/settlement"
	"github.com/xenking/shopfront/internal/events"
	"github.com/xenking/shopfront/internal/gateway"
	"github.com/xenking/shopfront/internal/handler"
	"github.com/xenking/shopfront/internal/mailer"
	"github.com/xenking/shopfront/internal/storage/memory"
	"github.com/xenking/shopfront/internal/storage/postgres"
	redisstore "github.com/xenking/shopfront/internal/storage/redis"
	"github.com/xenking/shopfront/pkg/health"
	"github.com/xenking/shopfront/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	svc, err := build(ctx, lg, m.TracerProvider(), m.MeterProvider(), cfg)
	if err != nil {
		return err
	}
	defer svc.close()

	svc.health.Start(ctx, 10*time.Second)
	svc.health.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           svc.handler,
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		svc.health.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		svc.health.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// service is the wired application without its listener.
type service struct {
	handler http.Handler
	health  *health.Health
	closers []func()
}

func (s *service) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// build connects to backing services and wires every component. Background
// loops it starts stop with ctx.
func build(ctx context.Context, lg *zap.Logger, tp trace.TracerProvider, mp metric.MeterProvider, cfg *Config) (_ *service, rerr error) {
	svc := &service{health: health.New()}
	defer func() {
		if rerr != nil {
			svc.close()
		}
	}()

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	svc.closers = append(svc.closers, pool.Close)

	if err := postgres.RunMigrations(pool); err != nil {
		return nil, errors.Wrap(err, "run migrations")
	}

	healthSvc := svc.health
	healthSvc.Register(health.Check{
		Name:    "postgres",
		Kind:    health.Readiness,
		Timeout: 5 * time.Second,
		Func:    health.PingCheck(pool),
	})
	healthSvc.Register(health.Check{
		Name:    "goroutines",
		Kind:    health.Liveness,
		Timeout: time.Second,
		Func:    health.GoroutineCountCheck(10000),
	})

	// Cart sessions and rate limits live in Redis when it is configured.
	var (
		carts   cart.Store
		limiter httpmiddleware.Limiter
	)
	if cfg.RedisURL != "" {
		rdb, err := redisstore.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "create redis client")
		}
		svc.closers = append(svc.closers, func() { _ = rdb.Close() })

		healthSvc.Register(health.Check{
			Name:    "redis",
			Kind:    health.Readiness,
			Timeout: 2 * time.Second,
			Func: func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			},
		})
		carts = redisstore.NewCartStore(rdb, cfg.Engagement.Retention)
		limiter = redisstore.NewRateLimiter(rdb, cfg.RateLimit.Max, cfg.RateLimit.Window)
	} else {
		lg.Warn("Redis is not configured, cart sessions and rate limits are process-local")
		carts = memory.New()
		wl := httpmiddleware.NewWindowLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window)
		go every(ctx, cfg.RateLimit.Window, func(now time.Time) { wl.Sweep(now) })
		limiter = wl
	}

	var publisher settlement.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		producer := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, tp)
		svc.closers = append(svc.closers, func() {
			if err := producer.Close(); err != nil {
				lg.Error("Close event producer", zap.Error(err))
			}
		})
		healthSvc.Register(health.Check{
			Name:    "kafka",
			Kind:    health.Advisory,
			Timeout: 5 * time.Second,
			Func:    health.PingCheck(producer),
		})
		publisher = producer
	}

	// External services.
	gw, err := gateway.NewClient(gateway.Config{
		BaseURL:      cfg.Gateway.BaseURL,
		ClientID:     cfg.Gateway.ClientID,
		ClientSecret: cfg.Gateway.ClientSecret,
		APIVersion:   cfg.Gateway.APIVersion,
		Timeout:      cfg.Gateway.Timeout,
	}, tp)
	if err != nil {
		return nil, errors.Wrap(err, "create gateway client")
	}

	var dispatcher notify.Dispatcher = logDispatcher{}
	if cfg.Mailer.BaseURL != "" {
		dispatcher = mailer.New(mailer.Config{
			BaseURL: cfg.Mailer.BaseURL,
			APIKey:  cfg.Mailer.APIKey,
			From:    cfg.Mailer.From,
			Timeout: cfg.Mailer.Timeout,
		}, tp)
	} else {
		lg.Warn("Mailer is not configured, emails are logged only")
	}
	renderer, err := notify.NewRenderer(notify.Brand{
		Name:    cfg.Mailer.Brand,
		URL:     cfg.Mailer.SiteURL,
		CartURL: strings.TrimSuffix(cfg.Mailer.SiteURL, "/") + "/cart",
	})
	if err != nil {
		return nil, errors.Wrap(err, "create renderer")
	}

	// Repositories.
	products := postgres.NewProductRepository(pool)
	ledger := postgres.NewStockLedger(pool)
	orders := postgres.NewOrderStore(pool)
	customers := postgres.NewCustomerDirectory(pool)
	couponValidator := coupon.NewRepoValidator(
		postgres.NewCouponRepository(pool),
		postgres.NewRedemptionTracker(pool),
	)

	// Domain services.
	checkout, err := order.NewService(products, ledger, couponValidator, gw, orders, order.CheckoutConfig{
		Currency:       cfg.Gateway.Currency,
		ValidityWindow: cfg.Checkout.ValidityWindow,
	}, mp)
	if err != nil {
		return nil, errors.Wrap(err, "create checkout service")
	}
	reconciler, err := settlement.NewReconciler(settlement.Deps{
		Orders:    orders,
		Gateway:   gw,
		Customers: customers,
		Carts:     carts,
		Mailer:    dispatcher,
		Renderer:  renderer,
		Events:    publisher,
	}, mp)
	if err != nil {
		return nil, errors.Wrap(err, "create reconciler")
	}
	scheduler, err := engagement.NewScheduler(carts, dispatcher, renderer, engagement.Config{
		Concurrency: cfg.Engagement.Concurrency,
		PageSize:    cfg.Engagement.PageSize,
	}, mp)
	if err != nil {
		return nil, errors.Wrap(err, "create scheduler")
	}
	if cfg.Engagement.Interval > 0 {
		lg.Info("Starting engagement ticker", zap.Duration("interval", cfg.Engagement.Interval))
		go every(ctx, cfg.Engagement.Interval, func(time.Time) { sweep(ctx, scheduler) })
	}

	// HTTP handlers.
	h := handler.NewHandler(handler.Config{CronSecret: cfg.Engagement.CronSecret}, handler.Deps{
		Checkout:   checkout,
		Settlement: reconciler,
		Orders:     orders,
		Carts:      carts,
		Sweeper:    scheduler,
		Webhooks:   gateway.NewVerifier(cfg.Gateway.WebhookSecret, cfg.Gateway.WebhookTolerance),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	h.Register(mux)

	svc.handler = httpmiddleware.Wrap(mux,
		httpmiddleware.Recovery(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			AllowOrigins: cfg.CORS.Origins,
			AllowHeaders: []string{
				"Content-Type", "Authorization",
				handler.UserIDHeader, handler.UserEmailHeader, handler.UserNameHeader,
			},
			ExposeHeaders:    []string{httpmiddleware.RequestIDHeader},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           86400,
		}),
		httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
			Limiter: limiter,
			Max:     cfg.RateLimit.Max,
			Window:  cfg.RateLimit.Window,
			KeyFunc: rateLimitKey,
		}),
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.Instrument("shop-api", tp, mp),
		httpmiddleware.LogRequests(),
	)
	return svc, nil
}

// rateLimitKey buckets authenticated callers by user and everyone else by IP.
func rateLimitKey(r *http.Request) string {
	if id := r.Header.Get(handler.UserIDHeader); id != "" {
		return "user:" + id
	}
	return "ip:" + httpmiddleware.ClientIP(r)
}
