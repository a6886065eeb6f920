package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (SHOP_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (SHOP_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisURL    string `usage:"Redis URL for cart sessions and rate limits; empty keeps both in memory" flag:"redis-url"`
	Kafka       KafkaConfig
	Gateway     GatewayConfig
	Mailer      MailerConfig
	Checkout    CheckoutConfig
	Engagement  EngagementConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// KafkaConfig controls the order event publisher. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka bootstrap brokers"`
	Topic   string   `default:"shop.orders" usage:"Topic for order events"`
}

// GatewayConfig configures the payment gateway client and webhook checks.
type GatewayConfig struct {
	BaseURL          string        `default:"https://sandbox.cashfree.com/pg" usage:"Payment gateway API base URL"`
	ClientID         string        `usage:"Payment gateway client id"`
	ClientSecret     string        `usage:"Payment gateway client secret"`
	APIVersion       string        `default:"2023-08-01" usage:"Payment gateway API version header"`
	WebhookSecret    string        `usage:"Secret used to verify gateway webhooks"`
	WebhookTolerance time.Duration `default:"5m" usage:"Maximum webhook timestamp skew"`
	Currency         string        `default:"INR" usage:"Order currency"`
	Timeout          time.Duration `default:"10s" usage:"Gateway request timeout"`
}

// MailerConfig configures the transactional email API.
type MailerConfig struct {
	BaseURL string        `usage:"Email API base URL; empty logs emails instead of sending"`
	APIKey  string        `usage:"Email API bearer token"`
	From    string        `default:"Shopfront <orders@shopfront.dev>" usage:"Sender address"`
	Timeout time.Duration `default:"10s" usage:"Email API request timeout"`
	Brand   string        `default:"Shopfront" usage:"Store name used in emails"`
	SiteURL string        `default:"https://shopfront.dev" usage:"Storefront URL used in emails"`
}

// CheckoutConfig tunes order creation.
type CheckoutConfig struct {
	ValidityWindow time.Duration `default:"15m" usage:"How long an unsettled order stays payable"`
}

// EngagementConfig controls abandoned cart reminders.
type EngagementConfig struct {
	Interval    time.Duration `default:"0s" usage:"In-process sweep interval; 0 relies on the cron endpoint"`
	Concurrency int           `default:"8" usage:"Parallel reminder dispatches"`
	PageSize    int           `default:"200" usage:"Sessions loaded per page"`
	CronSecret  string        `usage:"Shared secret for the sweep endpoint"`
	Retention   time.Duration `default:"720h" usage:"Cart session retention"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SHOP",
		Files:     []string{"config.yaml", "/etc/shop/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set SHOP_DATABASE_URL or DATABASE_URL")
	}
	if c.Gateway.WebhookSecret == "" {
		return errors.New("webhook secret is required: set SHOP_GATEWAY_WEBHOOK_SECRET")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL, REDIS_URL and PORT to the SHOP_-prefixed
// configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.RedisURL == "" {
		c.RedisURL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
