// Package mailer delivers rendered emails through an HTTP mail API.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/shopfront/internal/domain/notify"
)

// Config holds the mail API endpoint and sender.
type Config struct {
	BaseURL string
	APIKey  string
	From    string
	Timeout time.Duration
}

// Error is a non-2xx answer from the mail API.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("mail api: http %d: %s", e.StatusCode, e.Body)
}

var _ notify.Dispatcher = (*Dispatcher)(nil)

// Dispatcher implements notify.Dispatcher.
type Dispatcher struct {
	cfg      Config
	endpoint string
	http     *http.Client
}

// New creates a Dispatcher. A nil tracer provider uses the global one.
func New(cfg Config, tp trace.TracerProvider) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	var opts []otelhttp.Option
	if tp != nil {
		opts = append(opts, otelhttp.WithTracerProvider(tp))
	}
	return &Dispatcher{
		cfg:      cfg,
		endpoint: strings.TrimSuffix(cfg.BaseURL, "/") + "/emails",
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, opts...),
		},
	}
}

// Send posts msg to the mail API.
func (d *Dispatcher) Send(ctx context.Context, msg notify.Message) error {
	if msg.To == "" {
		return errors.New("empty recipient")
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("from", func(e *jx.Encoder) { e.Str(d.cfg.From) })
		e.Field("to", func(e *jx.Encoder) { e.Str(msg.To) })
		e.Field("subject", func(e *jx.Encoder) { e.Str(msg.Subject) })
		e.Field("html", func(e *jx.Encoder) { e.Str(msg.HTML) })
		e.Field("text", func(e *jx.Encoder) { e.Str(msg.Text) })
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(e.Bytes()))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)

	resp, err := d.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "send email")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
