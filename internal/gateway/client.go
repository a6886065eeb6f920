// Package gateway talks to the hosted payment gateway over HTTP.
package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/shopfront/internal/domain/payment"
)

// maxBody caps gateway responses.
const maxBody = 1 << 20

// Config holds gateway credentials and endpoints.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	APIVersion   string
	Timeout      time.Duration
}

var _ payment.Gateway = (*Client)(nil)

// Client implements payment.Gateway.
type Client struct {
	cfg  Config
	base *url.URL
	http *http.Client
}

// NewClient creates a Client. A nil tracer provider uses the global one.
func NewClient(cfg Config, tp trace.TracerProvider) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	var opts []otelhttp.Option
	if tp != nil {
		opts = append(opts, otelhttp.WithTracerProvider(tp))
	}
	return &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, opts...),
		},
	}, nil
}

// CreateOrder registers the order with the gateway and returns the hosted
// payment session.
func (c *Client) CreateOrder(ctx context.Context, req payment.CreateOrderRequest) (*payment.RemoteOrder, error) {
	body, err := c.do(ctx, http.MethodPost, "/orders", encodeCreateOrder(req))
	if err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	var out payment.RemoteOrder
	err = jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "remote_order_id":
			out.RemoteOrderID, err = d.Str()
		case "payment_session_id":
			out.SessionHandle, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode create order response")
	}
	if out.RemoteOrderID == "" || out.SessionHandle == "" {
		return nil, errors.New("create order response misses remote order id or session")
	}
	return &out, nil
}

// ListTransactions returns every payment attempt made against a remote order.
func (c *Client) ListTransactions(ctx context.Context, remoteOrderID string) ([]payment.Transaction, error) {
	body, err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(remoteOrderID)+"/payments", nil)
	if err != nil {
		return nil, errors.Wrap(err, "list transactions")
	}

	txs := []payment.Transaction{}
	err = jx.DecodeBytes(body).Arr(func(d *jx.Decoder) error {
		var tx payment.Transaction
		if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			var err error
			switch string(key) {
			case "payment_id":
				tx.PaymentID, err = decodeID(d)
			case "payment_status":
				tx.Status, err = d.Str()
			case "payment_amount":
				tx.Amount, err = decodeAmount(d)
			default:
				err = d.Skip()
			}
			return err
		}); err != nil {
			return err
		}
		txs = append(txs, tx)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode transactions")
	}
	return txs, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reqBody)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-client-id", c.cfg.ClientID)
	req.Header.Set("x-client-secret", c.cfg.ClientSecret)
	if c.cfg.APIVersion != "" {
		req.Header.Set("x-api-version", c.cfg.APIVersion)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeError(resp.StatusCode, body)
	}
	return body, nil
}

func decodeError(status int, body []byte) error {
	gwErr := &payment.GatewayError{StatusCode: status}
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "code":
			gwErr.Code, err = decodeID(d)
		case "message":
			gwErr.Message, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil || gwErr.Message == "" {
		gwErr.Message = strings.TrimSpace(string(body))
		if gwErr.Message == "" {
			gwErr.Message = http.StatusText(status)
		}
	}
	return gwErr
}

func encodeCreateOrder(req payment.CreateOrderRequest) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("order_id", func(e *jx.Encoder) { e.Str(req.OrderID) })
		e.Field("order_amount", func(e *jx.Encoder) { e.Raw([]byte(req.Amount.StringFixed(2))) })
		e.Field("order_currency", func(e *jx.Encoder) { e.Str(req.Currency) })
		e.Field("customer_details", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("customer_id", func(e *jx.Encoder) { e.Str(req.Customer.ID) })
				e.Field("customer_email", func(e *jx.Encoder) { e.Str(req.Customer.Email) })
				e.Field("customer_name", func(e *jx.Encoder) { e.Str(req.Customer.Name) })
				if req.Customer.Phone != "" {
					e.Field("customer_phone", func(e *jx.Encoder) { e.Str(req.Customer.Phone) })
				}
			})
		})
		e.Field("order_lines", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, l := range req.Lines {
					e.Obj(func(e *jx.Encoder) {
						e.Field("item_id", func(e *jx.Encoder) { e.Str(l.ProductID) })
						e.Field("item_name", func(e *jx.Encoder) { e.Str(l.Name) })
						e.Field("item_quantity", func(e *jx.Encoder) { e.Int(l.Quantity) })
						e.Field("item_amount", func(e *jx.Encoder) { e.Raw([]byte(l.Amount.StringFixed(2))) })
					})
				}
			})
		})
		if !req.ExpiresAt.IsZero() {
			e.Field("order_expiry_time", func(e *jx.Encoder) { e.Str(req.ExpiresAt.UTC().Format(time.RFC3339)) })
		}
	})
	return e.Bytes()
}
