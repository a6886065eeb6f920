package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/shopfront/internal/domain/payment"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		BaseURL:      srv.URL + "/pg/",
		ClientID:     "app-id",
		ClientSecret: "app-secret",
		APIVersion:   "2023-08-01",
		Timeout:      time.Second,
	}, nil)
	require.NoError(t, err)
	return c
}

func TestCreateOrder(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/pg/orders", r.URL.Path)
		assert.Equal(t, "app-id", r.Header.Get("x-client-id"))
		assert.Equal(t, "app-secret", r.Header.Get("x-client-secret"))
		assert.Equal(t, "2023-08-01", r.Header.Get("x-api-version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"remote_order_id":"cf_1","payment_session_id":"session_abc","order_status":"ACTIVE"}`)
	})

	remote, err := c.CreateOrder(context.Background(), payment.CreateOrderRequest{
		OrderID:  "o1",
		Amount:   decimal.NewFromInt(950),
		Currency: "INR",
		Customer: payment.Customer{ID: "u1", Email: "u1@example.com", Name: "Ann"},
		Lines: []payment.LineSummary{
			{ProductID: "A", Name: "Linen Shirt", Quantity: 2, Amount: decimal.NewFromInt(1000)},
		},
		ExpiresAt: time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, &payment.RemoteOrder{RemoteOrderID: "cf_1", SessionHandle: "session_abc"}, remote)

	assert.Equal(t, "o1", got["order_id"])
	assert.Equal(t, 950.0, got["order_amount"])
	assert.Equal(t, "2025-06-01T10:15:00Z", got["order_expiry_time"])
	customer := got["customer_details"].(map[string]any)
	assert.Equal(t, "u1@example.com", customer["customer_email"])
	assert.NotContains(t, customer, "customer_phone")
	lines := got["order_lines"].([]any)
	require.Len(t, lines, 1)
	assert.Equal(t, 2.0, lines[0].(map[string]any)["item_quantity"])
}

func TestCreateOrder_GatewayError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":"order_amount_invalid","message":"amount too low","type":"invalid_request_error"}`)
	})

	_, err := c.CreateOrder(context.Background(), payment.CreateOrderRequest{OrderID: "o1", Amount: decimal.NewFromInt(1)})

	var gwErr *payment.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, http.StatusBadRequest, gwErr.StatusCode)
	assert.Equal(t, "order_amount_invalid", gwErr.Code)
	assert.Equal(t, "amount too low", gwErr.Message)
}

func TestCreateOrder_UnstructuredError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.CreateOrder(context.Background(), payment.CreateOrderRequest{OrderID: "o1"})

	var gwErr *payment.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "Bad Gateway", gwErr.Message)
}

func TestCreateOrder_IncompleteResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"remote_order_id":"cf_1"}`)
	})

	_, err := c.CreateOrder(context.Background(), payment.CreateOrderRequest{OrderID: "o1"})
	require.Error(t, err)
}

func TestListTransactions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/pg/orders/cf_1/payments", r.URL.Path)
		_, _ = io.WriteString(w, `[
			{"payment_id": 5114915, "payment_status": "FAILED", "payment_amount": 950.00},
			{"payment_id": "5114916", "payment_status": "SUCCESS", "payment_amount": "950.00", "payment_group": "upi"}
		]`)
	})

	txs, err := c.ListTransactions(context.Background(), "cf_1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "5114915", txs[0].PaymentID)
	assert.Equal(t, payment.StatusFailed, txs[0].Status)
	assert.True(t, decimal.NewFromInt(950).Equal(txs[1].Amount))

	outcome, id := payment.DeriveOutcome(txs)
	assert.Equal(t, payment.OutcomeSuccess, outcome)
	assert.Equal(t, "5114916", id)
}

func TestListTransactions_Empty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	})

	txs, err := c.ListTransactions(context.Background(), "cf_1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestVerifier(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	v := NewVerifier("whsec", 5*time.Minute)
	v.now = func() time.Time { return now }
	body := []byte(`{"remote_order_id":"cf_1","status":"SUCCESS"}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	require.NoError(t, v.Verify(Sign("whsec", ts, body), ts, body))

	for name, tc := range map[string]struct {
		sig, ts string
		body    []byte
	}{
		"WrongSecret": {Sign("other", ts, body), ts, body},
		"Tampered":    {Sign("whsec", ts, body), ts, []byte(`{"remote_order_id":"cf_2","status":"SUCCESS"}`)},
		"Missing":     {"", ts, body},
		"NotBase64":   {"%%%", ts, body},
		"Stale": {
			Sign("whsec", strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10), body),
			strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10),
			body,
		},
	} {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, v.Verify(tc.sig, tc.ts, tc.body), ErrInvalidSignature)
		})
	}
}

func TestParseCallback(t *testing.T) {
	cb, err := ParseCallback([]byte(`{
		"remote_order_id": "cf_1",
		"amount": 950.00,
		"transaction_ref": 889911,
		"status": "SUCCESS",
		"method": "upi",
		"timestamp": "2025-06-01T10:00:00Z",
		"extra": {"nested": [1, 2]}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "cf_1", cb.RemoteOrderID)
	assert.True(t, decimal.NewFromInt(950).Equal(cb.Amount))
	assert.Equal(t, "889911", cb.TransactionRef)
	assert.Equal(t, "SUCCESS", cb.Status)
	assert.Equal(t, "upi", cb.Method)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), cb.Timestamp)

	for _, bad := range []string{`not json`, `{"status":"SUCCESS"}`, `{"remote_order_id":"x","status":"SUCCESS","amount":"abc"}`} {
		_, err := ParseCallback([]byte(bad))
		require.ErrorIs(t, err, ErrInvalidPayload, bad)
	}
}
