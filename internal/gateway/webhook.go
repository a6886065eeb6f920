package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopfront/internal/domain/payment"
)

// Webhook headers set by the gateway.
const (
	SignatureHeader = "X-Webhook-Signature"
	TimestampHeader = "X-Webhook-Timestamp"
)

var (
	// ErrInvalidSignature means the notification was not signed with our
	// secret or is outside the accepted time window.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrInvalidPayload means the notification body could not be decoded.
	ErrInvalidPayload = errors.New("invalid webhook payload")
)

// Verifier authenticates gateway notifications.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier returns a Verifier. A zero tolerance disables the timestamp
// window check.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

// Sign computes the signature for timestamp and body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against timestamp (unix seconds) and body.
func (v *Verifier) Verify(signature, timestamp string, body []byte) error {
	if signature == "" || timestamp == "" {
		return errors.Wrap(ErrInvalidSignature, "missing headers")
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return errors.Wrap(ErrInvalidSignature, "malformed signature")
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}

	if v.tolerance > 0 {
		sec, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return errors.Wrap(ErrInvalidSignature, "malformed timestamp")
		}
		if skew := v.now().Sub(time.Unix(sec, 0)); skew > v.tolerance || skew < -v.tolerance {
			return errors.Wrapf(ErrInvalidSignature, "timestamp skew %s", skew)
		}
	}
	return nil
}

// ParseCallback decodes a verified notification body.
func ParseCallback(body []byte) (payment.Callback, error) {
	var cb payment.Callback
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "remote_order_id":
			cb.RemoteOrderID, err = d.Str()
		case "amount":
			cb.Amount, err = decodeAmount(d)
		case "transaction_ref":
			cb.TransactionRef, err = decodeID(d)
		case "status":
			cb.Status, err = d.Str()
		case "method":
			cb.Method, err = d.Str()
		case "timestamp":
			var raw string
			if raw, err = d.Str(); err == nil {
				cb.Timestamp, err = time.Parse(time.RFC3339, raw)
			}
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return payment.Callback{}, errors.Wrap(ErrInvalidPayload, err.Error())
	}
	if cb.RemoteOrderID == "" || cb.Status == "" {
		return payment.Callback{}, errors.Wrap(ErrInvalidPayload, "missing remote_order_id or status")
	}
	return cb, nil
}

// decodeID reads an identifier the gateway may send as a string or number.
func decodeID(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		return string(n), err
	case jx.Null:
		return "", d.Null()
	default:
		return "", errors.New("expected string or number")
	}
}

func decodeAmount(d *jx.Decoder) (decimal.Decimal, error) {
	raw, err := decodeID(d)
	if err != nil || raw == "" {
		return decimal.Zero, err
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "parse amount")
	}
	return amount, nil
}
