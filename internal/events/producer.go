// Package events publishes order lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/domain/settlement"
)

// TypeOrderSettled is the event type of OrderSettled.
const TypeOrderSettled = "order.settled"

// OrderSettled is published once per paid order, keyed by order id.
type OrderSettled struct {
	Type          string      `json:"type"`
	OrderID       string      `json:"order_id"`
	RemoteOrderID string      `json:"remote_order_id"`
	PaymentID     string      `json:"payment_id"`
	CustomerID    string      `json:"customer_id"`
	Total         string      `json:"total"`
	Currency      string      `json:"currency"`
	CouponCode    string      `json:"coupon_code,omitempty"`
	Items         []EventItem `json:"items"`
	SettledAt     time.Time   `json:"settled_at"`
}

// EventItem is one order line in an event.
type EventItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ settlement.Publisher = (*Producer)(nil)

// Producer writes events to a single topic.
type Producer struct {
	writer  messageWriter
	brokers []string
	topic   string
	tracer  trace.Tracer
}

// NewProducer creates a Producer for topic. A nil tracer provider uses the
// global one.
func NewProducer(brokers []string, topic string, tp trace.TracerProvider) *Producer {
	p := newProducer(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}, topic, tp)
	p.brokers = brokers
	return p
}

func newProducer(w messageWriter, topic string, tp trace.TracerProvider) *Producer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Producer{writer: w, topic: topic, tracer: tp.Tracer("shopfront/events")}
}

// PublishOrderSettled implements settlement.Publisher.
func (p *Producer) PublishOrderSettled(ctx context.Context, o *order.Order) error {
	ev := OrderSettled{
		Type:          TypeOrderSettled,
		OrderID:       o.ID,
		RemoteOrderID: o.RemoteOrderID,
		PaymentID:     o.PaymentID,
		CustomerID:    o.Customer.ID,
		Total:         o.Total.StringFixed(2),
		Currency:      o.Currency,
		CouponCode:    o.CouponCode,
		Items:         make([]EventItem, len(o.Items)),
	}
	for i, item := range o.Items {
		ev.Items[i] = EventItem{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	if o.SettledAt != nil {
		ev.SettledAt = o.SettledAt.UTC()
	}
	return p.publish(ctx, o.ID, ev)
}

func (p *Producer) publish(ctx context.Context, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	msg := kafka.Message{Key: []byte(key), Value: data}

	ctx, span := p.tracer.Start(ctx, "send "+p.topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("send"),
			semconv.MessagingOperationTypePublish,
			semconv.MessagingDestinationName(p.topic),
			semconv.MessagingKafkaMessageKey(key),
		),
	)
	defer span.End()

	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{msg: &msg})

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errors.Wrap(err, "write message")
	}
	return nil
}

// Ping succeeds when any configured broker accepts a connection.
func (p *Producer) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		return errors.New("no brokers configured")
	}
	return errors.Wrap(lastErr, "dial broker")
}

// Close flushes pending messages.
func (p *Producer) Close() error {
	return p.writer.Close()
}
