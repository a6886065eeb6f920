// Package engagement sends cart reminder emails to inactive shoppers.
package engagement

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/shopfront/internal/domain/cart"
	"github.com/xenking/shopfront/internal/domain/notify"
)

// Milestone is an inactivity threshold with its reminder template.
type Milestone struct {
	Tag      string
	After    time.Duration
	Template notify.Template
}

// DefaultMilestones are the reminders in ascending order.
var DefaultMilestones = []Milestone{
	{Tag: "1h", After: time.Hour, Template: notify.TemplateCart1h},
	{Tag: "24h", After: 24 * time.Hour, Template: notify.TemplateCart24h},
	{Tag: "72h", After: 72 * time.Hour, Template: notify.TemplateCart72h},
}

// Renderer renders a transactional email.
type Renderer interface {
	Render(t notify.Template, to string, data any) (notify.Message, error)
}

// Config tunes a Scheduler.
type Config struct {
	// Concurrency bounds parallel dispatches within a page.
	Concurrency int
	PageSize    int
	Milestones  []Milestone
}

// Report summarizes one sweep.
type Report struct {
	Scanned     int            `json:"scanned"`
	Sent        int            `json:"sent"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	ByMilestone map[string]int `json:"by_milestone"`
}

// Scheduler runs reminder sweeps. It keeps no state between sweeps; the
// email log on each session is the only record of what was sent.
type Scheduler struct {
	carts    cart.Store
	mailer   notify.Dispatcher
	renderer Renderer
	cfg      Config

	emails metric.Int64Counter
	now    func() time.Time
}

// NewScheduler creates a Scheduler. A nil meter provider disables metrics.
func NewScheduler(carts cart.Store, mailer notify.Dispatcher, renderer Renderer, cfg Config, mp metric.MeterProvider) (*Scheduler, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if len(cfg.Milestones) == 0 {
		cfg.Milestones = DefaultMilestones
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	emails, err := mp.Meter("shopfront/engagement").Int64Counter("shop.engagement.emails",
		metric.WithDescription("Cart reminder emails by milestone and result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create emails counter")
	}
	return &Scheduler{
		carts:    carts,
		mailer:   mailer,
		renderer: renderer,
		cfg:      cfg,
		emails:   emails,
		now:      time.Now,
	}, nil
}

type outcome int

const (
	skipped outcome = iota
	sent
	failed
)

// Sweep walks every milestone in ascending order and emails each eligible
// session at most once per milestone. Dispatch failures are logged and
// counted; the session is retried on the next sweep.
func (s *Scheduler) Sweep(ctx context.Context) (*Report, error) {
	now := s.now()
	report := &Report{ByMilestone: make(map[string]int, len(s.cfg.Milestones))}

	for _, m := range s.cfg.Milestones {
		cutoff := now.Add(-m.After)
		for offset := 0; offset >= 0; {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			page, next, err := s.carts.ListInactive(ctx, cutoff, offset, s.cfg.PageSize)
			if err != nil {
				return report, errors.Wrapf(err, "list sessions for %s", m.Tag)
			}

			var nSent, nFailed, nSkipped atomic.Int64
			var g errgroup.Group
			g.SetLimit(s.cfg.Concurrency)
			for _, sess := range page {
				g.Go(func() error {
					switch s.engage(ctx, m, sess, now) {
					case sent:
						nSent.Add(1)
					case failed:
						nFailed.Add(1)
					default:
						nSkipped.Add(1)
					}
					return nil
				})
			}
			_ = g.Wait()

			report.Scanned += len(page)
			report.Sent += int(nSent.Load())
			report.Failed += int(nFailed.Load())
			report.Skipped += int(nSkipped.Load())
			report.ByMilestone[m.Tag] += int(nSent.Load())
			offset = next
		}
	}

	zctx.From(ctx).Info("Engagement sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (s *Scheduler) engage(ctx context.Context, m Milestone, sess cart.Session, now time.Time) outcome {
	if !sess.Status.Engageable() || sess.Sent(m.Tag) || len(sess.Items) == 0 || sess.Email == "" {
		return skipped
	}
	lg := zctx.From(ctx).With(zap.String("user_id", sess.UserID), zap.String("milestone", m.Tag))

	msg, err := s.renderer.Render(m.Template, sess.Email, reminder(sess))
	if err != nil {
		lg.Error("Render cart reminder", zap.Error(err))
		s.record(ctx, m, "error")
		return failed
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		lg.Warn("Send cart reminder", zap.Error(err))
		s.record(ctx, m, "error")
		return failed
	}

	// Recorded only after a successful send. A crash in between means the
	// reminder goes out again on the next sweep.
	if _, err := s.carts.RecordMilestone(ctx, sess.UserID, m.Tag, now); err != nil {
		lg.Error("Record milestone after send", zap.Error(err))
		s.record(ctx, m, "unrecorded")
		return failed
	}
	s.record(ctx, m, "sent")
	return sent
}

func (s *Scheduler) record(ctx context.Context, m Milestone, result string) {
	s.emails.Add(ctx, 1, metric.WithAttributes(
		attribute.String("milestone", m.Tag),
		attribute.String("result", result),
	))
}

func reminder(sess cart.Session) notify.CartReminder {
	lines := make([]notify.Line, len(sess.Items))
	for i, item := range sess.Items {
		v := item.Color
		if item.Size != "" {
			if v != "" {
				v += " / "
			}
			v += item.Size
		}
		lines[i] = notify.Line{
			Name:     item.Title,
			Variant:  v,
			Quantity: item.Quantity,
			Amount:   item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))).StringFixed(2),
		}
	}
	return notify.CartReminder{
		Name:  sess.Name,
		Lines: lines,
		Total: sess.Total.StringFixed(2),
	}
}
