package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Validator validates a coupon code for a customer's cart and returns the
// computed discount.
type Validator interface {
	Validate(ctx context.Context, code, userID string, items []Item) (*Discount, error)
}

// RepoValidator implements Validator on top of a rule Repository and a
// redemption Tracker.
type RepoValidator struct {
	repo    Repository
	tracker Tracker
	now     func() time.Time
}

// NewRepoValidator creates a RepoValidator.
func NewRepoValidator(repo Repository, tracker Tracker) *RepoValidator {
	return &RepoValidator{repo: repo, tracker: tracker, now: time.Now}
}

// Validate looks up the rule, checks its time window, rejects single-use
// coupons the customer already redeemed and applies it to the items.
//
// The redemption lookup is only an early check; the authoritative one happens
// when the order settles. Nothing is recorded here.
func (v *RepoValidator) Validate(ctx context.Context, code, userID string, items []Item) (*Discount, error) {
	rule, err := v.repo.FindByCode(ctx, Normalize(code))
	if err != nil {
		if errors.Is(err, ErrInvalidCoupon) {
			return nil, ErrInvalidCoupon
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	now := v.now()
	if rule.ValidFrom != nil && now.Before(*rule.ValidFrom) {
		return nil, ErrCouponExpired
	}
	if rule.ValidUntil != nil && now.After(*rule.ValidUntil) {
		return nil, ErrCouponExpired
	}

	if rule.SingleUse {
		used, err := v.tracker.IsRedeemed(ctx, userID, rule.Code)
		if err != nil {
			return nil, errors.Wrap(err, "check redemption")
		}
		if used {
			return nil, ErrCouponAlreadyUsed
		}
	}

	d, err := Apply(rule, items)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
