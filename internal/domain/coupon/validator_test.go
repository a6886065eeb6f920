package coupon

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCouponRepo struct {
	rule       *Rule
	err        error
	lookupCode string
}

func (m *mockCouponRepo) FindByCode(_ context.Context, code string) (*Rule, error) {
	m.lookupCode = code
	return m.rule, m.err
}

type mockTracker struct {
	redeemed map[string]bool
	err      error
}

func (m *mockTracker) TryRedeem(_ context.Context, userID, code, _ string) (bool, error) {
	if m.redeemed[userID+"/"+code] {
		return false, nil
	}
	m.redeemed[userID+"/"+code] = true
	return true, nil
}

func (m *mockTracker) IsRedeemed(_ context.Context, userID, code string) (bool, error) {
	return m.redeemed[userID+"/"+code], m.err
}

func TestRepoValidator_Validate(t *testing.T) {
	fixedNow := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	pastTime := fixedNow.Add(-24 * time.Hour)
	futureTime := fixedNow.Add(24 * time.Hour)
	items := []Item{{ProductID: "p1", Price: decimal.NewFromInt(100), Quantity: 1}}

	tests := []struct {
		name       string
		repo       *mockCouponRepo
		tracker    *mockTracker
		wantAmount decimal.Decimal
		wantErr    error
	}{
		{
			name: "valid code returns discount",
			repo: &mockCouponRepo{rule: &Rule{
				Code: "SAVE10", DiscountType: DiscountPercentage, Value: decimal.NewFromInt(10),
			}},
			wantAmount: decimal.NewFromInt(10),
		},
		{
			name:    "unknown code",
			repo:    &mockCouponRepo{err: ErrInvalidCoupon},
			wantErr: ErrInvalidCoupon,
		},
		{
			name: "valid_until in past",
			repo: &mockCouponRepo{rule: &Rule{
				Code: "OLD", DiscountType: DiscountPercentage, Value: decimal.NewFromInt(10), ValidUntil: &pastTime,
			}},
			wantErr: ErrCouponExpired,
		},
		{
			name: "valid_from in future",
			repo: &mockCouponRepo{rule: &Rule{
				Code: "SOON", DiscountType: DiscountPercentage, Value: decimal.NewFromInt(10), ValidFrom: &futureTime,
			}},
			wantErr: ErrCouponExpired,
		},
		{
			name: "single use not yet redeemed",
			repo: &mockCouponRepo{rule: &Rule{
				Code: "WELCOME5", DiscountType: DiscountPercentage, Value: decimal.NewFromInt(5), SingleUse: true,
			}},
			wantAmount: decimal.NewFromInt(5),
		},
		{
			name: "single use already redeemed by user",
			repo: &mockCouponRepo{rule: &Rule{
				Code: "WELCOME5", DiscountType: DiscountPercentage, Value: decimal.NewFromInt(5), SingleUse: true,
			}},
			tracker: &mockTracker{redeemed: map[string]bool{"u1/WELCOME5": true}},
			wantErr: ErrCouponAlreadyUsed,
		},
		{
			name: "redemption of another user does not matter",
			repo: &mockCouponRepo{rule: &Rule{
				Code: "WELCOME5", DiscountType: DiscountPercentage, Value: decimal.NewFromInt(5), SingleUse: true,
			}},
			tracker:    &mockTracker{redeemed: map[string]bool{"u2/WELCOME5": true}},
			wantAmount: decimal.NewFromInt(5),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := tt.tracker
			if tracker == nil {
				tracker = &mockTracker{redeemed: map[string]bool{}}
			}
			v := NewRepoValidator(tt.repo, tracker)
			v.now = func() time.Time { return fixedNow }

			got, err := v.Validate(context.Background(), "code", "u1", items)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, tt.wantAmount.Equal(got.Amount),
				"expected amount %s, got %s", tt.wantAmount, got.Amount)
		})
	}
}

func TestRepoValidator_NormalizesCode(t *testing.T) {
	repo := &mockCouponRepo{rule: &Rule{Code: "SAVE10", DiscountType: DiscountFixed, Value: decimal.NewFromInt(5)}}
	v := NewRepoValidator(repo, &mockTracker{redeemed: map[string]bool{}})

	_, err := v.Validate(context.Background(), " save10", "u1", []Item{
		{ProductID: "p1", Price: decimal.NewFromInt(100), Quantity: 1},
	})

	require.NoError(t, err)
	assert.Equal(t, "SAVE10", repo.lookupCode)
}

func TestRepoValidator_TrackerError(t *testing.T) {
	repo := &mockCouponRepo{rule: &Rule{
		Code: "ONCE", DiscountType: DiscountFixed, Value: decimal.NewFromInt(5), SingleUse: true,
	}}
	tracker := &mockTracker{redeemed: map[string]bool{}, err: errors.New("db down")}
	v := NewRepoValidator(repo, tracker)

	_, err := v.Validate(context.Background(), "ONCE", "u1", []Item{
		{ProductID: "p1", Price: decimal.NewFromInt(100), Quantity: 1},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "check redemption")
}
