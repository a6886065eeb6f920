package cart

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSnapshotTotal(t *testing.T) {
	snap := Snapshot{Items: []Item{
		{ProductID: "a", Quantity: 2, Price: decimal.RequireFromString("499.50")},
		{ProductID: "b", Quantity: 1, Price: decimal.RequireFromString("10.25")},
	}}
	assert.True(t, decimal.RequireFromString("1009.25").Equal(snap.Total()))
}

func TestStatusEngageable(t *testing.T) {
	assert.True(t, StatusActive.Engageable())
	assert.True(t, StatusAbandoned.Engageable())
	assert.False(t, StatusRecovered.Engageable())
	assert.False(t, StatusPurchased.Engageable())
}
