package main

import (
	"bytes"
	"strings"
	"testing"

	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/shopfront/internal/domain/coupon"
)

const sampleCatalog = `{
	"products": [
		{"id": "A", "name": "Linen Shirt", "price": "500", "stock": 4},
		{"id": "B", "name": "Canvas Tote", "price": "200"}
	],
	"coupons": [
		{"code": "summer10", "discount_type": "percentage", "value": "10", "max_discount": "150", "single_use": true}
	]
}`

func TestReadCatalog(t *testing.T) {
	cat, err := readCatalog(strings.NewReader(sampleCatalog), false)
	require.NoError(t, err)

	require.Len(t, cat.Products, 2)
	require.NotNil(t, cat.Products[0].Stock)
	assert.Equal(t, 4, *cat.Products[0].Stock)
	assert.Nil(t, cat.Products[1].Stock)

	require.Len(t, cat.Coupons, 1)
	rule := cat.Coupons[0].rule()
	assert.Equal(t, coupon.DiscountPercentage, rule.DiscountType)
	assert.True(t, rule.SingleUse)
	assert.Equal(t, "150", rule.MaxDiscount.String())
}

func TestReadCatalog_Gzip(t *testing.T) {
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	_, err := gz.Write([]byte(sampleCatalog))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	cat, err := readCatalog(&buf, true)
	require.NoError(t, err)
	assert.Equal(t, "Linen Shirt", cat.Products[0].product().Name)
}

func TestReadCatalog_DefaultCoupons(t *testing.T) {
	cat, err := readCatalog(strings.NewReader(`{"products": []}`), false)
	require.NoError(t, err)

	codes := make([]string, len(cat.Coupons))
	for i, c := range cat.Coupons {
		codes[i] = c.Code
	}
	assert.Contains(t, codes, "WELCOME5")
	assert.True(t, cat.Coupons[0].SingleUse)
}

func TestReadCatalog_Rejects(t *testing.T) {
	_, err := readCatalog(strings.NewReader(`{"products": [{"id": "A", "price": "0"}]}`), false)
	assert.Error(t, err)

	_, err = readCatalog(strings.NewReader(`{"products": [`), false)
	assert.Error(t, err)

	_, err = readCatalog(strings.NewReader(sampleCatalog), true)
	assert.Error(t, err, "plain JSON is not gzip")
}
