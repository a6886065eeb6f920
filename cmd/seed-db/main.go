package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/domain/product"
	"github.com/xenking/shopfront/internal/storage/postgres"
)

type productJSON struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Category  string          `json:"category"`
	Thumbnail string          `json:"thumbnail"`
	Stock     *int            `json:"stock"`
}

type couponJSON struct {
	Code         string          `json:"code"`
	DiscountType string          `json:"discount_type"`
	Value        decimal.Decimal `json:"value"`
	MinItems     int             `json:"min_items"`
	Description  string          `json:"description"`
	SingleUse    bool            `json:"single_use"`
	MaxDiscount  decimal.Decimal `json:"max_discount"`
	ValidFrom    *time.Time      `json:"valid_from"`
	ValidUntil   *time.Time      `json:"valid_until"`
}

type catalog struct {
	Products []productJSON `json:"products"`
	Coupons  []couponJSON  `json:"coupons"`
}

// defaultCoupons are seeded when the catalog file lists none.
var defaultCoupons = []couponJSON{
	{
		Code:         "WELCOME5",
		DiscountType: string(coupon.DiscountPercentage),
		Value:        decimal.NewFromInt(5),
		Description:  "Welcome offer: 5% off your first order",
		SingleUse:    true,
	},
	{
		Code:         "HAPPYHOURS",
		DiscountType: string(coupon.DiscountPercentage),
		Value:        decimal.NewFromInt(18),
		Description:  "Happy Hours: 18% off entire order",
	},
	{
		Code:         "BUYGETONE",
		DiscountType: string(coupon.DiscountFreeLowest),
		MinItems:     2,
		Description:  "Buy one get one: lowest priced item free",
	},
}

func main() {
	var (
		databaseURL  string
		catalogFile  string
		defaultStock int
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog", "db/seed/catalog.json", "path to catalog JSON file, optionally gzip-compressed (.gz)")
	flag.IntVar(&defaultStock, "stock", 25, "stock for products without an explicit quantity")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile, defaultStock); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile string, defaultStock int) error {
	cat, err := loadCatalog(catalogFile)
	if err != nil {
		return err
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	products := postgres.NewProductRepository(pool)
	ledger := postgres.NewStockLedger(pool)
	for _, p := range cat.Products {
		if err := products.Upsert(ctx, p.product()); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}
		qty := defaultStock
		if p.Stock != nil {
			qty = *p.Stock
		}
		if err := ledger.Restock(ctx, p.ID, qty); err != nil {
			return errors.Wrapf(err, "restock product %s", p.ID)
		}
		slog.Info("upserted product", slog.String("id", p.ID), slog.String("name", p.Name), slog.Int("stock", qty))
	}

	coupons := postgres.NewCouponRepository(pool)
	for _, c := range cat.Coupons {
		if err := coupons.Upsert(ctx, c.rule()); err != nil {
			return errors.Wrapf(err, "upsert coupon %s", c.Code)
		}
		slog.Info("upserted coupon", slog.String("code", c.Code), slog.String("description", c.Description))
	}

	return nil
}

func loadCatalog(path string) (*catalog, error) {
	slog.Info("reading catalog file", slog.String("path", path))

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open catalog file")
	}
	defer func() { _ = f.Close() }()

	return readCatalog(f, strings.HasSuffix(path, ".gz"))
}

// readCatalog decodes a catalog, decompressing it first when gzipped.
func readCatalog(r io.Reader, gzipped bool) (*catalog, error) {
	if gzipped {
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip reader")
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	var cat catalog
	if err := json.NewDecoder(r).Decode(&cat); err != nil {
		return nil, errors.Wrap(err, "parse catalog JSON")
	}
	if len(cat.Coupons) == 0 {
		cat.Coupons = defaultCoupons
	}
	for _, p := range cat.Products {
		if p.ID == "" || !p.Price.IsPositive() {
			return nil, errors.Errorf("product %q needs an id and a positive price", p.ID)
		}
	}
	return &cat, nil
}

func (p productJSON) product() product.Product {
	return product.Product{
		ID:        p.ID,
		Name:      p.Name,
		Price:     p.Price,
		Category:  p.Category,
		Thumbnail: p.Thumbnail,
	}
}

func (c couponJSON) rule() coupon.Rule {
	return coupon.Rule{
		Code:         c.Code,
		DiscountType: coupon.DiscountType(c.DiscountType),
		Value:        c.Value,
		MinItems:     c.MinItems,
		Description:  c.Description,
		ValidFrom:    c.ValidFrom,
		ValidUntil:   c.ValidUntil,
		SingleUse:    c.SingleUse,
		MaxDiscount:  c.MaxDiscount,
	}
}
