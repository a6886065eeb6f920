package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/shopfront/internal/domain/customer"
)

const (
	// xmax is zero only for rows inserted by the current statement.
	upsertCustomerSQL = `INSERT INTO customers (external_id, email, name, phone, order_ids)
		VALUES ($1, $2, $3, $4, CASE WHEN $5::text = '' THEN '{}'::text[] ELSE ARRAY[$5::text] END)
		ON CONFLICT (external_id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			order_ids = CASE
				WHEN $5::text = '' OR $5::text = ANY (customers.order_ids) THEN customers.order_ids
				ELSE array_append(customers.order_ids, $5::text)
			END,
			updated_at = now()
		RETURNING (xmax = 0)`

	getCustomerSQL = `SELECT external_id, email, name, phone, order_ids, created_at, updated_at
		FROM customers WHERE external_id = $1`
)

var _ customer.Directory = (*CustomerDirectory)(nil)

// CustomerDirectory implements customer.Directory backed by PostgreSQL.
type CustomerDirectory struct {
	pool *pgxpool.Pool
}

// NewCustomerDirectory returns a CustomerDirectory that uses the given pool.
func NewCustomerDirectory(pool *pgxpool.Pool) *CustomerDirectory {
	return &CustomerDirectory{pool: pool}
}

// Upsert implements customer.Directory in a single statement.
func (d *CustomerDirectory) Upsert(ctx context.Context, ref customer.Ref, orderID string) (bool, error) {
	var created bool
	err := d.pool.QueryRow(ctx, upsertCustomerSQL,
		ref.ID, ref.Email, ref.Name, ref.Phone, orderID,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upserting customer %q: %w", ref.ID, err)
	}
	return created, nil
}

// Get returns the directory record for externalID.
func (d *CustomerDirectory) Get(ctx context.Context, externalID string) (*customer.Customer, error) {
	rows, err := d.pool.Query(ctx, getCustomerSQL, externalID)
	if err != nil {
		return nil, fmt.Errorf("getting customer %q: %w", externalID, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (customer.Customer, error) {
		var c customer.Customer
		err := row.Scan(&c.ExternalID, &c.Email, &c.Name, &c.Phone, &c.OrderIDs, &c.CreatedAt, &c.UpdatedAt)
		return c, err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, customer.ErrNotFound
		}
		return nil, fmt.Errorf("getting customer %q: %w", externalID, err)
	}
	return &c, nil
}
