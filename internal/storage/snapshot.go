package storage

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Snapshot is the business content of the target relations, ordered by id.
// Timestamps are left out so two snapshots of equivalent runs compare equal.
type Snapshot struct {
	Categories []CategoryRow
	Stores     []StoreRow
	Products   []ProductRow
	Prices     []PriceRow
}

type CategoryRow struct {
	ID   string
	Name string
}

type StoreRow struct {
	ID         string
	Name       string
	Chain      string
	PLID       string
	PRID       string
	City       string
	PostalCode string
	Lat        *float64
	Lng        *float64
}

type ProductRow struct {
	ID         string
	Name       string
	Image      string
	CategoryID string
}

type PriceRow struct {
	ID         string
	ProductID  string
	StoreID    string
	Value      decimal.NullDecimal
	PromoValue decimal.NullDecimal
	UnitPrice  string
}

// Rows is the subset of pgx.Rows and *sql.Rows that ReadSnapshot needs.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// QueryFunc runs query and calls each with the open result set. The
// implementation closes the rows and reports their Err.
type QueryFunc func(ctx context.Context, query string, each func(Rows) error) error

// Portable snapshot queries. NULL text columns read as "".
const (
	snapCategories = `SELECT id, COALESCE(name, '') FROM category ORDER BY id`
	snapStores     = `SELECT id, COALESCE(name, ''), COALESCE(chain, ''), COALESCE(pl_id, ''), COALESCE(pr_id, ''),
COALESCE(city, ''), COALESCE(postal_code, ''), lat, lng FROM store ORDER BY id`
	snapProducts = `SELECT id, COALESCE(name, ''), COALESCE(image, ''), COALESCE(category_id, '') FROM product ORDER BY id`
	snapPrices   = `SELECT id, product_id, store_id, value, promo_value, COALESCE(unit_price, '')
FROM price ORDER BY product_id, store_id`
)

// ReadSnapshot reads all target relations through query.
func ReadSnapshot(ctx context.Context, query QueryFunc) (Snapshot, error) {
	var s Snapshot

	err := query(ctx, snapCategories, func(rows Rows) error {
		for rows.Next() {
			var r CategoryRow
			if err := rows.Scan(&r.ID, &r.Name); err != nil {
				return err
			}
			s.Categories = append(s.Categories, r)
		}
		return nil
	})
	if err != nil {
		return s, fmt.Errorf("snapshot category: %w", err)
	}

	err = query(ctx, snapStores, func(rows Rows) error {
		for rows.Next() {
			var r StoreRow
			if err := rows.Scan(&r.ID, &r.Name, &r.Chain, &r.PLID, &r.PRID, &r.City, &r.PostalCode, &r.Lat, &r.Lng); err != nil {
				return err
			}
			s.Stores = append(s.Stores, r)
		}
		return nil
	})
	if err != nil {
		return s, fmt.Errorf("snapshot store: %w", err)
	}

	err = query(ctx, snapProducts, func(rows Rows) error {
		for rows.Next() {
			var r ProductRow
			if err := rows.Scan(&r.ID, &r.Name, &r.Image, &r.CategoryID); err != nil {
				return err
			}
			s.Products = append(s.Products, r)
		}
		return nil
	})
	if err != nil {
		return s, fmt.Errorf("snapshot product: %w", err)
	}

	err = query(ctx, snapPrices, func(rows Rows) error {
		for rows.Next() {
			var (
				r            PriceRow
				value, promo *float64
			)
			if err := rows.Scan(&r.ID, &r.ProductID, &r.StoreID, &value, &promo, &r.UnitPrice); err != nil {
				return err
			}
			r.Value = toNullDecimal(value)
			r.PromoValue = toNullDecimal(promo)
			s.Prices = append(s.Prices, r)
		}
		return nil
	})
	if err != nil {
		return s, fmt.Errorf("snapshot price: %w", err)
	}
	return s, nil
}

func toNullDecimal(f *float64) decimal.NullDecimal {
	if f == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: decimal.NewFromFloat(*f), Valid: true}
}

// Price returns the price row of (productID, storeID).
func (s Snapshot) Price(productID, storeID string) (PriceRow, bool) {
	for _, p := range s.Prices {
		if p.ProductID == productID && p.StoreID == storeID {
			return p, true
		}
	}
	return PriceRow{}, false
}

// Category returns the category with id.
func (s Snapshot) Category(id string) (CategoryRow, bool) {
	for _, c := range s.Categories {
		if c.ID == id {
			return c, true
		}
	}
	return CategoryRow{}, false
}

// Store returns the store with id.
func (s Snapshot) Store(id string) (StoreRow, bool) {
	for _, st := range s.Stores {
		if st.ID == id {
			return st, true
		}
	}
	return StoreRow{}, false
}
