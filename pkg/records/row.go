// Package records defines the flattened price-observation row that flows
// from the CSV reader through the batcher into the staging relation.
//
// A Row is transport format only: every field is kept as text exactly as it
// appeared in the input. Numeric coercion happens later, inside the merge
// statements, so that a bad value fails the whole batch in the destination
// rather than being silently rewritten here.
package records

// Column names of the flattened row, in canonical order. The staging relation
// and the CSV writer in internal/flatten use this order.
const (
	ProductID       = "product_id"
	Name            = "name"
	Price           = "price"
	PromoPrice      = "promo_price"
	UnitPrice       = "unit_price"
	Image           = "image"
	CategoryID      = "category_id"
	CategoryName    = "category_name"
	StorePLID       = "store_pl_id"
	StorePRID       = "store_pr_id"
	StoreName       = "store_name"
	StoreCity       = "store_city"
	StorePostalCode = "store_postal_code"
	StoreLat        = "store_lat"
	StoreLng        = "store_lng"
)

// Columns lists the 15 row columns in canonical order.
var Columns = []string{
	ProductID, Name, Price, PromoPrice, UnitPrice, Image,
	CategoryID, CategoryName,
	StorePLID, StorePRID, StoreName, StoreCity, StorePostalCode, StoreLat, StoreLng,
}

// NumColumns is len(Columns).
const NumColumns = 15

// Row is one product-at-store observation. Empty strings mean "unknown".
type Row struct {
	ProductID       string
	Name            string
	Price           string
	PromoPrice      string
	UnitPrice       string
	Image           string
	CategoryID      string
	CategoryName    string
	StorePLID       string
	StorePRID       string
	StoreName       string
	StoreCity       string
	StorePostalCode string
	StoreLat        string
	StoreLng        string
}

// FromFields builds a Row from values aligned to Columns. It panics if
// len(f) != NumColumns; callers validate the field count first.
func FromFields(f []string) Row {
	_ = f[NumColumns-1]
	return Row{
		ProductID:       f[0],
		Name:            f[1],
		Price:           f[2],
		PromoPrice:      f[3],
		UnitPrice:       f[4],
		Image:           f[5],
		CategoryID:      f[6],
		CategoryName:    f[7],
		StorePLID:       f[8],
		StorePRID:       f[9],
		StoreName:       f[10],
		StoreCity:       f[11],
		StorePostalCode: f[12],
		StoreLat:        f[13],
		StoreLng:        f[14],
	}
}

// Fields returns the row's values aligned to Columns.
func (r Row) Fields() []string {
	return []string{
		r.ProductID, r.Name, r.Price, r.PromoPrice, r.UnitPrice, r.Image,
		r.CategoryID, r.CategoryName,
		r.StorePLID, r.StorePRID, r.StoreName, r.StoreCity, r.StorePostalCode, r.StoreLat, r.StoreLng,
	}
}
