package store

import (
	"fmt"
	"time"

	"batchingest/internal/schema"
)

// Customer is a row of the customers table.
type Customer struct {
	ID          int64
	CustomerID  string
	FirstName   string
	LastName    string
	Email       string
	PhoneNumber *string
	Address     *string
	City        *string
	IsActive    bool
	CreatedAt   time.Time
}

// Product is a row of the products table.
type Product struct {
	ID            int64
	ProductID     string
	ProductName   string
	Description   *string
	Category      *string
	SKUNumber     *string
	Price         float64
	StockQuantity int64
	CreatedAt     time.Time
}

// Sale is a row of the sales table. CustomerID and ProductID are business
// keys of the referenced rows.
type Sale struct {
	ID          int64
	SaleID      string
	CustomerID  string
	ProductID   string
	Quantity    int64
	SaleDate    time.Time
	TotalAmount float64
	CreatedAt   time.Time
}

// values follow TableSpec.InsertColumns order.

func (c Customer) values() []any {
	return []any{c.CustomerID, c.FirstName, c.LastName, c.Email,
		nullable(c.PhoneNumber), nullable(c.Address), nullable(c.City), c.IsActive, c.CreatedAt}
}

func (p Product) values() []any {
	return []any{p.ProductID, p.ProductName, nullable(p.Description), nullable(p.Category),
		nullable(p.SKUNumber), p.Price, p.StockQuantity, p.CreatedAt}
}

func (s Sale) values() []any {
	return []any{s.SaleID, s.CustomerID, s.ProductID, s.Quantity, s.SaleDate, s.TotalAmount, s.CreatedAt}
}

func nullable(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

// fieldReader pulls typed values out of a row and remembers the first
// failure, so mappers read straight through and check once.
type fieldReader struct {
	vals   map[string]any
	column string
	err    error
}

func (r *fieldReader) fail(col string, err error) {
	if r.err == nil {
		r.column, r.err = col, err
	}
}

func (r *fieldReader) str(col string) string {
	v := r.vals[col]
	if schema.IsBlank(v) {
		r.fail(col, fmt.Errorf("value is required"))
		return ""
	}
	s, err := schema.AsString(v)
	if err != nil {
		r.fail(col, err)
	}
	return s
}

func (r *fieldReader) optStr(col string) *string {
	v := r.vals[col]
	if schema.IsBlank(v) {
		return nil
	}
	s, err := schema.AsString(v)
	if err != nil {
		r.fail(col, err)
		return nil
	}
	return &s
}

func (r *fieldReader) integer(col string, def int64, required bool) int64 {
	v := r.vals[col]
	if schema.IsBlank(v) {
		if required {
			r.fail(col, fmt.Errorf("value is required"))
		}
		return def
	}
	n, err := schema.AsInt64(v)
	if err != nil {
		r.fail(col, err)
	}
	return n
}

func (r *fieldReader) number(col string) float64 {
	v := r.vals[col]
	if schema.IsBlank(v) {
		r.fail(col, fmt.Errorf("value is required"))
		return 0
	}
	x, err := schema.AsFloat64(v)
	if err != nil {
		r.fail(col, err)
	}
	return x
}

func (r *fieldReader) boolean(col string, def bool) bool {
	v := r.vals[col]
	if schema.IsBlank(v) {
		return def
	}
	b, err := schema.AsBool(v)
	if err != nil {
		r.fail(col, err)
	}
	return b
}

func (r *fieldReader) timestamp(col string) time.Time {
	v := r.vals[col]
	if schema.IsBlank(v) {
		r.fail(col, fmt.Errorf("value is required"))
		return time.Time{}
	}
	t, err := schema.AsTime(v)
	if err != nil {
		r.fail(col, err)
	}
	return t
}

// mapRow converts one validated row into the insert values of kind.
// On failure it returns the offending column.
func mapRow(kind EntityKind, vals map[string]any, now time.Time) ([]any, string, error) {
	r := &fieldReader{vals: vals}
	var out []any
	switch kind {
	case KindCustomer:
		c := Customer{
			CustomerID:  r.str("customer_id"),
			FirstName:   r.str("first_name"),
			LastName:    r.str("last_name"),
			Email:       r.str("email"),
			PhoneNumber: r.optStr("phone_number"),
			Address:     r.optStr("address"),
			City:        r.optStr("city"),
			IsActive:    r.boolean("is_active", true),
			CreatedAt:   now,
		}
		out = c.values()
	case KindProduct:
		p := Product{
			ProductID:     r.str("product_id"),
			ProductName:   r.str("product_name"),
			Description:   r.optStr("description"),
			Category:      r.optStr("category"),
			SKUNumber:     r.optStr("sku_number"),
			Price:         r.number("price"),
			StockQuantity: r.integer("stock_quantity", 0, false),
			CreatedAt:     now,
		}
		out = p.values()
	case KindSale:
		s := Sale{
			SaleID:      r.str("sale_id"),
			CustomerID:  r.str("customer_id"),
			ProductID:   r.str("product_id"),
			Quantity:    r.integer("quantity", 0, true),
			SaleDate:    r.timestamp("sale_date"),
			TotalAmount: r.number("total_amount"),
			CreatedAt:   now,
		}
		out = s.values()
	default:
		return nil, "", fmt.Errorf("unknown entity kind %q", kind)
	}
	if r.err != nil {
		return nil, r.column, r.err
	}
	return out, "", nil
}
