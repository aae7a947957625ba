package schema

// Customers is the contract for customer files.
var Customers = Schema{
	Name: "customers",
	Fields: []Field{
		{Name: "customer_id", Type: TypeString, Required: true, MaxLen: 64},
		{Name: "first_name", Type: TypeString, Required: true, MaxLen: 255},
		{Name: "last_name", Type: TypeString, Required: true, MaxLen: 255},
		{Name: "email", Type: TypeEmail, Required: true, MaxLen: 255},
		{Name: "phone_number", Type: TypeString, Nullable: true, MaxLen: 20},
		{Name: "address", Type: TypeString, Nullable: true, MaxLen: 255},
		{Name: "city", Type: TypeString, Nullable: true, MaxLen: 100},
		{Name: "is_active", Type: TypeBool, Nullable: true},
	},
}

// Products is the contract for product files.
var Products = Schema{
	Name: "products",
	Fields: []Field{
		{Name: "product_id", Type: TypeString, Required: true, MaxLen: 64},
		{Name: "product_name", Type: TypeString, Required: true, MaxLen: 255},
		{Name: "description", Type: TypeString, Nullable: true, MaxLen: 500},
		{Name: "category", Type: TypeString, Nullable: true, MaxLen: 100},
		{Name: "sku_number", Type: TypeString, Nullable: true, MaxLen: 100},
		{Name: "price", Type: TypeFloat, Required: true, Min: Bound(0), ExclusiveMin: true},
		{Name: "stock_quantity", Type: TypeInt, Nullable: true, Min: Bound(0)},
	},
}

// Sales is the contract for sales files.
var Sales = Schema{
	Name: "sales",
	Fields: []Field{
		{Name: "sale_id", Type: TypeString, Required: true, MaxLen: 64},
		{Name: "customer_id", Type: TypeString, Required: true, MaxLen: 64},
		{Name: "product_id", Type: TypeString, Required: true, MaxLen: 64},
		{Name: "quantity", Type: TypeInt, Required: true, Min: Bound(0), ExclusiveMin: true},
		{Name: "sale_date", Type: TypeTimestamp, Required: true},
		{Name: "total_amount", Type: TypeFloat, Required: true, Min: Bound(0)},
	},
}

// ByName returns a built-in schema by its table name.
func ByName(name string) (Schema, bool) {
	switch name {
	case Customers.Name:
		return Customers, true
	case Products.Name:
		return Products, true
	case Sales.Name:
		return Sales, true
	}
	return Schema{}, false
}
