package orders

import "github.com/shopspring/decimal"

// ComputeTotal returns sum(unitPrice*quantity) + fee rounded to cents.
// Only the raw cart rows are used; a client-supplied total is never consulted.
func ComputeTotal(items []LineItem, fee decimal.Decimal) decimal.Decimal {
	total := fee
	for _, it := range items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total.Round(2)
}
