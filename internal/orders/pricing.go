package orders

import "github.com/shopspring/decimal"

var DefaultTaxRate = decimal.RequireFromString("0.08")

// Price fills each item's totalPrice and the order's subtotal, tax and total.
// Tax is rounded half-up to cents.
func Price(o *Order, taxRate decimal.Decimal) {
	subtotal := decimal.Zero
	for i := range o.Items {
		it := &o.Items[i]
		line := decimal.NewFromFloat(it.UnitPrice).Mul(decimal.NewFromInt(int64(it.Quantity))).Round(2)
		it.TotalPrice = line.InexactFloat64()
		subtotal = subtotal.Add(line)
	}
	tax := subtotal.Mul(taxRate).Round(2)
	o.Subtotal = subtotal.InexactFloat64()
	o.Tax = tax.InexactFloat64()
	o.Total = subtotal.Add(tax).InexactFloat64()
}
