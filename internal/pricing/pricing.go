package pricing

import "github.com/shopspring/decimal"

// DefaultTaxRate is the flat rate applied to the taxable amount of every cart.
var DefaultTaxRate = decimal.RequireFromString("0.10")

// Line is a priced cart line as seen by the engine.
type Line struct {
	UnitPrice decimal.Decimal
	Quantity  int
}

// Subtotal returns price × quantity.
func (l Line) Subtotal() decimal.Decimal {
	return Round(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
}

// Totals are the derived fields of a cart.
type Totals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Taxable  decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

// Engine recomputes cart totals with a fixed tax rate.
type Engine struct {
	TaxRate decimal.Decimal
}

// NewEngine returns an engine using rate, or DefaultTaxRate when rate is negative.
func NewEngine(rate decimal.Decimal) Engine {
	if rate.IsNegative() {
		rate = DefaultTaxRate
	}
	return Engine{TaxRate: rate}
}

// Recompute derives subtotal, tax and total. The discount is an opaque absolute
// amount decided when the coupon was applied; it never pushes the tax base below zero.
func (e Engine) Recompute(lines []Line, discountTotal, shipping decimal.Decimal) Totals {
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.Subtotal())
	}

	taxable := decimal.Max(decimal.Zero, subtotal.Sub(discountTotal))
	tax := Round(taxable.Mul(e.TaxRate))

	return Totals{
		Subtotal: Round(subtotal),
		Discount: Round(discountTotal),
		Taxable:  Round(taxable),
		Tax:      tax,
		Shipping: Round(shipping),
		Total:    Round(taxable.Add(tax).Add(shipping)),
	}
}

// Recompute uses DefaultTaxRate.
func Recompute(lines []Line, discountTotal, shipping decimal.Decimal) Totals {
	return Engine{TaxRate: DefaultTaxRate}.Recompute(lines, discountTotal, shipping)
}

// Round rounds to cents.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// MinorUnits converts an amount to integer cents for the payment gateway.
func MinorUnits(d decimal.Decimal) int64 {
	return Round(d).Shift(2).IntPart()
}
