package cart

import (
	"errors"
	"strings"

	"github.com/fjod/go_checkout/internal/pricing"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidPrice    = errors.New("unit price must not be negative")
	ErrInvalidShipping = errors.New("shipping amount must not be negative")
	ErrItemNotFound    = errors.New("item not found in cart")
	ErrProductRequired = errors.New("product id is required")
	ErrCouponRequired  = errors.New("coupon code is required")
)

// Item is a single cart line. The unit price is captured when the item is added.
type Item struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id,omitempty"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku,omitempty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

func (i Item) sameProduct(productID, variantID string) bool {
	return i.ProductID == productID && i.VariantID == variantID
}

// Coupon is an applied promotion. Discount was decided by the coupon resolver
// at apply time and is never recomputed afterwards.
type Coupon struct {
	Code        string          `json:"code"`
	Discount    decimal.Decimal `json:"discount"`
	PromotionID string          `json:"promotion_id,omitempty"`
}

// NewItem describes an item to add.
type NewItem struct {
	ProductID string
	VariantID string
	Name      string
	SKU       string
	UnitPrice decimal.Decimal
	Quantity  int
}

// Cart is an immutable snapshot plus its derived totals. Every transition
// returns a new Cart with the totals recomputed.
type Cart struct {
	ID       string          `json:"id"`
	Items    []Item          `json:"items"`
	Coupons  []Coupon        `json:"coupons"`
	Shipping decimal.Decimal `json:"shipping"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Discount decimal.Decimal `json:"discount"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
	Revision int64           `json:"revision"`

	engine *pricing.Engine
}

// Snapshot is the persisted part of a cart. Derived totals are never stored.
type Snapshot struct {
	Items    []Item
	Coupons  []Coupon
	Shipping decimal.Decimal
}

// New returns an empty cart.
func New(id string) Cart {
	return FromSnapshot(id, Snapshot{}, 0)
}

// FromSnapshot rebuilds a cart from persisted state, recomputing all totals.
func FromSnapshot(id string, s Snapshot, revision int64) Cart {
	c := Cart{
		ID:       id,
		Items:    append([]Item(nil), s.Items...),
		Coupons:  append([]Coupon(nil), s.Coupons...),
		Shipping: s.Shipping,
		Revision: revision,
	}
	return c.recompute()
}

// Snapshot returns the persisted part of the cart.
func (c Cart) Snapshot() Snapshot {
	return Snapshot{
		Items:    append([]Item(nil), c.Items...),
		Coupons:  append([]Coupon(nil), c.Coupons...),
		Shipping: c.Shipping,
	}
}

func (c Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// ItemCount is the number of units across all lines.
func (c Cart) ItemCount() int {
	n := 0
	for _, item := range c.Items {
		n += item.Quantity
	}
	return n
}

func (c Cart) Item(itemID string) (Item, bool) {
	for _, item := range c.Items {
		if item.ID == itemID {
			return item, true
		}
	}
	return Item{}, false
}

func (c Cart) HasCoupon(code string) bool {
	for _, coupon := range c.Coupons {
		if strings.EqualFold(coupon.Code, code) {
			return true
		}
	}
	return false
}

// AddItem merges into an existing line with the same product and variant,
// otherwise appends a new line with a fresh local identifier.
func (c Cart) AddItem(in NewItem) (Cart, error) {
	if in.ProductID == "" {
		return c, ErrProductRequired
	}
	if in.Quantity <= 0 {
		return c, ErrInvalidQuantity
	}
	if in.UnitPrice.IsNegative() {
		return c, ErrInvalidPrice
	}

	next := c.clone()
	for i := range next.Items {
		if next.Items[i].sameProduct(in.ProductID, in.VariantID) {
			merged := next.Items[i].Quantity + in.Quantity
			if merged <= 0 {
				return c, ErrInvalidQuantity
			}
			next.Items[i].Quantity = merged
			return next.recompute(), nil
		}
	}

	next.Items = append(next.Items, Item{
		ID:        uuid.NewString(),
		ProductID: in.ProductID,
		VariantID: in.VariantID,
		Name:      in.Name,
		SKU:       in.SKU,
		UnitPrice: in.UnitPrice,
		Quantity:  in.Quantity,
	})
	return next.recompute(), nil
}

// UpdateQuantity sets the quantity of a line; quantity <= 0 removes it.
func (c Cart) UpdateQuantity(itemID string, quantity int) (Cart, error) {
	if quantity <= 0 {
		return c.RemoveItem(itemID)
	}

	next := c.clone()
	for i := range next.Items {
		if next.Items[i].ID == itemID {
			next.Items[i].Quantity = quantity
			return next.recompute(), nil
		}
	}
	return c, ErrItemNotFound
}

func (c Cart) RemoveItem(itemID string) (Cart, error) {
	next := c.clone()
	for i := range next.Items {
		if next.Items[i].ID == itemID {
			next.Items = append(next.Items[:i], next.Items[i+1:]...)
			return next.recompute(), nil
		}
	}
	return c, ErrItemNotFound
}

// ApplyCoupon is idempotent: a code already present (case-insensitively) leaves the cart unchanged.
func (c Cart) ApplyCoupon(coupon Coupon) (Cart, error) {
	if strings.TrimSpace(coupon.Code) == "" {
		return c, ErrCouponRequired
	}
	if c.HasCoupon(coupon.Code) {
		return c, nil
	}

	next := c.clone()
	next.Coupons = append(next.Coupons, coupon)
	return next.recompute(), nil
}

// RemoveCoupon removes the code if present. Removing an absent code is a no-op.
func (c Cart) RemoveCoupon(code string) Cart {
	next := c.clone()
	kept := next.Coupons[:0]
	for _, coupon := range next.Coupons {
		if !strings.EqualFold(coupon.Code, code) {
			kept = append(kept, coupon)
		}
	}
	next.Coupons = kept
	return next.recompute()
}

func (c Cart) SetShipping(amount decimal.Decimal) (Cart, error) {
	if amount.IsNegative() {
		return c, ErrInvalidShipping
	}
	next := c.clone()
	next.Shipping = amount
	return next.recompute(), nil
}

// Clear empties items and coupons and zeroes all derived fields.
func (c Cart) Clear() Cart {
	return Cart{ID: c.ID, Revision: c.Revision, engine: c.engine}.recompute()
}

// WithEngine returns the cart priced by engine; later transitions keep using it.
func (c Cart) WithEngine(engine pricing.Engine) Cart {
	next := c.clone()
	next.engine = &engine
	return next.recompute()
}

// Lines returns the cart items in the pricing engine's shape.
func (c Cart) Lines() []pricing.Line {
	lines := make([]pricing.Line, len(c.Items))
	for i, item := range c.Items {
		lines[i] = pricing.Line{UnitPrice: item.UnitPrice, Quantity: item.Quantity}
	}
	return lines
}

func (c Cart) recompute() Cart {
	engine := pricing.Engine{TaxRate: pricing.DefaultTaxRate}
	if c.engine != nil {
		engine = *c.engine
	}

	next := c.clone()
	discount := decimal.Zero
	for _, coupon := range next.Coupons {
		discount = discount.Add(coupon.Discount)
	}
	for i := range next.Items {
		next.Items[i].Subtotal = pricing.Line{UnitPrice: next.Items[i].UnitPrice, Quantity: next.Items[i].Quantity}.Subtotal()
	}

	totals := engine.Recompute(next.Lines(), discount, next.Shipping)
	next.Subtotal = totals.Subtotal
	next.Discount = totals.Discount
	next.Tax = totals.Tax
	next.Shipping = totals.Shipping
	next.Total = totals.Total
	return next
}

func (c Cart) clone() Cart {
	next := c
	next.Items = append(make([]Item, 0, len(c.Items)), c.Items...)
	next.Coupons = append(make([]Coupon, 0, len(c.Coupons)), c.Coupons...)
	return next
}
