package cart

import (
	"testing"

	"github.com/fjod/go_checkout/internal/pricing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireMoney(t *testing.T, expected string, actual decimal.Decimal) {
	t.Helper()
	require.True(t, money(expected).Equal(actual), "expected %s, got %s", expected, actual.StringFixed(2))
}

func itemA() NewItem {
	return NewItem{ProductID: "prod-a", Name: "Mug", SKU: "MUG-1", UnitPrice: money("20.00"), Quantity: 2}
}

func itemB() NewItem {
	return NewItem{ProductID: "prod-b", Name: "Tea", SKU: "TEA-1", UnitPrice: money("15.00"), Quantity: 1}
}

func assertTotalInvariant(t *testing.T, c Cart) {
	t.Helper()
	taxable := decimal.Max(decimal.Zero, c.Subtotal.Sub(c.Discount))
	expected := pricing.Round(taxable.Add(pricing.Round(taxable.Mul(pricing.DefaultTaxRate))).Add(c.Shipping))
	assert.True(t, expected.Equal(c.Total), "total %s does not match invariant %s", c.Total, expected)
}

func TestNew_Empty(t *testing.T) {
	c := New("session:1")

	assert.True(t, c.IsEmpty())
	assert.True(t, c.Subtotal.IsZero())
	assert.True(t, c.Discount.IsZero())
	assert.True(t, c.Tax.IsZero())
	assert.True(t, c.Total.IsZero())
}

func TestEndToEndScenario(t *testing.T) {
	c := New("session:1")
	c, err := c.AddItem(itemA())
	require.NoError(t, err)
	c, err = c.AddItem(itemB())
	require.NoError(t, err)
	requireMoney(t, "55.00", c.Subtotal)

	c, err = c.ApplyCoupon(Coupon{Code: "SAVE5", Discount: money("5.00"), PromotionID: "promo-5"})
	require.NoError(t, err)
	requireMoney(t, "5.00", c.Discount)
	requireMoney(t, "5.00", c.Tax)
	requireMoney(t, "55.00", c.Total)

	c, err = c.ApplyCoupon(Coupon{Code: "SAVE10", Discount: money("10.00"), PromotionID: "promo-10"})
	require.NoError(t, err)
	requireMoney(t, "15.00", c.Discount)
	requireMoney(t, "4.00", c.Tax)
	requireMoney(t, "44.00", c.Total)
	assertTotalInvariant(t, c)
}

func TestAddItem_SameProductMerges(t *testing.T) {
	twice, err := New("c").AddItem(itemA())
	require.NoError(t, err)
	twice, err = twice.AddItem(itemA())
	require.NoError(t, err)

	once := itemA()
	once.Quantity = 4
	single, err := New("c").AddItem(once)
	require.NoError(t, err)

	require.Len(t, twice.Items, 1)
	assert.Equal(t, single.Items[0].Quantity, twice.Items[0].Quantity)
	assert.True(t, single.Total.Equal(twice.Total))
	requireMoney(t, "80.00", twice.Items[0].Subtotal)
}

func TestAddItem_DifferentVariantIsNewLine(t *testing.T) {
	red := itemA()
	red.VariantID = "red"
	blue := itemA()
	blue.VariantID = "blue"

	c, err := New("c").AddItem(red)
	require.NoError(t, err)
	c, err = c.AddItem(blue)
	require.NoError(t, err)

	require.Len(t, c.Items, 2)
	assert.NotEqual(t, c.Items[0].ID, c.Items[1].ID)
}

func TestAddItem_Validation(t *testing.T) {
	c := New("c")

	zero := itemA()
	zero.Quantity = 0
	_, err := c.AddItem(zero)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	negative := itemA()
	negative.UnitPrice = money("-1")
	_, err = c.AddItem(negative)
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = c.AddItem(NewItem{Quantity: 1})
	assert.ErrorIs(t, err, ErrProductRequired)
}

func TestUpdateQuantity_ZeroEqualsRemove(t *testing.T) {
	c, err := New("c").AddItem(itemA())
	require.NoError(t, err)
	c, err = c.AddItem(itemB())
	require.NoError(t, err)
	id := c.Items[0].ID

	updated, err := c.UpdateQuantity(id, 0)
	require.NoError(t, err)
	removed, err := c.RemoveItem(id)
	require.NoError(t, err)

	assert.Equal(t, removed.Items, updated.Items)
	assert.True(t, removed.Total.Equal(updated.Total))
	requireMoney(t, "15.00", updated.Subtotal)
}

func TestUpdateQuantity_UnknownItem(t *testing.T) {
	_, err := New("c").UpdateQuantity("missing", 3)
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestUpdateQuantity_Recomputes(t *testing.T) {
	c, err := New("c").AddItem(itemB())
	require.NoError(t, err)

	c, err = c.UpdateQuantity(c.Items[0].ID, 3)
	require.NoError(t, err)

	requireMoney(t, "45.00", c.Subtotal)
	requireMoney(t, "4.50", c.Tax)
	requireMoney(t, "49.50", c.Total)
}

func TestApplyCoupon_Idempotent(t *testing.T) {
	c, err := New("c").AddItem(itemA())
	require.NoError(t, err)
	c, err = c.ApplyCoupon(Coupon{Code: "SAVE5", Discount: money("5")})
	require.NoError(t, err)

	again, err := c.ApplyCoupon(Coupon{Code: "save5", Discount: money("7")})
	require.NoError(t, err)

	assert.Equal(t, c.Coupons, again.Coupons)
	assert.True(t, c.Discount.Equal(again.Discount))
	assert.Equal(t, "SAVE5", again.Coupons[0].Code)
}

func TestRemoveCoupon(t *testing.T) {
	c, err := New("c").AddItem(itemA())
	require.NoError(t, err)
	c, err = c.ApplyCoupon(Coupon{Code: "Save5", Discount: money("5")})
	require.NoError(t, err)

	c = c.RemoveCoupon("SAVE5")

	assert.Empty(t, c.Coupons)
	assert.True(t, c.Discount.IsZero())
	requireMoney(t, "44.00", c.Total)
}

func TestSetShipping(t *testing.T) {
	c, err := New("c").AddItem(itemB())
	require.NoError(t, err)

	c, err = c.SetShipping(money("4.99"))
	require.NoError(t, err)
	requireMoney(t, "21.49", c.Total)

	_, err = c.SetShipping(money("-1"))
	assert.ErrorIs(t, err, ErrInvalidShipping)
}

func TestClear(t *testing.T) {
	c, err := New("c").AddItem(itemA())
	require.NoError(t, err)
	c, err = c.ApplyCoupon(Coupon{Code: "SAVE5", Discount: money("5")})
	require.NoError(t, err)
	c, err = c.SetShipping(money("3"))
	require.NoError(t, err)

	c = c.Clear()

	assert.True(t, c.IsEmpty())
	assert.Empty(t, c.Coupons)
	assert.True(t, c.Total.IsZero())
	assert.True(t, c.Shipping.IsZero())
}

func TestTransitionsDoNotMutateReceiver(t *testing.T) {
	original, err := New("c").AddItem(itemA())
	require.NoError(t, err)
	id := original.Items[0].ID

	_, err = original.UpdateQuantity(id, 10)
	require.NoError(t, err)
	_, err = original.RemoveItem(id)
	require.NoError(t, err)

	require.Len(t, original.Items, 1)
	assert.Equal(t, 2, original.Items[0].Quantity)
}

func TestFromSnapshot_RecomputesTotals(t *testing.T) {
	c, err := New("c").AddItem(itemA())
	require.NoError(t, err)
	c, err = c.ApplyCoupon(Coupon{Code: "SAVE5", Discount: money("5")})
	require.NoError(t, err)

	snapshot := c.Snapshot()
	snapshot.Items[0].Subtotal = money("9999")
	reloaded := FromSnapshot("c", snapshot, 7)

	assert.Equal(t, int64(7), reloaded.Revision)
	assert.True(t, c.Total.Equal(reloaded.Total))
	requireMoney(t, "40.00", reloaded.Items[0].Subtotal)
}

func TestWithEngine(t *testing.T) {
	c, err := New("c").AddItem(itemB())
	require.NoError(t, err)

	c = c.WithEngine(pricing.NewEngine(money("0")))
	requireMoney(t, "15.00", c.Total)

	c, err = c.AddItem(itemB())
	require.NoError(t, err)
	requireMoney(t, "30.00", c.Total)
}
