package coupon

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

type DiscountType string

const (
	// DiscountPercentage takes Value percent off the subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes Value off, capped at the subtotal.
	DiscountFixed DiscountType = "fixed"
)

var ErrInvalidCoupon = errors.New("invalid coupon code")

// Rule defines a coupon's discount and eligibility.
type Rule struct {
	Code         string
	PromotionID  string
	DiscountType DiscountType
	Value        decimal.Decimal
	MinSubtotal  decimal.Decimal
	Description  string
}

// Discount is the absolute amount decided at apply time.
type Discount struct {
	Amount      decimal.Decimal
	PromotionID string
	Description string
}

// Resolver turns a coupon code into a discount for the given subtotal.
type Resolver interface {
	Resolve(ctx context.Context, code string, subtotal decimal.Decimal) (Discount, error)
}

// RuleResolver resolves codes against an in-process rule table.
// Codes match case-insensitively.
type RuleResolver struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

func NewRuleResolver(rules ...Rule) *RuleResolver {
	r := &RuleResolver{rules: make(map[string]Rule, len(rules))}
	for _, rule := range rules {
		r.Add(rule)
	}
	return r
}

func (r *RuleResolver) Add(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[normalize(rule.Code)] = rule
}

func (r *RuleResolver) Resolve(_ context.Context, code string, subtotal decimal.Decimal) (Discount, error) {
	r.mu.RLock()
	rule, ok := r.rules[normalize(code)]
	r.mu.RUnlock()
	if !ok {
		return Discount{}, ErrInvalidCoupon
	}
	if subtotal.LessThan(rule.MinSubtotal) {
		return Discount{}, ErrInvalidCoupon
	}

	var amount decimal.Decimal
	switch rule.DiscountType {
	case DiscountPercentage:
		amount = subtotal.Mul(rule.Value).Div(decimal.NewFromInt(100))
	case DiscountFixed:
		amount = decimal.Min(rule.Value, subtotal)
	default:
		return Discount{}, ErrInvalidCoupon
	}

	return Discount{
		Amount:      amount.Round(2),
		PromotionID: rule.PromotionID,
		Description: rule.Description,
	}, nil
}

// DefaultRules is the rule table used when no external promotion source is configured.
func DefaultRules() []Rule {
	return []Rule{
		{Code: "SAVE5", PromotionID: "promo-save5", DiscountType: DiscountFixed, Value: decimal.NewFromInt(5), Description: "5 off"},
		{Code: "SAVE10", PromotionID: "promo-save10", DiscountType: DiscountFixed, Value: decimal.NewFromInt(10), Description: "10 off"},
		{Code: "TENPERCENT", PromotionID: "promo-tenpercent", DiscountType: DiscountPercentage, Value: decimal.NewFromInt(10), Description: "10% off"},
	}
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
