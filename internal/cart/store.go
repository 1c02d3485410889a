package cart

import (
	"context"
	"fmt"

	"github.com/fjod/go_checkout/internal/pricing"
	"github.com/shopspring/decimal"
)

// Persister loads and saves the persisted part of a cart.
// Save returns the new revision. Implementations are last-write-wins.
type Persister interface {
	Load(ctx context.Context, cartID string) (Snapshot, int64, error)
	Save(ctx context.Context, cartID string, snapshot Snapshot) (int64, error)
}

// Store is an explicit handle on one cart. Every mutation applies a pure
// transition, persists the snapshot and notifies observers with the new cart.
// A Store is not safe for concurrent use; concurrent handles on the same cart
// resolve as last write wins in the Persister.
type Store struct {
	persister Persister
	current   Cart
	observers []func(Cart)
}

// Open loads the cart from the persister. A cart that was never saved opens empty.
func Open(ctx context.Context, cartID string, persister Persister, engine pricing.Engine) (*Store, error) {
	snapshot, revision, err := persister.Load(ctx, cartID)
	if err != nil {
		return nil, fmt.Errorf("load cart %s: %w", cartID, err)
	}
	return &Store{
		persister: persister,
		current:   FromSnapshot(cartID, snapshot, revision).WithEngine(engine),
	}, nil
}

// OnChange registers fn to receive every new snapshot.
func (s *Store) OnChange(fn func(Cart)) {
	s.observers = append(s.observers, fn)
}

// Snapshot returns the current cart including derived totals.
func (s *Store) Snapshot() Cart {
	return s.current
}

func (s *Store) AddItem(ctx context.Context, in NewItem) (Cart, error) {
	return s.apply(ctx, func(c Cart) (Cart, error) { return c.AddItem(in) })
}

func (s *Store) UpdateQuantity(ctx context.Context, itemID string, quantity int) (Cart, error) {
	return s.apply(ctx, func(c Cart) (Cart, error) { return c.UpdateQuantity(itemID, quantity) })
}

func (s *Store) RemoveItem(ctx context.Context, itemID string) (Cart, error) {
	return s.apply(ctx, func(c Cart) (Cart, error) { return c.RemoveItem(itemID) })
}

func (s *Store) ApplyCoupon(ctx context.Context, coupon Coupon) (Cart, error) {
	if s.current.HasCoupon(coupon.Code) {
		return s.current, nil
	}
	return s.apply(ctx, func(c Cart) (Cart, error) { return c.ApplyCoupon(coupon) })
}

func (s *Store) RemoveCoupon(ctx context.Context, code string) (Cart, error) {
	return s.apply(ctx, func(c Cart) (Cart, error) { return c.RemoveCoupon(code), nil })
}

func (s *Store) SetShipping(ctx context.Context, amount decimal.Decimal) (Cart, error) {
	return s.apply(ctx, func(c Cart) (Cart, error) { return c.SetShipping(amount) })
}

func (s *Store) Clear(ctx context.Context) (Cart, error) {
	return s.apply(ctx, func(c Cart) (Cart, error) { return c.Clear(), nil })
}

func (s *Store) apply(ctx context.Context, transition func(Cart) (Cart, error)) (Cart, error) {
	next, err := transition(s.current)
	if err != nil {
		return s.current, err
	}

	revision, err := s.persister.Save(ctx, next.ID, next.Snapshot())
	if err != nil {
		return s.current, fmt.Errorf("save cart %s: %w", next.ID, err)
	}
	next.Revision = revision
	s.current = next

	for _, fn := range s.observers {
		fn(next)
	}
	return next, nil
}
