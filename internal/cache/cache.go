package cache

import (
	"context"
	"errors"

	"github.com/fjod/go_checkout/internal/cart"
)

// CartCache holds priced carts keyed by cart id. Cached entries are a read
// optimisation only; the cart repository stays authoritative.
//
// Set never replaces a cached cart with an older revision of the same cart.
// A refused write is not an error.
type CartCache interface {
	Get(ctx context.Context, cartID string) (*cart.Cart, error)
	Set(ctx context.Context, cartID string, c *cart.Cart) error
	Delete(ctx context.Context, cartID string) error
}

var ErrCacheMiss = errors.New("cache miss")

// Nop caches nothing. Used with the in-memory store.
type Nop struct{}

func (Nop) Get(context.Context, string) (*cart.Cart, error) { return nil, ErrCacheMiss }
func (Nop) Set(context.Context, string, *cart.Cart) error   { return nil }
func (Nop) Delete(context.Context, string) error            { return nil }
