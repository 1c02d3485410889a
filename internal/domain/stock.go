package domain

type StockKey struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
}

type StockLevel struct {
	StockKey
	Quantity       int  `json:"quantity"`
	TrackInventory bool `json:"track_inventory"`
}

// Covers reports whether the level can satisfy quantity units.
// Untracked products always can.
func (s StockLevel) Covers(quantity int) bool {
	return !s.TrackInventory || s.Quantity >= quantity
}

type StockDecrement struct {
	StockKey
	Quantity int `json:"quantity"`
}

// Shortfall is a decrement that found less stock than requested.
// The level was clamped at zero.
type Shortfall struct {
	StockKey
	Requested int `json:"requested"`
	Available int `json:"available"`
}
