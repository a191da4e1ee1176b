// Package cart holds the shopping-cart state container: an ordered list of
// line items kept in memory and mirrored to a key-value storage slot.
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

// DefaultKey is the storage slot holding the serialized cart.
const DefaultKey = "@GoMarketPlace:products"

// LineItem is one product in the cart.
type LineItem struct {
	ID       string  `json:"id" validate:"required"`
	Title    string  `json:"title"`
	ImageURL string  `json:"image_url"`
	Price    float64 `json:"price" validate:"finite,gte=0"`
	Quantity int     `json:"quantity"`
}

// Snapshot is an immutable copy of the cart at one version. Version grows
// by one with every state-changing operation.
type Snapshot struct {
	Products []LineItem `json:"products"`
	Version  uint64     `json:"version"`
}

// Storage is a string key-value slot the cart is persisted into.
type Storage interface {
	// GetItem returns the value at key; ok is false if it was never set.
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
	SetItem(ctx context.Context, key, value string) error
	// Clear removes every key owned by this storage.
	Clear(ctx context.Context) error
}

var (
	// ErrNotInitialized is returned by operations on a store that was never
	// opened or has been closed.
	ErrNotInitialized = errors.New("cart: store not initialized; obtain one from cart.Open and do not use it after Close")
	// ErrNoProvider is returned when a context does not carry a store.
	ErrNoProvider = errors.New("cart: no store in context; consumers must run within a context wrapped by cart.NewContext")
	// ErrInvalidItem is returned when AddToCart receives an unusable item.
	ErrInvalidItem = errors.New("cart: invalid line item")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// +Inf passes gte=0 but cannot be encoded or totalled.
	_ = v.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
		return isFinite(fl.Field().Float())
	})
	return v
}

func isFinite(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}

func encodeSnapshot(items []LineItem) (string, error) {
	if items == nil {
		items = []LineItem{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}
	return string(b), nil
}

// decodeSnapshot parses a persisted snapshot and restores the cart
// invariants: one entry per id, no negative quantities, no entry AddToCart
// would reject.
func decodeSnapshot(raw string) ([]LineItem, error) {
	var items []LineItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	seen := make(map[string]struct{}, len(items))
	out := items[:0]
	for _, it := range items {
		if it.ID == "" || it.Price < 0 || !isFinite(it.Price) {
			continue
		}
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		if it.Quantity < 0 {
			it.Quantity = 0
		}
		out = append(out, it)
	}
	return out, nil
}
