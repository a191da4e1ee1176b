package cart

import "github.com/shopspring/decimal"

// Totals summarizes the cart for a checkout footer.
type Totals struct {
	Count    int             `json:"count"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

// ComputeTotals sums quantities and price x quantity over items. Lines with
// a non-finite price add to the count but not to the subtotal.
func ComputeTotals(items []LineItem) Totals {
	t := Totals{Subtotal: decimal.Zero}
	for _, it := range items {
		t.Count += it.Quantity
		if !isFinite(it.Price) {
			continue
		}
		line := decimal.NewFromFloat(it.Price).Mul(decimal.NewFromInt(int64(it.Quantity)))
		t.Subtotal = t.Subtotal.Add(line)
	}
	t.Subtotal = t.Subtotal.Round(2)
	return t
}

// Totals computes totals over the current cart.
func (s *Store) Totals() (Totals, error) {
	items, err := s.Products()
	if err != nil {
		return Totals{}, err
	}
	return ComputeTotals(items), nil
}
