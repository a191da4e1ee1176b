package cart

import "context"

type ctxKey struct{}

// NewContext returns a copy of ctx carrying s. Consumers further down the
// call chain obtain the shared store with FromContext.
func NewContext(ctx context.Context, s *Store) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the store installed by NewContext, or ErrNoProvider.
func FromContext(ctx context.Context) (*Store, error) {
	if ctx == nil {
		return nil, ErrNoProvider
	}
	s, ok := ctx.Value(ctxKey{}).(*Store)
	if !ok || s == nil {
		return nil, ErrNoProvider
	}
	return s, nil
}
