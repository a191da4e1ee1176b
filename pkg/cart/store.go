package cart

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"gomarketplace/pkg/logger"
	"gomarketplace/pkg/metrics"
	"gomarketplace/pkg/otel"
)

// Store owns the canonical cart. Mutations update memory synchronously,
// hand the new snapshot to a single background writer and then notify
// subscribers.
type Store struct {
	mu      sync.RWMutex
	items   []LineItem
	version uint64
	closed  bool

	subs    map[uint64]func(Snapshot)
	nextSub uint64

	writer  *persister
	log     *logger.Logger
	metrics *metrics.CartMetrics
}

// Open creates a store, hydrates it once from storage and starts its
// writer. A missing snapshot yields an empty cart; an unreadable one is
// logged and also yields an empty cart.
func Open(ctx context.Context, storage Storage, opts ...Option) (*Store, error) {
	if storage == nil {
		return nil, errors.New("cart: nil storage")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store{
		subs:    make(map[uint64]func(Snapshot)),
		log:     o.log,
		metrics: o.metrics,
	}
	s.items = s.load(ctx, storage, o.key)
	s.metrics.SetLineItems(len(s.items))

	s.writer = newPersister(storage, o)
	go s.writer.run()
	return s, nil
}

func (s *Store) load(ctx context.Context, storage Storage, key string) []LineItem {
	ctx, span := otel.AddSpan(ctx, "cart.load", attribute.String("cart.key", key))
	defer span.End()

	raw, ok, err := storage.GetItem(ctx, key)
	if err != nil {
		span.RecordError(err)
		s.metrics.IncLoadFault()
		s.log.Error(ctx, "reading cart snapshot, starting empty", "key", key, "error", err)
		return nil
	}
	if !ok {
		s.log.Debug(ctx, "no cart snapshot found", "key", key)
		return nil
	}
	items, err := decodeSnapshot(raw)
	if err != nil {
		span.RecordError(err)
		s.metrics.IncLoadFault()
		s.log.Error(ctx, "malformed cart snapshot, starting empty", "key", key, "error", err)
		return nil
	}
	s.log.Info(ctx, "cart loaded", "key", key, "items", len(items))
	return items
}

// AddToCart adds one unit of item. An existing entry with the same id has
// its quantity incremented; otherwise item is appended with quantity 1.
// The quantity carried by item is ignored.
func (s *Store) AddToCart(ctx context.Context, item LineItem) error {
	ctx, span := otel.AddSpan(ctx, "cart.AddToCart", attribute.String("cart.item_id", item.ID))
	defer span.End()

	if err := s.ready(); err != nil {
		return err
	}
	if err := validate.Struct(item); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidItem, err)
	}
	return s.mutate(ctx, "add", func(items []LineItem) ([]LineItem, bool) {
		if i := indexOf(items, item.ID); i >= 0 {
			items[i].Quantity++
			return items, true
		}
		item.Quantity = 1
		return append(items, item), true
	})
}

// Increment adds one to the quantity of id. Unknown ids are ignored.
func (s *Store) Increment(ctx context.Context, id string) error {
	ctx, span := otel.AddSpan(ctx, "cart.Increment", attribute.String("cart.item_id", id))
	defer span.End()

	return s.mutate(ctx, "increment", func(items []LineItem) ([]LineItem, bool) {
		i := indexOf(items, id)
		if i < 0 {
			return items, false
		}
		items[i].Quantity++
		return items, true
	})
}

// Decrement removes one from the quantity of id, stopping at zero. Entries
// are never removed. Unknown ids are ignored.
func (s *Store) Decrement(ctx context.Context, id string) error {
	ctx, span := otel.AddSpan(ctx, "cart.Decrement", attribute.String("cart.item_id", id))
	defer span.End()

	return s.mutate(ctx, "decrement", func(items []LineItem) ([]LineItem, bool) {
		i := indexOf(items, id)
		if i < 0 || items[i].Quantity <= 0 {
			return items, false
		}
		items[i].Quantity--
		return items, true
	})
}

// mutate applies fn under the write lock. When fn reports a change the new
// snapshot is enqueued for persistence while still holding the lock, so the
// writer sees snapshots in mutation order.
func (s *Store) mutate(ctx context.Context, op string, fn func([]LineItem) ([]LineItem, bool)) error {
	if s == nil {
		return ErrNotInitialized
	}
	s.mu.Lock()
	if s.writer == nil || s.closed {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	next, changed := fn(s.items)
	if !changed {
		s.mu.Unlock()
		return nil
	}
	s.items = next
	s.version++
	snap := s.snapshotLocked()
	s.writer.enqueue(snap.Products)
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	s.metrics.IncMutation(op)
	s.metrics.SetLineItems(len(snap.Products))
	s.log.Debug(ctx, "cart mutated", "op", op, "version", snap.Version, "items", len(snap.Products))

	for _, sub := range subs {
		sub(snap)
	}
	return nil
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{Products: slices.Clone(s.items), Version: s.version}
}

// Snapshot returns a copy of the current cart.
func (s *Store) Snapshot() (Snapshot, error) {
	if s == nil {
		return Snapshot{}, ErrNotInitialized
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.writer == nil || s.closed {
		return Snapshot{}, ErrNotInitialized
	}
	return s.snapshotLocked(), nil
}

// Products returns a copy of the current line items.
func (s *Store) Products() ([]LineItem, error) {
	snap, err := s.Snapshot()
	return snap.Products, err
}

// Subscribe registers fn to receive every new snapshot after a state
// change. fn runs on the mutating goroutine and must not call back into
// the store's mutators. Snapshots from concurrent mutations may arrive out
// of order; compare Version to discard stale ones.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func(), err error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	if fn == nil {
		return nil, errors.New("cart: nil subscriber")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil || s.closed {
		return nil, ErrNotInitialized
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}, nil
}

// Flush blocks until every mutation made before the call is persisted and
// returns the error of the most recent write, if it failed.
func (s *Store) Flush(ctx context.Context) error {
	if s == nil {
		return ErrNotInitialized
	}
	s.mu.RLock()
	w, closed := s.writer, s.closed
	s.mu.RUnlock()
	if w == nil || closed {
		return ErrNotInitialized
	}
	return w.sync(ctx)
}

// Close rejects further operations, persists any pending snapshot and
// stops the writer. Closing twice is a no-op.
func (s *Store) Close(ctx context.Context) error {
	if s == nil {
		return ErrNotInitialized
	}
	s.mu.Lock()
	if s.writer == nil {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.subs = make(map[uint64]func(Snapshot))
	s.mu.Unlock()

	return s.writer.stop(ctx)
}

func (s *Store) ready() error {
	if s == nil {
		return ErrNotInitialized
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.writer == nil || s.closed {
		return ErrNotInitialized
	}
	return nil
}

func indexOf(items []LineItem, id string) int {
	return slices.IndexFunc(items, func(it LineItem) bool { return it.ID == id })
}
