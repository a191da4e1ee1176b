package cart_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gomarketplace/pkg/cart"
	"gomarketplace/pkg/cart/memory"
	"gomarketplace/pkg/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// flakyStorage wraps memory storage, records every operation and fails
// the next failWrites SetItem calls.
type flakyStorage struct {
	*memory.Storage

	mu         sync.Mutex
	ops        []string
	failWrites int
	getErr     error
}

func newFlaky() *flakyStorage {
	return &flakyStorage{Storage: memory.New()}
}

func (f *flakyStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	if f.getErr != nil {
		return "", false, f.getErr
	}
	return f.Storage.GetItem(ctx, key)
}

func (f *flakyStorage) SetItem(ctx context.Context, key, value string) error {
	f.mu.Lock()
	f.ops = append(f.ops, "set")
	fail := f.failWrites > 0
	if fail {
		f.failWrites--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.Storage.SetItem(ctx, key, value)
}

func (f *flakyStorage) Clear(ctx context.Context) error {
	f.mu.Lock()
	f.ops = append(f.ops, "clear")
	f.mu.Unlock()
	return f.Storage.Clear(ctx)
}

func (f *flakyStorage) setFailures(n int) {
	f.mu.Lock()
	f.failWrites = n
	f.mu.Unlock()
}

func (f *flakyStorage) operations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func openStore(t *testing.T, storage cart.Storage, opts ...cart.Option) *cart.Store {
	t.Helper()
	opts = append([]cart.Option{cart.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })}, opts...)
	s, err := cart.Open(context.Background(), storage, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func persisted(t *testing.T, storage cart.Storage) []cart.LineItem {
	t.Helper()
	raw, ok, err := storage.GetItem(context.Background(), cart.DefaultKey)
	require.NoError(t, err)
	require.True(t, ok, "snapshot not persisted")
	var items []cart.LineItem
	require.NoError(t, json.Unmarshal([]byte(raw), &items))
	return items
}

func seed(t *testing.T, storage cart.Storage, items []cart.LineItem) {
	t.Helper()
	b, err := json.Marshal(items)
	require.NoError(t, err)
	require.NoError(t, storage.SetItem(context.Background(), cart.DefaultKey, string(b)))
}

func product(id string) cart.LineItem {
	return cart.LineItem{ID: id, Title: "T", ImageURL: "u", Price: 10}
}

func TestAddToCartIgnoresSuppliedQuantity(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, memory.New())

	item := product("a")
	item.Quantity = 5
	require.NoError(t, s.AddToCart(ctx, item))

	products, err := s.Products()
	require.NoError(t, err)
	assert.Equal(t, []cart.LineItem{{ID: "a", Title: "T", ImageURL: "u", Price: 10, Quantity: 1}}, products)
}

func TestAddExistingIncrementsWithoutDuplicating(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, memory.New())

	require.NoError(t, s.AddToCart(ctx, product("a")))
	require.NoError(t, s.AddToCart(ctx, product("b")))
	require.NoError(t, s.AddToCart(ctx, product("a")))

	products, err := s.Products()
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "a", products[0].ID)
	assert.Equal(t, 2, products[0].Quantity)
	assert.Equal(t, "b", products[1].ID)
	assert.Equal(t, 1, products[1].Quantity)
}

func TestIncrementAndDecrement(t *testing.T) {
	ctx := context.Background()
	storage := memory.New()
	seed(t, storage, []cart.LineItem{{ID: "a", Quantity: 2}})
	s := openStore(t, storage)

	require.NoError(t, s.Increment(ctx, "a"))
	products, _ := s.Products()
	assert.Equal(t, 3, products[0].Quantity)

	for range 5 {
		require.NoError(t, s.Decrement(ctx, "a"))
	}
	products, _ = s.Products()
	require.Len(t, products, 1, "decrement never removes entries")
	assert.Equal(t, 0, products[0].Quantity)
}

func TestDecrementAtZeroIsNoop(t *testing.T) {
	ctx := context.Background()
	storage := memory.New()
	seed(t, storage, []cart.LineItem{{ID: "a", Quantity: 0}})
	s := openStore(t, storage)

	before, _ := s.Snapshot()
	require.NoError(t, s.Decrement(ctx, "a"))
	after, _ := s.Snapshot()

	assert.Equal(t, before, after)
	assert.Equal(t, 0, after.Products[0].Quantity)
}

func TestUnknownIDIsNoop(t *testing.T) {
	ctx := context.Background()
	storage := newFlaky()
	s := openStore(t, storage)

	require.NoError(t, s.Increment(ctx, "missing"))
	require.NoError(t, s.Decrement(ctx, "missing"))
	require.NoError(t, s.Flush(ctx))

	products, err := s.Products()
	require.NoError(t, err)
	assert.Empty(t, products)
	assert.Empty(t, storage.operations(), "no-ops must not write")
}

func TestAddToCartRejectsInvalidItems(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, memory.New())

	err := s.AddToCart(ctx, cart.LineItem{Title: "no id"})
	assert.ErrorIs(t, err, cart.ErrInvalidItem)

	err = s.AddToCart(ctx, cart.LineItem{ID: "a", Price: -1})
	assert.ErrorIs(t, err, cart.ErrInvalidItem)

	for _, price := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		err = s.AddToCart(ctx, cart.LineItem{ID: "a", Price: price})
		assert.ErrorIs(t, err, cart.ErrInvalidItem, "price %v", price)
	}

	products, _ := s.Products()
	assert.Empty(t, products)

	require.NoError(t, s.AddToCart(ctx, cart.LineItem{ID: "b", Price: 2}))
	require.NoError(t, s.Flush(ctx), "cart must stay persistable")
	totals, err := s.Totals()
	require.NoError(t, err)
	assert.Equal(t, "2.00", totals.Subtotal.StringFixed(2))
}

func TestComputeTotalsSkipsNonFinitePrices(t *testing.T) {
	totals := cart.ComputeTotals([]cart.LineItem{
		{ID: "a", Price: math.Inf(1), Quantity: 1},
		{ID: "b", Price: 1.5, Quantity: 2},
	})
	assert.Equal(t, 3, totals.Count)
	assert.Equal(t, "3.00", totals.Subtotal.StringFixed(2))
}

func TestQuantityNeverNegative(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, memory.New())
	rng := rand.New(rand.NewSource(42))
	ids := []string{"a", "b", "c", "missing"}

	for range 500 {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(3) {
		case 0:
			if id != "missing" {
				require.NoError(t, s.AddToCart(ctx, product(id)))
			}
		case 1:
			require.NoError(t, s.Increment(ctx, id))
		default:
			require.NoError(t, s.Decrement(ctx, id))
		}
		products, _ := s.Products()
		seen := map[string]bool{}
		for _, p := range products {
			require.GreaterOrEqual(t, p.Quantity, 0)
			require.False(t, seen[p.ID], "duplicate id %s", p.ID)
			seen[p.ID] = true
		}
	}
}

func TestPersistsClearThenSet(t *testing.T) {
	ctx := context.Background()
	storage := newFlaky()
	s := openStore(t, storage)

	require.NoError(t, s.AddToCart(ctx, product("a")))
	require.NoError(t, s.Flush(ctx))

	assert.Equal(t, []string{"clear", "set"}, storage.operations())
	assert.Equal(t, []cart.LineItem{{ID: "a", Title: "T", ImageURL: "u", Price: 10, Quantity: 1}}, persisted(t, storage))
}

func TestSnapshotFieldNames(t *testing.T) {
	ctx := context.Background()
	storage := memory.New()
	s := openStore(t, storage)
	require.NoError(t, s.AddToCart(ctx, product("a")))
	require.NoError(t, s.Flush(ctx))

	raw, _, _ := storage.GetItem(ctx, cart.DefaultKey)
	var fields []map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &fields))
	require.Len(t, fields, 1)
	for _, name := range []string{"id", "title", "image_url", "price", "quantity"} {
		assert.Contains(t, fields[0], name)
	}
}

func TestPersistedStateFollowsLastMutation(t *testing.T) {
	ctx := context.Background()
	storage := memory.New()
	s := openStore(t, storage)

	require.NoError(t, s.AddToCart(ctx, product("a")))
	for range 50 {
		require.NoError(t, s.Increment(ctx, "a"))
	}
	require.NoError(t, s.Decrement(ctx, "a"))
	require.NoError(t, s.Flush(ctx))

	items := persisted(t, storage)
	require.Len(t, items, 1)
	assert.Equal(t, 50, items[0].Quantity)
}

func TestConcurrentMutationsPersistFinalState(t *testing.T) {
	ctx := context.Background()
	storage := memory.New()
	s := openStore(t, storage)
	require.NoError(t, s.AddToCart(ctx, product("a")))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				_ = s.Increment(ctx, "a")
			}
		}()
	}
	wg.Wait()
	require.NoError(t, s.Flush(ctx))

	products, _ := s.Products()
	assert.Equal(t, 201, products[0].Quantity)
	assert.Equal(t, products, persisted(t, storage))
}

func TestWriteRetriedUntilSuccess(t *testing.T) {
	ctx := context.Background()
	storage := newFlaky()
	storage.setFailures(2)
	reg := prometheus.NewRegistry()
	s := openStore(t, storage, cart.WithRetryAttempts(3), cart.WithMetrics(metrics.NewCartMetrics(reg)))

	require.NoError(t, s.AddToCart(ctx, product("a")))
	require.NoError(t, s.Flush(ctx))

	assert.Len(t, persisted(t, storage), 1)
	assert.Equal(t, 1.0, counterValue(t, reg, "cart_persist_writes_total"))
	assert.Equal(t, 0.0, counterValue(t, reg, "cart_persist_failures_total"))
}

func TestWriteFailureSurfacedByFlush(t *testing.T) {
	ctx := context.Background()
	storage := newFlaky()
	storage.setFailures(10)
	reg := prometheus.NewRegistry()
	m := metrics.NewCartMetrics(reg)
	s := openStore(t, storage, cart.WithRetryAttempts(2), cart.WithMetrics(m))

	require.NoError(t, s.AddToCart(ctx, product("a")))
	err := s.Flush(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	// memory stays authoritative
	products, _ := s.Products()
	assert.Len(t, products, 1)

	// once storage recovers the next mutation is persisted
	storage.setFailures(0)
	require.NoError(t, s.Increment(ctx, "a"))
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 2, persisted(t, storage)[0].Quantity)

	assert.Equal(t, 1.0, counterValue(t, reg, "cart_persist_failures_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "cart_persist_writes_total"))
}

func TestLoadRestoresSnapshot(t *testing.T) {
	ctx := context.Background()
	storage := memory.New()

	first := openStore(t, storage)
	require.NoError(t, first.AddToCart(ctx, product("a")))
	require.NoError(t, first.AddToCart(ctx, product("a")))
	require.NoError(t, first.Close(ctx))

	second := openStore(t, storage)
	products, err := second.Products()
	require.NoError(t, err)
	assert.Equal(t, []cart.LineItem{{ID: "a", Title: "T", ImageURL: "u", Price: 10, Quantity: 2}}, products)
}

func TestLoadFailsClosed(t *testing.T) {
	t.Run("malformed snapshot", func(t *testing.T) {
		storage := memory.New()
		require.NoError(t, storage.SetItem(context.Background(), cart.DefaultKey, "{not json"))
		reg := prometheus.NewRegistry()
		s := openStore(t, storage, cart.WithMetrics(metrics.NewCartMetrics(reg)))

		products, err := s.Products()
		require.NoError(t, err)
		assert.Empty(t, products)
		assert.Equal(t, 1.0, counterValue(t, reg, "cart_load_faults_total"))
	})

	t.Run("read error", func(t *testing.T) {
		storage := newFlaky()
		storage.getErr = errors.New("backend unavailable")
		s := openStore(t, storage)

		products, err := s.Products()
		require.NoError(t, err)
		assert.Empty(t, products)
	})
}

func TestLoadRepairsInvariants(t *testing.T) {
	storage := memory.New()
	seed(t, storage, []cart.LineItem{
		{ID: "a", Quantity: -3},
		{ID: "b", Quantity: 1},
		{ID: "a", Quantity: 9},
		{ID: "", Quantity: 1},
		{ID: "c", Price: -5, Quantity: 1},
	})
	s := openStore(t, storage)

	products, err := s.Products()
	require.NoError(t, err)
	assert.Equal(t, []cart.LineItem{{ID: "a", Quantity: 0}, {ID: "b", Quantity: 1}}, products)
}

func TestCustomKey(t *testing.T) {
	ctx := context.Background()
	storage := memory.New()
	s := openStore(t, storage, cart.WithKey("custom"))
	require.NoError(t, s.AddToCart(ctx, product("a")))
	require.NoError(t, s.Flush(ctx))

	_, ok, _ := storage.GetItem(ctx, "custom")
	assert.True(t, ok)
	_, ok, _ = storage.GetItem(ctx, cart.DefaultKey)
	assert.False(t, ok)
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, memory.New())

	var got []cart.Snapshot
	unsubscribe, err := s.Subscribe(func(snap cart.Snapshot) { got = append(got, snap) })
	require.NoError(t, err)

	require.NoError(t, s.AddToCart(ctx, product("a")))
	require.NoError(t, s.Increment(ctx, "missing"))
	require.NoError(t, s.Increment(ctx, "a"))
	unsubscribe()
	unsubscribe()
	require.NoError(t, s.Decrement(ctx, "a"))

	require.Len(t, got, 2, "no-ops and post-unsubscribe changes are not delivered")
	assert.EqualValues(t, 1, got[0].Version)
	assert.Equal(t, 1, got[0].Products[0].Quantity)
	assert.EqualValues(t, 2, got[1].Version)
	assert.Equal(t, 2, got[1].Products[0].Quantity)

	// snapshots are copies
	got[1].Products[0].Quantity = 99
	products, _ := s.Products()
	assert.Equal(t, 1, products[0].Quantity)
}

func TestTotals(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, memory.New())
	require.NoError(t, s.AddToCart(ctx, cart.LineItem{ID: "a", Price: 10.1}))
	require.NoError(t, s.AddToCart(ctx, cart.LineItem{ID: "a", Price: 10.1}))
	require.NoError(t, s.AddToCart(ctx, cart.LineItem{ID: "b", Price: 0.2}))

	totals, err := s.Totals()
	require.NoError(t, err)
	assert.Equal(t, 3, totals.Count)
	assert.Equal(t, "20.40", totals.Subtotal.StringFixed(2))
}

func TestMisuse(t *testing.T) {
	ctx := context.Background()

	t.Run("zero value store", func(t *testing.T) {
		var s cart.Store
		assert.ErrorIs(t, s.AddToCart(ctx, product("a")), cart.ErrNotInitialized)
		assert.ErrorIs(t, s.Increment(ctx, "a"), cart.ErrNotInitialized)
		assert.ErrorIs(t, s.Decrement(ctx, "a"), cart.ErrNotInitialized)
		_, err := s.Products()
		assert.ErrorIs(t, err, cart.ErrNotInitialized)
		assert.ErrorIs(t, s.Flush(ctx), cart.ErrNotInitialized)
	})

	t.Run("nil store", func(t *testing.T) {
		var s *cart.Store
		assert.ErrorIs(t, s.Increment(ctx, "a"), cart.ErrNotInitialized)
		_, err := s.Subscribe(func(cart.Snapshot) {})
		assert.ErrorIs(t, err, cart.ErrNotInitialized)
	})

	t.Run("closed store", func(t *testing.T) {
		s, err := cart.Open(ctx, memory.New())
		require.NoError(t, err)
		require.NoError(t, s.Close(ctx))
		require.NoError(t, s.Close(ctx))
		assert.ErrorIs(t, s.AddToCart(ctx, product("a")), cart.ErrNotInitialized)
		_, err = s.Totals()
		assert.ErrorIs(t, err, cart.ErrNotInitialized)
	})

	t.Run("nil storage", func(t *testing.T) {
		_, err := cart.Open(ctx, nil)
		assert.Error(t, err)
	})
}

func TestContextScoping(t *testing.T) {
	ctx := context.Background()

	_, err := cart.FromContext(ctx)
	require.ErrorIs(t, err, cart.ErrNoProvider)
	assert.Contains(t, err.Error(), "cart.NewContext")

	s := openStore(t, memory.New())
	scoped := cart.NewContext(ctx, s)
	got, err := cart.FromContext(scoped)
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestCloseFlushesPendingWrite(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	storage := memory.New()
	s, err := cart.Open(ctx, storage)
	require.NoError(t, err)

	require.NoError(t, s.AddToCart(ctx, product("a")))
	require.NoError(t, s.Close(ctx))
	assert.Len(t, persisted(t, storage), 1)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
