package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"gomarketplace/pkg/logger"
	"gomarketplace/pkg/metrics"
)

const writeTimeout = 5 * time.Second

var errSuperseded = errors.New("snapshot superseded by a newer mutation")

// persister is the single writer between the store and its storage. It
// keeps only the newest pending snapshot, so writes never reorder and the
// persisted copy converges on the latest in-memory state.
type persister struct {
	storage    Storage
	key        string
	log        *logger.Logger
	metrics    *metrics.CartMetrics
	attempts   uint
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	pending []LineItem
	dirty   bool

	wake     chan struct{}
	flush    chan chan error
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// owned by the run goroutine until done is closed
	lastErr error
}

func newPersister(storage Storage, o options) *persister {
	return &persister{
		storage:    storage,
		key:        o.key,
		log:        o.log,
		metrics:    o.metrics,
		attempts:   o.attempts,
		newBackOff: o.newBackOff,
		wake:       make(chan struct{}, 1),
		flush:      make(chan chan error),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// enqueue replaces the pending snapshot. items must not be modified later.
func (p *persister) enqueue(items []LineItem) {
	p.mu.Lock()
	p.pending = items
	p.dirty = true
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *persister) take() ([]LineItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dirty {
		return nil, false
	}
	items := p.pending
	p.pending, p.dirty = nil, false
	return items, true
}

func (p *persister) hasPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

func (p *persister) run() {
	defer close(p.done)
	for {
		select {
		case <-p.wake:
			p.drain()
		case reply := <-p.flush:
			p.drain()
			reply <- p.lastErr
		case <-p.quit:
			p.drain()
			return
		}
	}
}

// drain writes pending snapshots until none is left.
func (p *persister) drain() {
	for {
		items, ok := p.take()
		if !ok {
			return
		}
		err := p.write(items)
		if errors.Is(err, errSuperseded) {
			continue
		}
		p.lastErr = err
		if err != nil {
			p.metrics.IncPersistFailure()
			p.log.Error(context.Background(), "persisting cart snapshot", "key", p.key, "items", len(items), "error", err)
			continue
		}
		p.metrics.IncPersisted()
		p.log.Debug(context.Background(), "cart snapshot persisted", "key", p.key, "items", len(items))
	}
}

// write clears the storage and stores the snapshot, retrying with backoff.
// A failed attempt is abandoned when a newer snapshot is already waiting.
func (p *persister) write(items []LineItem) error {
	value, err := encodeSnapshot(items)
	if err != nil {
		return err
	}

	op := func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		err := p.storage.Clear(ctx)
		if err == nil {
			err = p.storage.SetItem(ctx, p.key, value)
		}
		if err != nil && p.hasPending() {
			return struct{}{}, backoff.Permanent(errSuperseded)
		}
		return struct{}{}, err
	}
	notify := func(err error, wait time.Duration) {
		p.log.Warn(context.Background(), "retrying cart snapshot write", "key", p.key, "wait", wait, "error", err)
	}

	_, err = backoff.Retry(context.Background(), op,
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(p.attempts),
		backoff.WithNotify(notify),
	)
	if err != nil && !errors.Is(err, errSuperseded) {
		return fmt.Errorf("writing %q: %w", p.key, err)
	}
	return err
}

// sync waits until every snapshot enqueued before the call is written and
// returns the outcome of the most recent write.
func (p *persister) sync(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case p.flush <- reply:
	case <-p.done:
		return p.lastErr
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop drains pending writes and terminates the writer goroutine.
func (p *persister) stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.quit) })
	select {
	case <-p.done:
		return p.lastErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
