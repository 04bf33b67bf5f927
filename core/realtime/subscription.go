// Package realtime turns store change notifications into full snapshots delivered to callbacks.
package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core"
)

const (
	defaultMinBackoff = 100 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
)

type (
	// SnapshotFunc receives the full current result set of a subscription.
	SnapshotFunc func(docs []core.Document)

	// DocumentFunc receives the current version of a document, or nil once it is deleted.
	DocumentFunc func(doc *core.Document)

	Options struct {
		// OnError is told about listener failures; the last snapshot is stale until the next one.
		OnError    func(err error)
		Logger     core.Logger
		MinBackoff time.Duration
		MaxBackoff time.Duration
	}

	// Subscription is a live feed. Callbacks run sequentially on the subscription's goroutine.
	Subscription struct {
		cbMu       sync.Mutex // held while a callback is checked and run
		cancelled  atomic.Bool
		inCallback atomic.Bool
		cancel     context.CancelFunc
		done       chan struct{}

		store core.DocStore
		coll  string
		opts  Options
	}
)

func newSubscription(ctx context.Context, store core.DocStore, coll string, opts []Options) (*Subscription, context.Context) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Logger == nil {
		o.Logger = core.NopLogger{}
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = defaultMinBackoff
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = defaultMaxBackoff
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Subscription{
		cancel: cancel,
		done:   make(chan struct{}),
		store:  store,
		coll:   coll,
		opts:   o,
	}, ctx
}

// Cancel stops the subscription. No callback starts once Cancel has returned.
// It is idempotent and safe to call from inside a callback.
func (s *Subscription) Cancel() {
	s.cancelled.Store(true)
	s.cancel()
	if s.inCallback.Load() {
		// the running callback started before Cancel; it may be the caller
		return
	}
	// wait out an invoke that passed its check but has not entered the callback yet
	s.cbMu.Lock()
	s.cbMu.Unlock()
}

// Done is closed once the subscription goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// invoke runs fn unless the subscription is cancelled.
// A concurrent Cancel either precedes the check or waits until fn has returned.
func (s *Subscription) invoke(fn func()) bool {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if s.cancelled.Load() {
		return false
	}
	s.inCallback.Store(true)
	defer s.inCallback.Store(false)
	fn()
	return true
}

func (s *Subscription) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	s.opts.Logger.Error("realtime: "+s.coll+" listener failed", err)
	if s.opts.OnError != nil {
		s.invoke(func() { s.opts.OnError(err) })
	}
}

// sleep waits d; false means ctx is done.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Subscription) nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > s.opts.MaxBackoff {
		return s.opts.MaxBackoff
	}
	return d
}

// rewatch re-establishes the change feed with backoff; nil means ctx is done.
func (s *Subscription) rewatch(ctx context.Context) <-chan core.Change {
	backoff := s.opts.MinBackoff
	for {
		if !sleep(ctx, backoff) {
			return nil
		}
		ch, err := s.store.Watch(ctx, s.coll)
		if err == nil {
			return ch
		}
		s.fail(ctx, errors.Wrap(err, "re-establishing feed"))
		backoff = s.nextBackoff(backoff)
	}
}

// wait blocks until the next change. Pending notifications are coalesced into one.
// A closed feed is reported and replaced. Returns the feed to keep using, nil when ctx is done.
func (s *Subscription) wait(ctx context.Context, ch <-chan core.Change, match func(core.Change) bool) <-chan core.Change {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-ch:
			if !ok {
				s.fail(ctx, errors.Wrap(core.ErrUnavailable, "change feed closed"))
				if ch = s.rewatch(ctx); ch == nil {
					return nil
				}
				return ch // something may have changed while disconnected
			}
			relevant := match == nil || match(c)
			for drained := false; !drained; {
				select {
				case c, ok := <-ch:
					if !ok {
						drained = true
						break
					}
					relevant = relevant || match == nil || match(c)
				default:
					drained = true
				}
			}
			if relevant {
				return ch
			}
		}
	}
}

// Subscribe delivers the full result of q over coll now and after every change, until cancelled.
// The change feed is established before the first snapshot so no change is missed.
// Stores that cannot order server-side are queried unordered and sorted here.
func Subscribe(ctx context.Context, store core.DocStore, coll string, q core.Query, onSnapshot SnapshotFunc, opts ...Options) (*Subscription, error) {
	s, ctx := newSubscription(ctx, store, coll, opts)
	ch, err := store.Watch(ctx, coll)
	if err != nil {
		s.cancel()
		close(s.done)
		return nil, errors.Wrapf(err, "watching %s", coll)
	}

	go func() {
		defer close(s.done)
		var clientSort bool
		backoff := s.opts.MinBackoff
		for {
			docs, err := fetch(ctx, store, coll, q, &clientSort)
			if err != nil {
				s.fail(ctx, errors.Wrapf(err, "querying %s", coll))
				if !sleep(ctx, backoff) {
					return
				}
				backoff = s.nextBackoff(backoff)
				continue
			}
			backoff = s.opts.MinBackoff
			if !s.invoke(func() { onSnapshot(docs) }) {
				return
			}
			if ch = s.wait(ctx, ch, nil); ch == nil {
				return
			}
		}
	}()
	return s, nil
}

func fetch(ctx context.Context, store core.DocStore, coll string, q core.Query, clientSort *bool) ([]core.Document, error) {
	if !*clientSort {
		docs, err := store.Query(ctx, coll, q)
		if !errors.Is(err, core.ErrOrderingUnsupported) {
			return docs, err
		}
		*clientSort = true
	}
	docs, err := store.Query(ctx, coll, q.Unordered())
	if err != nil {
		return nil, err
	}
	return core.ApplyQuery(docs, q), nil
}

// SubscribeOne delivers the document coll/id now and whenever it changes. Once the document
// is gone, onChange gets nil exactly once and the subscription ends.
func SubscribeOne(ctx context.Context, store core.DocStore, coll, id string, onChange DocumentFunc, opts ...Options) (*Subscription, error) {
	s, ctx := newSubscription(ctx, store, coll, opts)
	ch, err := store.Watch(ctx, coll)
	if err != nil {
		s.cancel()
		close(s.done)
		return nil, errors.Wrapf(err, "watching %s/%s", coll, id)
	}
	match := func(c core.Change) bool { return c.ID == id }

	go func() {
		defer close(s.done)
		defer s.cancel()
		var (
			lastVersion int64 = -1
			backoff           = s.opts.MinBackoff
		)
		for {
			doc, err := store.Get(ctx, coll, id)
			switch {
			case errors.Is(err, core.ErrNotFound):
				s.invoke(func() { onChange(nil) })
				return
			case err != nil:
				s.fail(ctx, errors.Wrapf(err, "reading %s/%s", coll, id))
				if !sleep(ctx, backoff) {
					return
				}
				backoff = s.nextBackoff(backoff)
				continue
			}
			backoff = s.opts.MinBackoff
			if doc.Version != lastVersion {
				lastVersion = doc.Version
				d := doc
				if !s.invoke(func() { onChange(&d) }) {
					return
				}
			}
			if ch = s.wait(ctx, ch, match); ch == nil {
				return
			}
		}
	}()
	return s, nil
}

// LoggerOf returns the logger set in opts, or a no-op logger.
func LoggerOf(opts ...Options) core.Logger {
	if len(opts) > 0 && opts[0].Logger != nil {
		return opts[0].Logger
	}
	return core.NopLogger{}
}
