// Package changefeed fans store change notifications out to in-process watchers.
package changefeed

import (
	"context"
	"sync"

	"github.com/trezcool/lecturelog/core"
)

// watcherBuffer is the per-watcher backlog. Once full, further notifications for that
// watcher are dropped: it already has a pending refresh.
const watcherBuffer = 16

type (
	Feed struct {
		mu       sync.Mutex
		watchers map[string]map[*watcher]struct{} // {collection: watchers}
		closed   bool
	}

	watcher struct {
		ch chan core.Change
	}
)

func New() *Feed {
	return &Feed{watchers: make(map[string]map[*watcher]struct{})}
}

// Watch registers a watcher for coll. The returned channel is closed when ctx is done
// or the feed is closed.
func (f *Feed) Watch(ctx context.Context, coll string) (<-chan core.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, core.ErrUnavailable
	}

	w := &watcher{ch: make(chan core.Change, watcherBuffer)}
	set, ok := f.watchers[coll]
	if !ok {
		set = make(map[*watcher]struct{})
		f.watchers[coll] = set
	}
	set[w] = struct{}{}

	go func() {
		<-ctx.Done()
		f.remove(coll, w)
	}()
	return w.ch, nil
}

func (f *Feed) remove(coll string, w *watcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if set, ok := f.watchers[coll]; ok {
		if _, ok := set[w]; ok {
			delete(set, w)
			close(w.ch)
		}
	}
}

// Publish notifies every watcher of c.Collection without blocking.
func (f *Feed) Publish(c core.Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for w := range f.watchers[c.Collection] {
		select {
		case w.ch <- c:
		default:
		}
	}
}

// Close closes every watcher channel; later Watch calls fail with core.ErrUnavailable.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for coll, set := range f.watchers {
		for w := range set {
			close(w.ch)
		}
		delete(f.watchers, coll)
	}
}
