package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/storage/database/memdb"
)

const waitFor = 2 * time.Second

var fastOpts = Options{MinBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}

func setup(t *testing.T, opts ...memdb.Options) *memdb.DB {
	var o memdb.Options
	if len(opts) > 0 {
		o = opts[0]
	}
	db, err := memdb.Open(o)
	if err != nil {
		t.Fatalf("setup() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func topics(docs []core.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		s, _ := d.Get("topic").(string)
		out = append(out, s)
	}
	return out
}

func nextSnapshot(t *testing.T, ch <-chan []string) []string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(waitFor):
		t.Fatal("no snapshot received")
	}
	return nil
}

// waitSnapshot reads snapshots until one equals want (notifications may be coalesced).
func waitSnapshot(t *testing.T, ch <-chan []string, want []string) {
	t.Helper()
	deadline := time.After(waitFor)
	var last []string
	for {
		select {
		case last = <-ch:
			if assert.ObjectsAreEqual(want, last) {
				return
			}
		case <-deadline:
			t.Fatalf("snapshot %v never received; last = %v", want, last)
		}
	}
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	q := core.Where("status", "approved").OrderedBy("timestamp", false)

	tests := []struct {
		name string
		opts memdb.Options
	}{
		{name: "server-side ordering"},
		{name: "client-side ordering fallback", opts: memdb.Options{NoOrdering: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setup(t, tt.opts)
			_, err := db.Create(ctx, core.CollLectures, "old", core.Fields{"topic": "old", "timestamp": 1, "status": "approved"})
			require.NoError(t, err)

			snaps := make(chan []string, 16)
			sub, err := Subscribe(ctx, db, core.CollLectures, q, func(docs []core.Document) { snaps <- topics(docs) }, fastOpts)
			require.NoError(t, err)
			defer sub.Cancel()

			assert.Equal(t, []string{"old"}, nextSnapshot(t, snaps))

			_, err = db.Create(ctx, core.CollLectures, "new", core.Fields{"topic": "new", "timestamp": 2, "status": "approved"})
			require.NoError(t, err)
			waitSnapshot(t, snaps, []string{"new", "old"})

			_, err = db.Create(ctx, core.CollLectures, "pending", core.Fields{"topic": "pending", "timestamp": 3, "status": "pending"})
			require.NoError(t, err)
			require.NoError(t, db.Delete(ctx, core.CollLectures, "old"))
			waitSnapshot(t, snaps, []string{"new"})
		})
	}
}

func TestSubscription_Cancel(t *testing.T) {
	ctx := context.Background()
	db := setup(t)

	snaps := make(chan []string, 16)
	sub, err := Subscribe(ctx, db, core.CollLectures, core.Query{}, func(docs []core.Document) { snaps <- topics(docs) })
	require.NoError(t, err)
	nextSnapshot(t, snaps)

	sub.Cancel()
	sub.Cancel() // idempotent
	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription goroutine did not exit")
	}

	_, err = db.Create(ctx, core.CollLectures, "", core.Fields{"topic": "late"})
	require.NoError(t, err)
	select {
	case s := <-snaps:
		t.Fatalf("callback after Cancel: %v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscription_CancelWaitsForPendingCallback(t *testing.T) {
	s, _ := newSubscription(context.Background(), nil, core.CollLectures, nil)

	// an invoke that has passed its cancellation check holds cbMu
	s.cbMu.Lock()
	cancelled := make(chan struct{})
	go func() {
		s.Cancel()
		close(cancelled)
	}()
	select {
	case <-cancelled:
		t.Fatal("Cancel returned while a callback was about to start")
	case <-time.After(50 * time.Millisecond):
	}
	s.cbMu.Unlock()

	select {
	case <-cancelled:
	case <-time.After(waitFor):
		t.Fatal("Cancel did not return")
	}
	assert.False(t, s.invoke(func() { t.Fatal("callback after Cancel") }))
}

func TestSubscription_CancelFromCallback(t *testing.T) {
	ctx := context.Background()
	db := setup(t)

	var sub *Subscription
	ready := make(chan struct{})
	calls := 0
	sub, err := Subscribe(ctx, db, core.CollLectures, core.Query{}, func([]core.Document) {
		<-ready
		calls++
		sub.Cancel()
	})
	require.NoError(t, err)
	close(ready)

	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("Cancel from inside a callback deadlocked")
	}
	assert.Equal(t, 1, calls)
}

func TestSubscribe_ParentContext(t *testing.T) {
	db := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := Subscribe(ctx, db, core.CollLectures, core.Query{}, func([]core.Document) {})
	require.NoError(t, err)

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription outlived its context")
	}
}

func TestSubscribe_ListenerFailure(t *testing.T) {
	ctx := context.Background()
	db := setup(t)

	snaps := make(chan []string, 16)
	errs := make(chan error, 16)
	opts := fastOpts
	opts.OnError = func(err error) {
		select {
		case errs <- err:
		default:
		}
	}
	sub, err := Subscribe(ctx, db, core.CollLectures, core.Query{}, func(docs []core.Document) { snaps <- topics(docs) }, opts)
	require.NoError(t, err)
	defer sub.Cancel()
	nextSnapshot(t, snaps)

	db.SetUnavailable(true)
	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, core.ErrUnavailable), "err = %v", err)
	case <-time.After(waitFor):
		t.Fatal("listener failure not reported")
	}

	db.SetUnavailable(false)
	_, err = db.Create(ctx, core.CollLectures, "", core.Fields{"topic": "back"})
	require.NoError(t, err)
	waitSnapshot(t, snaps, []string{"back"})
}

func TestSubscribeOne(t *testing.T) {
	ctx := context.Background()
	db := setup(t)
	_, err := db.Create(ctx, core.CollAccounts, "acc", core.Fields{"status": "pending"})
	require.NoError(t, err)
	_, err = db.Create(ctx, core.CollAccounts, "other", core.Fields{"status": "pending"})
	require.NoError(t, err)

	events := make(chan interface{}, 16)
	sub, err := SubscribeOne(ctx, db, core.CollAccounts, "acc", func(doc *core.Document) {
		if doc == nil {
			events <- nil
			return
		}
		events <- doc.Get("status")
	}, fastOpts)
	require.NoError(t, err)

	next := func() interface{} {
		select {
		case e := <-events:
			return e
		case <-time.After(waitFor):
			t.Fatal("no event")
		}
		return nil
	}

	assert.Equal(t, "pending", next())

	require.NoError(t, db.Update(ctx, core.CollAccounts, "other", core.Fields{"status": "active"}))
	require.NoError(t, db.Update(ctx, core.CollAccounts, "acc", core.Fields{"status": "active"}))
	assert.Equal(t, "active", next())

	require.NoError(t, db.Delete(ctx, core.CollAccounts, "acc"))
	assert.Nil(t, next())

	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription did not end after deletion")
	}
	select {
	case e := <-events:
		t.Fatalf("unexpected event after deletion: %v", e)
	default:
	}
}

func TestSubscribeOne_Missing(t *testing.T) {
	db := setup(t)
	got := make(chan *core.Document, 1)
	sub, err := SubscribeOne(context.Background(), db, core.CollAccounts, "nobody", func(doc *core.Document) { got <- doc })
	require.NoError(t, err)
	<-sub.Done()
	assert.Nil(t, <-got)
}

func TestSubscribe_WatchFailure(t *testing.T) {
	db := setup(t)
	db.SetUnavailable(true)
	_, err := Subscribe(context.Background(), db, core.CollLectures, core.Query{}, func([]core.Document) {})
	assert.True(t, errors.Is(err, core.ErrUnavailable))
}
