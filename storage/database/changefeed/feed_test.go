package changefeed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/lecturelog/core"
)

func TestFeed_PublishReachesCollectionWatchers(t *testing.T) {
	f := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lectures, err := f.Watch(ctx, core.CollLectures)
	require.NoError(t, err)
	subjects, err := f.Watch(ctx, core.CollSubjects)
	require.NoError(t, err)

	f.Publish(core.Change{Collection: core.CollLectures, ID: "l1", Kind: core.ChangeCreated})

	select {
	case c := <-lectures:
		assert.Equal(t, "l1", c.ID)
	case <-time.After(time.Second):
		t.Fatal("no notification received")
	}
	select {
	case c := <-subjects:
		t.Fatalf("unexpected notification: %+v", c)
	default:
	}
}

func TestFeed_FullBufferDoesNotBlock(t *testing.T) {
	f := New()
	ch, err := f.Watch(context.Background(), core.CollLectures)
	require.NoError(t, err)

	for i := 0; i < watcherBuffer*3; i++ {
		f.Publish(core.Change{Collection: core.CollLectures, ID: "x", Kind: core.ChangeUpdated})
	}
	assert.Len(t, ch, watcherBuffer)
}

func TestFeed_CancelAndClose(t *testing.T) {
	f := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.Watch(ctx, core.CollAccounts)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watcher channel not closed on cancel")
	}

	f.Close()
	_, err = f.Watch(context.Background(), core.CollAccounts)
	assert.ErrorIs(t, err, core.ErrUnavailable)
}
