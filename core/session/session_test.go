package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/account"
	"github.com/trezcool/lecturelog/core/realtime"
	"github.com/trezcool/lecturelog/storage/database/memdb"
)

const pwd = "Gr8!Notebook"

type fixture struct {
	db       *memdb.DB
	accounts account.Service
	repo     account.Repository
	sess     *Session
	acc      account.Account
}

func setup(t *testing.T) *fixture {
	db, err := memdb.Open(memdb.Options{Uniques: account.Uniques})
	if err != nil {
		t.Fatalf("setup() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	repo := account.NewRepository(db)
	accounts := account.NewService(repo, nil, nil)
	f := &fixture{
		db:       db,
		accounts: accounts,
		repo:     repo,
		sess:     New(accounts, nil),
		acc:      account.CreateAccount(t, repo, "Ada", "cs101", pwd, account.RoleStudent, account.StatusActive),
	}
	t.Cleanup(f.sess.Close)
	return f
}

func (f *fixture) nextEvent(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-f.sess.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no session event")
	}
	return Event{}
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	_, err := f.sess.Login(context.Background(), "cs101", pwd)
	require.NoError(t, err)
	assert.Equal(t, EventLogin, f.nextEvent(t).Kind)
}

func TestSession_Login(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.sess.Login(ctx, "cs101", "wrong")
	assert.True(t, core.IsValidationError(err))
	_, ok := f.sess.Current()
	assert.False(t, ok)

	f.login(t)
	cur, ok := f.sess.Current()
	require.True(t, ok)
	assert.Equal(t, f.acc.ID, cur.ID)
}

func TestSession_ForcedLogout(t *testing.T) {
	tests := []struct {
		name       string
		change     func(t *testing.T, f *fixture)
		wantReason string
	}{
		{
			name: "rejected",
			change: func(t *testing.T, f *fixture) {
				_, err := f.accounts.UpdateStatus(context.Background(), f.acc.ID, account.StatusRejected)
				require.NoError(t, err)
			},
			wantReason: account.ReasonRejected,
		},
		{
			name: "re-opened",
			change: func(t *testing.T, f *fixture) {
				_, err := f.accounts.UpdateStatus(context.Background(), f.acc.ID, account.StatusPending)
				require.NoError(t, err)
			},
			wantReason: account.ReasonReopened,
		},
		{
			name: "deleted",
			change: func(t *testing.T, f *fixture) {
				require.NoError(t, f.accounts.Delete(context.Background(), f.acc.ID))
			},
			wantReason: account.ReasonDeleted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := setup(t)
			f.login(t)

			sub, err := f.accounts.Subscribe(ctx, account.QueryFilter{}, func([]account.Account) {})
			require.NoError(t, err)
			require.NoError(t, f.sess.Track(sub))

			tt.change(t, f)

			ev := f.nextEvent(t)
			assert.Equal(t, EventForcedLogout, ev.Kind)
			assert.Equal(t, tt.wantReason, ev.Reason)
			_, ok := f.sess.Current()
			assert.False(t, ok)

			select {
			case <-sub.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("tracked subscription still running")
			}
		})
	}
}

func TestSession_SilentUpdate(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.login(t)

	_, err := f.accounts.UpdateProfile(ctx, f.acc.ID, account.UpdateProfile{Name: "Ada Lovelace"})
	require.NoError(t, err)

	ev := f.nextEvent(t)
	assert.Equal(t, EventUpdated, ev.Kind)
	assert.Equal(t, "Ada Lovelace", ev.Account.Name)

	cur, ok := f.sess.Current()
	require.True(t, ok, "a name change must not log out")
	assert.Equal(t, "Ada Lovelace", cur.Name)
}

func TestSession_Logout(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	sub, err := realtime.Subscribe(ctx, f.db, core.CollLectures, core.Query{}, func([]core.Document) {})
	require.NoError(t, err)
	assert.Equal(t, ErrNotLoggedIn, f.sess.Track(sub))
	<-sub.Done()

	f.login(t)
	sub, err = realtime.Subscribe(ctx, f.db, core.CollLectures, core.Query{}, func([]core.Document) {})
	require.NoError(t, err)
	require.NoError(t, f.sess.Track(sub))

	f.sess.Logout()
	f.sess.Logout()
	ev := f.nextEvent(t)
	assert.Equal(t, EventLogout, ev.Kind)
	assert.Equal(t, f.acc.ID, ev.Account.ID)
	<-sub.Done()

	// later changes to the account no longer reach the session
	_, err = f.accounts.UpdateStatus(ctx, f.acc.ID, account.StatusRejected)
	require.NoError(t, err)
	select {
	case ev := <-f.sess.Events():
		t.Fatalf("unexpected event after logout: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_Close(t *testing.T) {
	f := setup(t)
	f.login(t)
	f.sess.Close()
	f.sess.Close()

	ev, ok := <-f.sess.Events()
	require.True(t, ok)
	assert.Equal(t, EventLogout, ev.Kind)
	_, ok = <-f.sess.Events()
	assert.False(t, ok)

	assert.Error(t, f.sess.Resume(context.Background(), f.acc))
}
