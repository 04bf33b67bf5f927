// Package session holds the single account signed in on one client and everything tied to it.
package session

import (
	"context"
	"sync"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/account"
	"github.com/trezcool/lecturelog/core/realtime"
)

const eventsBuffer = 16

// Event kinds
const (
	EventLogin        = "login"
	EventUpdated      = "updated"
	EventLogout       = "logout"
	EventForcedLogout = "forced-logout"
)

var ErrNotLoggedIn = errors.New("not logged in")

type (
	Event struct {
		Kind    string
		Account account.Account
		Reason  string // forced logouts only
	}

	// Session holds at most one account. Subscriptions registered with Track end with it.
	Session struct {
		mu       sync.Mutex
		accounts account.Service
		logger   core.Logger
		current  *account.Account
		gen      uint64 // bumped on every login/logout
		liveness *realtime.Subscription
		tracked  []*realtime.Subscription
		events   chan Event
		closed   bool
	}
)

func New(accounts account.Service, logger core.Logger) *Session {
	vala.BeginValidation().Validate(
		core.NotNil(accounts, "accounts"),
	).CheckAndPanic()
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Session{
		accounts: accounts,
		logger:   logger,
		events:   make(chan Event, eventsBuffer),
	}
}

// Events delivers session transitions. It is closed by Close.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Login exchanges credentials for an account and binds the session to it.
func (s *Session) Login(ctx context.Context, username, password string) (account.Account, error) {
	acc, err := s.accounts.Login(ctx, username, password)
	if err != nil {
		return account.Account{}, err
	}
	if err := s.Resume(ctx, acc); err != nil {
		return account.Account{}, err
	}
	return acc, nil
}

// Resume binds the session to an account that was authenticated elsewhere (e.g. a bearer token)
// and starts watching it for forced logouts. Any previous account is logged out first.
func (s *Session) Resume(ctx context.Context, acc account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	if s.current != nil {
		s.endLocked(Event{Kind: EventLogout, Account: *s.current})
	}

	s.gen++
	gen := s.gen
	cur := acc
	s.current = &cur

	sub, err := s.accounts.SubscribeToOne(ctx, acc.ID, func(a *account.Account) {
		s.onAccount(gen, a)
	}, realtime.Options{Logger: s.logger})
	if err != nil {
		s.current = nil
		return errors.Wrap(err, "watching account")
	}
	s.liveness = sub
	s.emitLocked(Event{Kind: EventLogin, Account: acc})
	return nil
}

// onAccount applies a change of the signed-in account record.
func (s *Session) onAccount(gen uint64, acc *account.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || gen != s.gen {
		return
	}
	if logout, reason := account.CheckLiveness(*s.current, acc); logout {
		s.logger.Info("session: forced logout", s.current.Username, reason)
		s.endLocked(Event{Kind: EventForcedLogout, Account: *s.current, Reason: reason})
		return
	}
	if acc.UpdatedAt.Equal(s.current.UpdatedAt) && acc.Name == s.current.Name && acc.Status == s.current.Status {
		return
	}
	cur := *acc
	s.current = &cur
	s.emitLocked(Event{Kind: EventUpdated, Account: cur})
}

// Current returns the signed-in account.
func (s *Session) Current() (account.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return account.Account{}, false
	}
	return *s.current, true
}

// Track ties sub to the current login; it is cancelled on logout.
// Without a signed-in account, sub is cancelled right away and ErrNotLoggedIn returned.
func (s *Session) Track(sub *realtime.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		sub.Cancel()
		return ErrNotLoggedIn
	}
	s.tracked = append(s.tracked, sub)
	return nil
}

// Logout clears the account and cancels every tracked subscription. It is idempotent.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return
	}
	s.endLocked(Event{Kind: EventLogout, Account: *s.current})
}

// Close logs out and closes Events.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.current != nil {
		s.endLocked(Event{Kind: EventLogout, Account: *s.current})
	}
	s.closed = true
	close(s.events)
}

func (s *Session) endLocked(ev Event) {
	if s.liveness != nil {
		s.liveness.Cancel()
		s.liveness = nil
	}
	for _, sub := range s.tracked {
		sub.Cancel()
	}
	s.tracked = nil
	s.current = nil
	s.gen++
	s.emitLocked(ev)
}

func (s *Session) emitLocked(ev Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("session: events buffer full, dropping", ev.Kind)
	}
}
