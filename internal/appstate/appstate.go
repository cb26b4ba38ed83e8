// Package appstate holds the client-side selection of shop, signed-in user and
// active shift. A Store is created explicitly, loaded once and closed on
// shutdown; every change is written through to its Persister.
package appstate

import (
	"context"
	"errors"
	"strings"
	"sync"

	"dukapos/internal/domain"
)

var (
	ErrNotLoaded = errors.New("app state not loaded")
	ErrClosed    = errors.New("app state closed")
)

const (
	ViewCashier = "cashier"
	ViewManager = "manager"
)

type User struct {
	ID     string `yaml:"id"`
	Role   string `yaml:"role"`
	ShopID string `yaml:"shop_id"`
	Token  string `yaml:"token,omitempty"`
}

type State struct {
	ShopID      string            `yaml:"shop_id,omitempty"`
	User        *User             `yaml:"user,omitempty"`
	ActiveShift *domain.Shift     `yaml:"active_shift,omitempty"`
	Currencies  map[string]string `yaml:"currencies,omitempty"`
}

func (s State) clone() State {
	out := State{ShopID: s.ShopID}
	if s.User != nil {
		user := *s.User
		out.User = &user
	}
	if s.ActiveShift != nil {
		shift := *s.ActiveShift
		if shift.EndTime != nil {
			end := *shift.EndTime
			shift.EndTime = &end
		}
		out.ActiveShift = &shift
	}
	if len(s.Currencies) > 0 {
		out.Currencies = make(map[string]string, len(s.Currencies))
		for k, v := range s.Currencies {
			out.Currencies[k] = v
		}
	}
	return out
}

type Persister interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}

type Option func(*Store)

// WithDefaultCurrency overrides the currency reported when no preference is
// stored.
func WithDefaultCurrency(code string) Option {
	return func(s *Store) {
		if code = strings.ToUpper(strings.TrimSpace(code)); code != "" {
			s.defaultCurrency = code
		}
	}
}

type Store struct {
	mu              sync.RWMutex
	persister       Persister
	defaultCurrency string
	state           State
	loaded          bool
	closed          bool
}

func New(persister Persister, opts ...Option) *Store {
	if persister == nil {
		persister = NewMemoryPersister()
	}
	s := &Store{persister: persister, defaultCurrency: domain.DefaultCurrency}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	state, err := s.persister.Load(ctx)
	if err != nil {
		return err
	}
	s.state = state.clone()
	s.loaded = true
	return nil
}

// Close persists the final state. Later mutations fail with ErrClosed.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.loaded {
		return nil
	}
	return s.persister.Save(ctx, s.state.clone())
}

func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

func (s *Store) ShopID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ShopID
}

func (s *Store) User() (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.User == nil {
		return User{}, false
	}
	return *s.state.User, true
}

func (s *Store) ActiveShift() *domain.Shift {
	return s.Snapshot().ActiveShift
}

// View gates which screens a user sees. Anyone not shop level, including a
// signed-out session, gets the cashier view.
func (s *Store) View() string {
	user, ok := s.User()
	if ok && domain.IsShopLevel(user.Role) {
		return ViewManager
	}
	return ViewCashier
}

// Currency returns the preference for the current user and shop.
func (s *Store) Currency() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if code := s.state.Currencies[s.currencyKeyLocked()]; code != "" {
		return code
	}
	return s.defaultCurrency
}

func (s *Store) SetCurrency(ctx context.Context, code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return errors.New("currency must be a three-letter code")
	}
	return s.mutate(ctx, func(state *State) {
		if state.Currencies == nil {
			state.Currencies = make(map[string]string)
		}
		state.Currencies[s.currencyKeyLocked()] = code
	})
}

// SetShop selects a shop. Switching shops drops the active shift, which
// belongs to the previous pair.
func (s *Store) SetShop(ctx context.Context, shopID string) error {
	shopID = strings.TrimSpace(shopID)
	return s.mutate(ctx, func(state *State) {
		if state.ShopID != shopID {
			state.ActiveShift = nil
		}
		state.ShopID = shopID
	})
}

// SetUser records the signed-in user. The user's shop becomes the selection
// when none is set.
func (s *Store) SetUser(ctx context.Context, user User) error {
	return s.mutate(ctx, func(state *State) {
		if state.User == nil || state.User.ID != user.ID {
			state.ActiveShift = nil
		}
		u := user
		state.User = &u
		if state.ShopID == "" {
			state.ShopID = user.ShopID
		}
	})
}

func (s *Store) SignOut(ctx context.Context) error {
	return s.mutate(ctx, func(state *State) {
		state.User = nil
		state.ActiveShift = nil
	})
}

func (s *Store) SetActiveShift(ctx context.Context, shift domain.Shift) error {
	return s.mutate(ctx, func(state *State) {
		cp := shift
		state.ActiveShift = &cp
	})
}

func (s *Store) ClearActiveShift(ctx context.Context) error {
	return s.mutate(ctx, func(state *State) {
		state.ActiveShift = nil
	})
}

// mutate applies fn to a copy and commits it only when it was persisted.
func (s *Store) mutate(ctx context.Context, fn func(state *State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case !s.loaded:
		return ErrNotLoaded
	}

	next := s.state.clone()
	fn(&next)
	if err := s.persister.Save(ctx, next.clone()); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *Store) currencyKeyLocked() string {
	userID := ""
	if s.state.User != nil {
		userID = s.state.User.ID
	}
	return userID + "@" + s.state.ShopID
}
