package store

import (
	"sync"

	"go.uber.org/zap"
)

type subscriber struct {
	id uint64
	fn func(State)
}

// Store is the single shared state container. Construct it once and inject it.
type Store struct {
	mu      sync.Mutex
	state   State
	subs    []subscriber
	nextSub uint64

	persist SessionPersistence
	logger  *zap.Logger
}

// NewStore loads a persisted session, if any. A restored session keeps its
// token but stays unauthenticated until the server accepts it again.
func NewStore(persist SessionPersistence, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		state:   State{Game: initialGame()},
		persist: persist,
		logger:  logger.With(zap.String("component", "store")),
	}

	if persist != nil {
		session, err := persist.Load()
		if err != nil {
			s.logger.Warn("ignoring unreadable session", zap.Error(err))
		} else if session != nil {
			s.state.Auth.Token = session.Token
			s.state.Auth.Username = session.Username
			s.logger.Info("restored session", zap.String("username", session.Username))
		}
	}
	return s
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe registers fn to receive a snapshot after every write. Subscribers
// run outside the store lock, in subscription order, and may write back.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// update applies fn under the lock, then notifies subscribers.
func (s *Store) update(fn func(st *State)) {
	s.mu.Lock()
	fn(&s.state)
	snapshot := s.state.clone()
	subs := s.subs
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(snapshot)
	}
}

// SetCredentials marks the session authenticated and persists it.
func (s *Store) SetCredentials(token, username string) {
	s.update(func(st *State) {
		st.Auth = AuthState{Token: token, Username: username, Authenticated: true}
	})
	if s.persist != nil {
		if err := s.persist.Save(Session{Token: token, Username: username}); err != nil {
			s.logger.Warn("persist session failed", zap.Error(err))
		}
	}
}

// Logout clears the session, forgets the persisted token and resets the game.
func (s *Store) Logout() {
	s.update(func(st *State) {
		st.Auth = AuthState{}
		st.Game = initialGame()
	})
	if s.persist != nil {
		if err := s.persist.Delete(); err != nil {
			s.logger.Warn("delete persisted session failed", zap.Error(err))
		}
	}
}

func (s *Store) SetAuthLoading(loading bool) {
	s.update(func(st *State) { st.Auth.Loading = loading })
}

func (s *Store) SetAuthError(msg string) {
	s.update(func(st *State) { st.Auth.Error = msg })
}

func (s *Store) ClearAuthError() {
	s.update(func(st *State) { st.Auth.Error = "" })
}

// SetGameStatus ignores statuses outside idle, searching and in-game.
func (s *Store) SetGameStatus(status Status) {
	if !status.Valid() {
		s.logger.Warn("ignoring unknown game status", zap.String("status", string(status)))
		return
	}
	s.update(func(st *State) { st.Game.Status = status })
}

// SetLobby records the current lobby; an empty id clears it.
func (s *Store) SetLobby(id string) {
	s.update(func(st *State) { st.Game.LobbyID = id })
}

// BeginSearch records the lobby and starts searching, unless the match in
// that lobby has already started.
func (s *Store) BeginSearch(lobbyID string) {
	s.update(func(st *State) {
		if st.Game.Status == StatusInGame && st.Game.LobbyID == lobbyID {
			return
		}
		st.Game.LobbyID = lobbyID
		st.Game.Status = StatusSearching
	})
}

// StartGame enters the match, recording lobbyID when the server sent one.
func (s *Store) StartGame(lobbyID string) {
	s.update(func(st *State) {
		if lobbyID != "" {
			st.Game.LobbyID = lobbyID
		}
		st.Game.Status = StatusInGame
	})
}

func (s *Store) SetUserCards(c Collection) {
	c = c.clone()
	s.update(func(st *State) { st.Game.Collection = c })
}

// SetUserDeck stores deck if it satisfies the deck invariant.
func (s *Store) SetUserDeck(deck Deck) error {
	if err := deck.Validate(); err != nil {
		return err
	}
	deck = deck.clone()
	s.update(func(st *State) { st.Game.Deck = &deck })
	return nil
}

func (s *Store) SetError(msg string) {
	s.update(func(st *State) { st.Game.Error = msg })
}

func (s *Store) ClearError() {
	s.update(func(st *State) { st.Game.Error = "" })
}

// ResetGame returns to idle and clears the lobby and error. Owned cards and
// the deck are kept.
func (s *Store) ResetGame() {
	s.update(func(st *State) {
		st.Game.Status = StatusIdle
		st.Game.LobbyID = ""
		st.Game.Error = ""
	})
}
