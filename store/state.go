// Package store holds the session and game state shared by the rest of the
// client. Every write is synchronous and safe from any goroutine; readers get
// deep copies and can subscribe to changes.
package store

// Status is where the player is in the match lifecycle.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSearching Status = "searching"
	StatusInGame    Status = "in-game"
)

func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusSearching, StatusInGame:
		return true
	}
	return false
}

type AuthState struct {
	Token         string
	Username      string
	Authenticated bool
	Loading       bool   // an auth exchange is in flight
	Error         string // dismissible, shown inline on the login form
}

// Card is an owned card.
type Card struct {
	Name  string
	Level int
	Count int
}

// Tower is a king or guard tower.
type Tower struct {
	Name  string
	Level int
	Count int
}

// Collection is everything the player owns.
type Collection struct {
	UserID      int
	KingTowers  []Tower
	GuardTowers []Tower
	Cards       map[string]Card // keyed by card name
}

type GameState struct {
	Status     Status
	LobbyID    string // empty when not in a lobby
	Collection Collection
	Deck       *Deck // nil until fetched
	Error      string
}

// State is a full snapshot of the store.
type State struct {
	Auth AuthState
	Game GameState
}

func initialGame() GameState {
	return GameState{
		Status:     StatusIdle,
		Collection: Collection{Cards: map[string]Card{}},
	}
}

func (s State) clone() State {
	out := s
	out.Game.Collection = s.Game.Collection.clone()
	if s.Game.Deck != nil {
		deck := s.Game.Deck.clone()
		out.Game.Deck = &deck
	}
	return out
}

func (c Collection) clone() Collection {
	out := Collection{UserID: c.UserID}
	out.KingTowers = append([]Tower(nil), c.KingTowers...)
	out.GuardTowers = append([]Tower(nil), c.GuardTowers...)
	out.Cards = make(map[string]Card, len(c.Cards))
	for name, card := range c.Cards {
		out.Cards[name] = card
	}
	return out
}
