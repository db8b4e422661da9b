package server

import (
	"clash-session/message"
	"clash-session/store"
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Starter collection and deck given to every new account.
var starterCards = []string{"Pawn", "Bishop", "Rook", "Knight", "Prince", "Queen", "Fireball", "Healing Light"}

const (
	kingTower  = "King_Tower"
	guardTower = "Guard_Tower"
)

// Account is a player known to the world.
type Account struct {
	ID       int
	Gmail    string
	Username string
	Password string
	Cards    []message.CardInfo
	Deck     message.UserDeck
}

// World holds accounts, tokens and decks in memory.
type World struct {
	mu      sync.Mutex
	nextID  int
	byGmail map[string]*Account
	byID    map[int]*Account
	tokens  map[string]int
}

func NewWorld() *World {
	return &World{
		nextID:  1,
		byGmail: make(map[string]*Account),
		byID:    make(map[int]*Account),
		tokens:  make(map[string]int),
	}
}

var (
	errMissingFields = &Fault{Code: "missing_fields", Message: "Missing fields"}
	errEmailTaken    = &Fault{Code: "email_taken", Message: "Email already registered"}
	errBadLogin      = &Fault{Code: "invalid_credentials", Message: "Invalid username or password"}
	errNotFound      = &Fault{Code: "not_found", Message: "User not found"}
	errBadToken      = &Fault{Code: "invalid_token", Message: "Invalid or expired token"}
	errUnauthorized  = &Fault{Code: "unauthorized", Message: "User not logged in"}
	errBadPayload    = &Fault{Code: "invalid_payload", Message: "Invalid payload"}
)

// AddAccount creates a player with the starter collection and deck. extra
// cards are added to the collection only.
func (w *World) AddAccount(gmail, username, password string, extra ...string) (*Account, error) {
	if gmail == "" || username == "" || password == "" {
		return nil, errMissingFields
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.byGmail[gmail]; ok {
		return nil, errEmailTaken
	}

	acc := &Account{
		ID:       w.nextID,
		Gmail:    gmail,
		Username: username,
		Password: password,
		Deck: message.UserDeck{
			UserID:     w.nextID,
			KingTower:  message.TowerInfo{Name: kingTower},
			GuardTower: message.TowerInfo{Name: guardTower, Level: 1},
		},
	}
	for i, name := range starterCards {
		acc.Cards = append(acc.Cards, message.CardInfo{Name: name, Level: 1})
		acc.Deck.Cards = append(acc.Deck.Cards, message.DeckCard{Index: i + 1, Name: name, Level: 1})
	}
	for _, name := range extra {
		acc.Cards = append(acc.Cards, message.CardInfo{Name: name, Level: 1})
	}
	w.nextID++
	w.byGmail[gmail] = acc
	w.byID[acc.ID] = acc
	return acc, nil
}

// IssueToken mints a new token for the account. Tokens never expire.
func (w *World) IssueToken(userID int) string {
	token := uuid.NewString()
	w.SetToken(token, userID)
	return token
}

// SetToken binds a known token to an account.
func (w *World) SetToken(token string, userID int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tokens[token] = userID
}

// RevokeToken makes later re_login attempts with token fail.
func (w *World) RevokeToken(token string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tokens, token)
}

func (w *World) login(gmail, password string) (*Account, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	acc, ok := w.byGmail[gmail]
	if !ok {
		return nil, errNotFound
	}
	if acc.Password != password {
		return nil, errBadLogin
	}
	return acc, nil
}

// UserByToken resolves a token to its account.
func (w *World) UserByToken(token string) (*Account, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.tokens[token]
	if !ok {
		return nil, false
	}
	acc, ok := w.byID[id]
	return acc, ok
}

func (w *World) cards(userID int) (message.UserCards, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	acc, ok := w.byID[userID]
	if !ok {
		return message.UserCards{}, false
	}
	return message.UserCards{
		UserID:     userID,
		KingTower:  []message.TowerInfo{{Name: kingTower}},
		GuardTower: []message.TowerInfo{{Name: guardTower, Level: 1}},
		Cards:      append([]message.CardInfo(nil), acc.Cards...),
	}, true
}

// Deck returns a copy of the account's deck.
func (w *World) Deck(userID int) (message.UserDeck, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	acc, ok := w.byID[userID]
	if !ok {
		return message.UserDeck{}, false
	}
	deck := acc.Deck
	deck.Cards = append([]message.DeckCard(nil), acc.Deck.Cards...)
	return deck, true
}

// swap places an owned card at the 1-based slot index, with the same rules as
// the client-side deck.
func (w *World) swap(userID int, cardName string, slotIndex int) (message.UserDeck, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	acc, ok := w.byID[userID]
	if !ok {
		return message.UserDeck{}, errNotFound
	}
	if slotIndex < 1 || slotIndex > store.DeckSize {
		return message.UserDeck{}, &Fault{Code: "invalid_slot", Message: "Invalid slot index (must be from 1 to 8)"}
	}

	var owned *message.CardInfo
	for i := range acc.Cards {
		if acc.Cards[i].Name == cardName {
			owned = &acc.Cards[i]
			break
		}
	}
	if owned == nil {
		return message.UserDeck{}, &Fault{Code: "card_not_found", Message: "Card not found in user cards"}
	}

	deck := store.Deck{Slots: make([]store.DeckSlot, len(acc.Deck.Cards))}
	for i, c := range acc.Deck.Cards {
		deck.Slots[i] = store.DeckSlot{Slot: c.Index - 1, Name: c.Name, Level: c.Level}
	}
	next, err := deck.Swap(slotIndex-1, store.Card{Name: owned.Name, Level: owned.Level})
	switch {
	case errors.Is(err, store.ErrNoChange):
		return message.UserDeck{}, &Fault{Code: "no_change", Message: "New card is the same as the current card in the slot"}
	case errors.Is(err, store.ErrDuplicateCard):
		return message.UserDeck{}, &Fault{Code: "duplicate_card", Message: "Card already exists in deck"}
	case err != nil:
		return message.UserDeck{}, &Fault{Code: "invalid_slot", Message: err.Error()}
	}

	for i, s := range next.Slots {
		acc.Deck.Cards[i] = message.DeckCard{Index: s.Slot + 1, Name: s.Name, Level: s.Level}
	}
	out := acc.Deck
	out.Cards = append([]message.DeckCard(nil), acc.Deck.Cards...)
	return out, nil
}

// registerGameHandlers installs the account and deck operations.
func (s *Server) registerGameHandlers() {
	s.Handle(message.TypeLogin, s.handleLogin)
	s.Handle(message.TypeRegister, s.handleRegister)
	s.Handle(message.TypeReLogin, s.handleReLogin)
	s.Handle(message.TypeGetUserCards, s.handleGetUserCards)
	s.Handle(message.TypeGetUserDeck, s.handleGetUserDeck)
	s.Handle(message.TypeSwapCard, s.handleSwapCard)
	s.Handle(message.TypeReleaseCard, s.handleReleaseCard)
}

func (s *Server) handleLogin(_ context.Context, sess *Session, env *message.Envelope) (*Reply, error) {
	var req message.LoginRequest
	if err := env.Decode(&req); err != nil {
		return nil, errBadPayload
	}
	if req.Gmail == "" || req.Password == "" {
		return nil, &Fault{Code: "missing_fields", Message: "Username or password missing"}
	}
	acc, err := s.world.login(strings.TrimSpace(req.Gmail), req.Password)
	if err != nil {
		return nil, err
	}
	return s.loggedIn(sess, acc, s.world.IssueToken(acc.ID), message.TypeLogin)
}

func (s *Server) handleRegister(_ context.Context, sess *Session, env *message.Envelope) (*Reply, error) {
	var req message.RegisterRequest
	if err := env.Decode(&req); err != nil {
		return nil, errBadPayload
	}
	acc, err := s.world.AddAccount(strings.TrimSpace(req.Gmail), req.Username, req.Password)
	if err != nil {
		return nil, err
	}
	return s.loggedIn(sess, acc, s.world.IssueToken(acc.ID), message.TypeRegister)
}

// handleReLogin echoes the stored token back. A socket may authenticate once.
func (s *Server) handleReLogin(_ context.Context, sess *Session, env *message.Envelope) (*Reply, error) {
	if sess.UserID() != 0 {
		return nil, &Fault{Code: "already_logged_in", Message: "User already logged in"}
	}
	var req message.ReLoginRequest
	if err := env.Decode(&req); err != nil {
		return nil, errBadPayload
	}
	if req.Token == "" {
		return nil, &Fault{Code: "missing_fields", Message: "Token missing"}
	}
	acc, ok := s.world.UserByToken(req.Token)
	if !ok {
		return nil, errBadToken
	}
	return s.loggedIn(sess, acc, req.Token, message.TypeLogin)
}

func (s *Server) loggedIn(sess *Session, acc *Account, token, op string) (*Reply, error) {
	sess.authenticate(acc.ID)
	sess.logger.Info("authenticated", zap.String("username", acc.Username), zap.String("via", op))
	return &Reply{
		Type: op + "_success",
		Data: message.Credentials{Token: token, Username: acc.Username},
	}, nil
}

func (s *Server) handleGetUserCards(_ context.Context, sess *Session, _ *message.Envelope) (*Reply, error) {
	userID := sess.UserID()
	if userID == 0 {
		return nil, errUnauthorized
	}
	cards, ok := s.world.cards(userID)
	if !ok {
		return nil, &Fault{Code: "not_found", Message: "No user cards found"}
	}
	return &Reply{Type: "user_cards", Data: cards}, nil
}

func (s *Server) handleGetUserDeck(_ context.Context, sess *Session, _ *message.Envelope) (*Reply, error) {
	userID := sess.UserID()
	if userID == 0 {
		return nil, errUnauthorized
	}
	deck, ok := s.world.Deck(userID)
	if !ok {
		return nil, &Fault{Code: "not_found", Message: "No user deck found"}
	}
	return &Reply{Type: "user_deck", Data: deck}, nil
}

func (s *Server) handleSwapCard(_ context.Context, sess *Session, env *message.Envelope) (*Reply, error) {
	userID := sess.UserID()
	if userID == 0 {
		return nil, errUnauthorized
	}
	var req message.SwapCardRequest
	if err := env.Decode(&req); err != nil {
		return nil, &Fault{Code: "invalid_payload", Message: "Invalid swap card format"}
	}
	deck, err := s.world.swap(userID, req.CardName, req.SlotIndex)
	if err != nil {
		return nil, err
	}
	return &Reply{Type: message.TypeSwapCard + "_success", Data: deck}, nil
}

// handleReleaseCard forwards the play to everyone in the caller's match. It
// never replies on success.
func (s *Server) handleReleaseCard(_ context.Context, sess *Session, env *message.Envelope) (*Reply, error) {
	userID := sess.UserID()
	if userID == 0 {
		return nil, errUnauthorized
	}
	var req message.ReleaseCardRequest
	if err := env.Decode(&req); err != nil {
		return nil, errBadPayload
	}
	if req.CardID < 0 || req.CardID >= store.DeckSize {
		return nil, &Fault{Code: "invalid_card", Message: "Card id must be between 0 and 7"}
	}
	members, ok := s.lobbies.matchOf(userID)
	if !ok {
		return nil, &Fault{Code: "not_in_game", Message: "No running match"}
	}
	played := message.CardPlayed{UserID: userID, CardID: req.CardID, X: req.X, Y: req.Y}
	for _, id := range members {
		if err := s.Push(id, message.TypeCardPlayed, played); err != nil {
			sess.logger.Debug("card_played push failed", zap.Int("user_id", id), zap.Error(err))
		}
	}
	return nil, nil
}
