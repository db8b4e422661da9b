// Package game implements the account and deck operations and keeps the
// store in step with match pushes from the server.
package game

import (
	"clash-session/message"
	"clash-session/rpcerr"
	"clash-session/store"
	"context"
	"time"

	"go.uber.org/zap"
)

// Caller is the request/response side of the client.
type Caller interface {
	Call(ctx context.Context, op string, args any, reply any, timeout time.Duration) error
	Notify(ctx context.Context, op string, args any) error
}

type Options struct {
	Timeout time.Duration // per request; 0 uses the caller's default
	Logger  *zap.Logger

	// OnCardPlayed receives every card_played push, on the connection goroutine.
	OnCardPlayed func(message.CardPlayed)
}

type Service struct {
	rpc    Caller
	store  *store.Store
	opts   Options
	logger *zap.Logger
}

func NewService(rpc Caller, st *store.Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		rpc:    rpc,
		store:  st,
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "game")),
	}
}

// GetUserCards fetches the player's collection into the store.
func (s *Service) GetUserCards(ctx context.Context) (store.Collection, error) {
	var reply message.UserCards
	if err := s.rpc.Call(ctx, message.TypeGetUserCards, struct{}{}, &reply, s.opts.Timeout); err != nil {
		return store.Collection{}, s.fail(err)
	}
	collection := collectionFromWire(reply)
	s.store.SetUserCards(collection)
	return collection, nil
}

// GetUserDeck fetches the active deck into the store.
func (s *Service) GetUserDeck(ctx context.Context) (store.Deck, error) {
	var reply message.UserDeck
	if err := s.rpc.Call(ctx, message.TypeGetUserDeck, struct{}{}, &reply, s.opts.Timeout); err != nil {
		return store.Deck{}, s.fail(err)
	}
	return s.storeDeck(message.TypeGetUserDeck, reply)
}

// SwapCard puts card into slot (0..7) and stores the deck the server returns.
func (s *Service) SwapCard(ctx context.Context, card string, slot int) (store.Deck, error) {
	if !store.ValidSlot(slot) {
		return store.Deck{}, store.ErrInvalidSlot
	}
	args := &message.SwapCardRequest{CardName: card, SlotIndex: slot + 1}

	var reply message.UserDeck
	if err := s.rpc.Call(ctx, message.TypeSwapCard, args, &reply, s.opts.Timeout); err != nil {
		return store.Deck{}, s.fail(err)
	}
	return s.storeDeck(message.TypeSwapCard, reply)
}

// ReleaseCard plays the card in slot at (x, y). The server does not confirm
// it; a rejection comes back as an "error" push.
func (s *Service) ReleaseCard(ctx context.Context, slot, x, y int) error {
	if !store.ValidSlot(slot) {
		return store.ErrInvalidSlot
	}
	args := &message.ReleaseCardRequest{CardID: slot, X: x, Y: y}
	if err := s.rpc.Notify(ctx, message.TypeReleaseCard, args); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Service) storeDeck(op string, reply message.UserDeck) (store.Deck, error) {
	deck := deckFromWire(reply)
	if err := s.store.SetUserDeck(deck); err != nil {
		violation := &rpcerr.ProtocolViolation{Type: op, Reason: err.Error()}
		s.logger.Warn("server sent an invalid deck", zap.Error(violation))
		return store.Deck{}, s.fail(&rpcerr.RemoteRejected{
			Operation: op,
			Code:      "invalid_deck",
			Message:   "server sent an invalid deck",
			Cause:     violation,
		})
	}
	return deck, nil
}

func (s *Service) fail(err error) error {
	s.store.SetError(rpcerr.UserMessage(err))
	return err
}

func collectionFromWire(w message.UserCards) store.Collection {
	c := store.Collection{UserID: w.UserID, Cards: make(map[string]store.Card, len(w.Cards))}
	for _, t := range w.KingTower {
		c.KingTowers = append(c.KingTowers, store.Tower{Name: t.Name, Level: t.Level, Count: t.Count})
	}
	for _, t := range w.GuardTower {
		c.GuardTowers = append(c.GuardTowers, store.Tower{Name: t.Name, Level: t.Level, Count: t.Count})
	}
	for _, card := range w.Cards {
		c.Cards[card.Name] = store.Card{Name: card.Name, Level: card.Level, Count: card.Count}
	}
	return c
}

// deckFromWire converts the server's 1-based indices to slots. Cards are
// placed by index, so out-of-order or missing entries fail validation.
func deckFromWire(w message.UserDeck) store.Deck {
	d := store.Deck{
		UserID:     w.UserID,
		KingTower:  store.Tower{Name: w.KingTower.Name, Level: w.KingTower.Level},
		GuardTower: store.Tower{Name: w.GuardTower.Name, Level: w.GuardTower.Level},
	}
	if len(w.Cards) != store.DeckSize {
		for _, card := range w.Cards {
			d.Slots = append(d.Slots, store.DeckSlot{Slot: card.Index - 1, Name: card.Name, Level: card.Level})
		}
		return d
	}
	d.Slots = make([]store.DeckSlot, store.DeckSize)
	for i := range d.Slots {
		d.Slots[i].Slot = -1
	}
	for _, card := range w.Cards {
		slot := card.Index - 1
		if !store.ValidSlot(slot) {
			continue
		}
		d.Slots[slot] = store.DeckSlot{Slot: slot, Name: card.Name, Level: card.Level}
	}
	return d
}
