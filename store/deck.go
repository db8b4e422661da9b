package store

import (
	"errors"
	"fmt"
)

// DeckSize is the number of card slots in a deck.
const DeckSize = 8

var (
	ErrInvalidSlot   = errors.New("slot must be between 0 and 7")
	ErrInvalidDeck   = errors.New("invalid deck")
	ErrDuplicateCard = errors.New("card already in deck")
	ErrNoChange      = errors.New("card already in that slot")
)

// DeckSlot is one of the eight card positions. Slot is 0-based.
type DeckSlot struct {
	Slot  int
	Name  string
	Level int
}

// Deck is the active deck: towers plus exactly eight slots, slot i at index i.
type Deck struct {
	UserID     int
	KingTower  Tower
	GuardTower Tower
	Slots      []DeckSlot
}

// ValidSlot reports whether slot addresses a deck position.
func ValidSlot(slot int) bool {
	return slot >= 0 && slot < DeckSize
}

// Validate checks the deck invariant: eight slots, each in 0..7 and at its own
// index, with no card placed twice.
func (d *Deck) Validate() error {
	if len(d.Slots) != DeckSize {
		return fmt.Errorf("%w: %d slots, want %d", ErrInvalidDeck, len(d.Slots), DeckSize)
	}
	names := make(map[string]int, DeckSize)
	for i, s := range d.Slots {
		if s.Slot != i {
			return fmt.Errorf("%w: slot %d at index %d", ErrInvalidDeck, s.Slot, i)
		}
		if s.Name == "" {
			return fmt.Errorf("%w: slot %d is empty", ErrInvalidDeck, i)
		}
		if prev, dup := names[s.Name]; dup {
			return fmt.Errorf("%w: %s in slots %d and %d", ErrInvalidDeck, s.Name, prev, i)
		}
		names[s.Name] = i
	}
	return nil
}

// Swap returns a copy of the deck with card placed at slot. The receiver is
// left untouched.
func (d *Deck) Swap(slot int, card Card) (Deck, error) {
	if !ValidSlot(slot) || slot >= len(d.Slots) {
		return Deck{}, ErrInvalidSlot
	}
	for _, s := range d.Slots {
		if s.Name != card.Name {
			continue
		}
		if s.Slot == slot {
			return Deck{}, ErrNoChange
		}
		return Deck{}, fmt.Errorf("%w: %s is in slot %d", ErrDuplicateCard, card.Name, s.Slot)
	}

	out := d.clone()
	out.Slots[slot] = DeckSlot{Slot: slot, Name: card.Name, Level: card.Level}
	return out, nil
}

// Card returns the card at slot.
func (d *Deck) Card(slot int) (DeckSlot, bool) {
	if slot < 0 || slot >= len(d.Slots) {
		return DeckSlot{}, false
	}
	return d.Slots[slot], true
}

func (d Deck) clone() Deck {
	d.Slots = append([]DeckSlot(nil), d.Slots...)
	return d
}
