package message

// LoginRequest is the data of a "login" request.
type LoginRequest struct {
	Gmail    string `json:"gmail"`
	Password string `json:"password"`
}

// RegisterRequest is the data of a "register" request.
type RegisterRequest struct {
	Gmail    string `json:"gmail"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ReLoginRequest is the data of a "re_login" request.
type ReLoginRequest struct {
	Token string `json:"token"`
}

// Credentials is returned by login, register and re_login.
type Credentials struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

// TowerInfo describes a king or guard tower. The king tower only carries a name.
type TowerInfo struct {
	Name  string `json:"name"`
	Level int    `json:"level,omitempty"`
	Count int    `json:"count,omitempty"`
}

// CardInfo is an owned card.
type CardInfo struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
	Count int    `json:"count"`
}

// DeckCard is a card placed in a deck slot. Index is 1-based on the wire.
type DeckCard struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// UserCards is the reply data of "get_user_cards".
type UserCards struct {
	UserID     int         `json:"user_id"`
	KingTower  []TowerInfo `json:"king_tower"`
	GuardTower []TowerInfo `json:"guard_tower"`
	Cards      []CardInfo  `json:"cards"`
}

// UserDeck is the reply data of "get_user_deck" and "swap_card".
type UserDeck struct {
	UserID     int        `json:"user_id"`
	KingTower  TowerInfo  `json:"king_tower"`
	GuardTower TowerInfo  `json:"guard_tower"`
	Cards      []DeckCard `json:"cards"`
}

// SwapCardRequest is the data of a "swap_card" request. SlotIndex is 1-based.
type SwapCardRequest struct {
	CardName  string `json:"card_name"`
	SlotIndex int    `json:"slot_index"`
}

// ReleaseCardRequest is the data of a "release_card" notification. CardID is
// the 0-based hand slot, unlike the 1-based swap index.
type ReleaseCardRequest struct {
	CardID int `json:"card_id"`
	X      int `json:"x"`
	Y      int `json:"y"`
}

// GameStart is pushed when a lobby is promoted to a match.
type GameStart struct {
	LobbyID  string `json:"lobby_id"`
	RoomType string `json:"type"`
}

// CardPlayed is pushed whenever a player in the match releases a card.
type CardPlayed struct {
	UserID int `json:"user_id"`
	CardID int `json:"card_id"`
	X      int `json:"x"`
	Y      int `json:"y"`
}

// GameEnd is pushed when the match is over.
type GameEnd struct {
	Winner string `json:"winner,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload is the data of "error" and "<op>_error" messages.
type ErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// DisconnectPayload is the data of the "disconnect" pseudo-event.
type DisconnectPayload struct {
	Reason   string `json:"reason"`
	Explicit bool   `json:"explicit"`
}
