package server

import (
	"clash-session/message"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errRoomType   = &Fault{Code: "invalid_room_type", Message: "Room type must be 1v1 or 2v2"}
	errNoLobby    = &Fault{Code: "lobby_not_found", Message: "Lobby not found"}
	errLobbyFull  = &Fault{Code: "join_failed", Message: "Could not join lobby"}
	errNotInLobby = &Fault{Code: "not_in_lobby", Message: "User is not in this lobby"}
)

type lobbyRequest struct {
	RoomType string `json:"room_type"`
	LobbyID  string `json:"lobby_id"`
}

type lobbyReply struct {
	LobbyID  string `json:"lobby_id"`
	RoomType string `json:"type"`
	Slot     int    `json:"slot"`
}

type room struct {
	id      string
	typ     string
	match   bool // open to matchmaking
	members []int
	started bool
}

func capacity(roomType string) int {
	switch roomType {
	case "1v1":
		return 2
	case "2v2":
		return 4
	default:
		return 0
	}
}

type lobbies struct {
	mu     sync.Mutex
	rooms  map[string]*room
	byUser map[int]string
}

func newLobbies() *lobbies {
	return &lobbies{rooms: make(map[string]*room), byUser: make(map[int]string)}
}

// enter puts the user into r and reports the slot and, when r just filled up,
// the members to start the match with.
func (l *lobbies) enterLocked(r *room, userID int) (slot int, start []int, err error) {
	if prev, ok := l.byUser[userID]; ok && prev != r.id {
		l.removeLocked(prev, userID)
	}
	if i := slices.Index(r.members, userID); i >= 0 {
		return i, nil, nil
	}
	if r.started || len(r.members) >= capacity(r.typ) {
		return 0, nil, errLobbyFull
	}
	r.members = append(r.members, userID)
	l.byUser[userID] = r.id
	slot = len(r.members) - 1
	if len(r.members) == capacity(r.typ) {
		r.started = true
		start = slices.Clone(r.members)
	}
	return slot, start, nil
}

func (l *lobbies) create(userID int, roomType string, match bool) (*room, int, []int, error) {
	if capacity(roomType) == 0 {
		return nil, 0, nil, errRoomType
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r := &room{id: uuid.NewString(), typ: roomType, match: match}
	l.rooms[r.id] = r
	slot, start, err := l.enterLocked(r, userID)
	return r, slot, start, err
}

func (l *lobbies) join(userID int, lobbyID string) (*room, int, []int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rooms[lobbyID]
	if !ok {
		return nil, 0, nil, errNoLobby
	}
	slot, start, err := l.enterLocked(r, userID)
	return r, slot, start, err
}

// matchmake joins the first open matchmaking room of the type or opens one.
func (l *lobbies) matchmake(userID int, roomType string) (*room, int, []int, error) {
	if capacity(roomType) == 0 {
		return nil, 0, nil, errRoomType
	}
	l.mu.Lock()
	for _, r := range l.rooms {
		if r.match && r.typ == roomType && !r.started && len(r.members) < capacity(r.typ) {
			slot, start, err := l.enterLocked(r, userID)
			l.mu.Unlock()
			return r, slot, start, err
		}
	}
	l.mu.Unlock()
	return l.create(userID, roomType, true)
}

func (l *lobbies) leave(userID int, lobbyID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byUser[userID] != lobbyID {
		return errNotInLobby
	}
	l.removeLocked(lobbyID, userID)
	return nil
}

func (l *lobbies) leaveAll(userID int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.byUser[userID]; ok {
		l.removeLocked(id, userID)
	}
}

func (l *lobbies) removeLocked(lobbyID string, userID int) {
	delete(l.byUser, userID)
	r, ok := l.rooms[lobbyID]
	if !ok {
		return
	}
	r.members = slices.DeleteFunc(r.members, func(id int) bool { return id == userID })
	if len(r.members) == 0 {
		delete(l.rooms, lobbyID)
	}
}

// matchOf returns the members of the running match the user is in.
func (l *lobbies) matchOf(userID int) ([]int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rooms[l.byUser[userID]]
	if !ok || !r.started {
		return nil, false
	}
	return slices.Clone(r.members), true
}

func (l *lobbies) end(lobbyID string) ([]int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rooms[lobbyID]
	if !ok {
		return nil, false
	}
	delete(l.rooms, lobbyID)
	for _, id := range r.members {
		delete(l.byUser, id)
	}
	return r.members, true
}

// EndGame pushes game_end to every member of the lobby and closes it.
func (s *Server) EndGame(lobbyID, winner, reason string) error {
	members, ok := s.lobbies.end(lobbyID)
	if !ok {
		return errNoLobby
	}
	for _, id := range members {
		if err := s.Push(id, message.TypeGameEnd, message.GameEnd{Winner: winner, Reason: reason}); err != nil {
			s.logger.Debug("game_end push failed", zap.Int("user_id", id), zap.Error(err))
		}
	}
	return nil
}

func (s *Server) startMatch(r *room, members []int) {
	for _, id := range members {
		if err := s.Push(id, message.TypeGameStart, message.GameStart{LobbyID: r.id, RoomType: r.typ}); err != nil {
			s.logger.Debug("game_start push failed", zap.Int("user_id", id), zap.Error(err))
		}
	}
	s.logger.Info("match started", zap.String("lobby_id", r.id), zap.Ints("members", members))
}

type lobbyOp func(userID int, req lobbyRequest) (*room, int, []int, error)

func (s *Server) lobbyCreate(w http.ResponseWriter, r *http.Request) {
	s.serveLobby(w, r, func(userID int, req lobbyRequest) (*room, int, []int, error) {
		return s.lobbies.create(userID, req.RoomType, false)
	})
}

func (s *Server) lobbyJoin(w http.ResponseWriter, r *http.Request) {
	s.serveLobby(w, r, func(userID int, req lobbyRequest) (*room, int, []int, error) {
		if req.LobbyID == "" {
			return nil, 0, nil, &Fault{Code: "invalid_data", Message: "Missing or invalid lobby ID"}
		}
		return s.lobbies.join(userID, req.LobbyID)
	})
}

func (s *Server) lobbyMatch(w http.ResponseWriter, r *http.Request) {
	s.serveLobby(w, r, func(userID int, req lobbyRequest) (*room, int, []int, error) {
		return s.lobbies.matchmake(userID, req.RoomType)
	})
}

func (s *Server) lobbyLeave(w http.ResponseWriter, r *http.Request) {
	userID, req, ok := s.lobbyPreamble(w, r)
	if !ok {
		return
	}
	if err := s.lobbies.leave(userID, req.LobbyID); err != nil {
		writeFault(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (s *Server) serveLobby(w http.ResponseWriter, r *http.Request, op lobbyOp) {
	userID, req, ok := s.lobbyPreamble(w, r)
	if !ok {
		return
	}
	rm, slot, start, err := op(userID, req)
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, errNoLobby) {
			status = http.StatusNotFound
		} else if errors.Is(err, errRoomType) {
			status = http.StatusBadRequest
		}
		writeFault(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, lobbyReply{LobbyID: rm.id, RoomType: rm.typ, Slot: slot})
	if start != nil {
		s.startMatch(rm, start)
	}
}

func (s *Server) lobbyPreamble(w http.ResponseWriter, r *http.Request) (int, lobbyRequest, bool) {
	var req lobbyRequest
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	acc, ok := s.world.UserByToken(token)
	if !found || !ok {
		writeFault(w, http.StatusUnauthorized, errUnauthorized)
		return 0, req, false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeFault(w, http.StatusBadRequest, &Fault{Code: "invalid_data", Message: "Invalid lobby request"})
		return 0, req, false
	}
	return acc.ID, req, true
}

func writeFault(w http.ResponseWriter, status int, err error) {
	var fault *Fault
	if !errors.As(err, &fault) {
		fault = &Fault{Code: "server_error", Message: err.Error()}
	}
	writeJSON(w, status, message.ErrorPayload{Error: fault.Code, Message: fault.Message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
