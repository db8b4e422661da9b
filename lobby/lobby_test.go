package lobby

import (
	"clash-session/rpcerr"
	"clash-session/store"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func newLobbyServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Authorization") != "Bearer T1" {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": "User not logged in"})
				return
			}
			next(w, req)
		}
	}
	reply := func(w http.ResponseWriter, lobby Lobby) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(lobby)
	}

	r.Post("/lobby/create", auth(func(w http.ResponseWriter, req *http.Request) {
		var body Request
		json.NewDecoder(req.Body).Decode(&body)
		reply(w, Lobby{ID: "L1", RoomType: body.RoomType, Slot: 0})
	}))
	r.Post("/lobby/join", auth(func(w http.ResponseWriter, req *http.Request) {
		var body Request
		json.NewDecoder(req.Body).Decode(&body)
		if body.LobbyID != "L1" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "join_failed", "message": "Could not join lobby"})
			return
		}
		reply(w, Lobby{ID: body.LobbyID, RoomType: body.RoomType, Slot: 1})
	}))
	r.Post("/lobby/match", auth(func(w http.ResponseWriter, req *http.Request) {
		reply(w, Lobby{ID: "M1", RoomType: Room1v1, Slot: 0})
	}))
	r.Post("/lobby/leave", auth(func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"lobby_id": "L1"})
	}))
	r.Post("/lobby/slow", func(w http.ResponseWriter, req *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, token string) (*Client, *store.Store) {
	srv := newLobbyServer(t)
	st := store.NewStore(nil, nil)
	if token != "" {
		st.SetCredentials(token, "alice")
	}
	return NewClient(srv.URL, StoreToken(st), st, Options{}), st
}

func TestCreateAndLeave(t *testing.T) {
	c, st := newTestClient(t, "T1")

	lobby, err := c.Create(context.Background(), Room2v2)
	if err != nil {
		t.Fatal(err)
	}
	if lobby.ID != "L1" || lobby.RoomType != Room2v2 {
		t.Fatalf("unexpected lobby %+v", lobby)
	}
	if got := st.Snapshot().Game.LobbyID; got != "L1" {
		t.Fatalf("lobby not stored, got %q", got)
	}

	if err := c.Leave(context.Background(), "L1"); err != nil {
		t.Fatal(err)
	}
	if game := st.Snapshot().Game; game.LobbyID != "" || game.Status != store.StatusIdle {
		t.Fatalf("leave did not reset the game: %+v", game)
	}
}

func TestMatchStartsSearching(t *testing.T) {
	c, st := newTestClient(t, "T1")

	if _, err := c.Match(context.Background(), Room1v1); err != nil {
		t.Fatal(err)
	}
	game := st.Snapshot().Game
	if game.LobbyID != "M1" || game.Status != store.StatusSearching {
		t.Fatalf("unexpected game %+v", game)
	}
}

func TestJoinRejected(t *testing.T) {
	c, st := newTestClient(t, "T1")

	_, err := c.Join(context.Background(), "nope", Room1v1)
	var rejected *rpcerr.RemoteRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("expect RemoteRejected, got %v", err)
	}
	if rejected.Operation != OpJoin || rejected.Code != "join_failed" {
		t.Fatalf("unexpected rejection %+v", rejected)
	}
	if got := st.Snapshot().Game.Error; got != "Could not join lobby" {
		t.Fatalf("unexpected game error %q", got)
	}
}

func TestUnauthenticated(t *testing.T) {
	c, _ := newTestClient(t, "")

	_, err := c.Create(context.Background(), Room1v1)
	var rejected *rpcerr.RemoteRejected
	if !errors.As(err, &rejected) || rejected.Code != "unauthorized" {
		t.Fatalf("expect unauthorized rejection, got %v", err)
	}
}

func TestTimeout(t *testing.T) {
	srv := newLobbyServer(t)
	c := NewClient(srv.URL, nil, store.NewStore(nil, nil), Options{Timeout: 50 * time.Millisecond})

	err := c.do(context.Background(), "slow", "/lobby/slow", Request{}, nil)
	var timeout *rpcerr.Timeout
	if !errors.As(err, &timeout) || timeout.After != 50*time.Millisecond {
		t.Fatalf("expect Timeout, got %v", err)
	}
}

func TestServerUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", nil, store.NewStore(nil, nil), Options{})
	if _, err := c.Match(context.Background(), Room1v1); !errors.Is(err, rpcerr.ErrConnectionLost) {
		t.Fatalf("expect ConnectionLost, got %v", err)
	}
}
