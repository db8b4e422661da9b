package transport

import (
	"clash-session/loadbalance"
	"clash-session/message"
	"clash-session/registry"
	"clash-session/rpcerr"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// newTestServer runs serve for every accepted socket and returns the ws:// URL.
func newTestServer(t *testing.T, serve func(ws *websocket.Conn)) (string, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		serve(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), srv
}

// echo writes every frame back until the peer goes away.
func echo(ws *websocket.Conn) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := ws.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func collect(c *Conn) <-chan *message.Envelope {
	events := make(chan *message.Envelope, 32)
	c.SetHandler(func(env *message.Envelope) { events <- env })
	return events
}

func recv(t *testing.T, events <-chan *message.Envelope) *message.Envelope {
	t.Helper()
	select {
	case env := <-events:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestConnectSendReceive(t *testing.T) {
	url, _ := newTestServer(t, echo)
	c := NewConn(Params{Resolver: StaticResolver(url)})
	events := collect(c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()

	if env := recv(t, events); env.Type != message.TypeConnect {
		t.Fatalf("expect connect pseudo-event first, got %s", env.Type)
	}
	if c.State() != StateConnected || c.Addr() != url {
		t.Fatalf("unexpected state %s addr %s", c.State(), c.Addr())
	}

	out, _ := message.NewEnvelope("id-1", "get_user_deck", struct{}{})
	if err := c.Send(context.Background(), out); err != nil {
		t.Fatal(err)
	}
	in := recv(t, events)
	if in.ID != "id-1" || in.Type != "get_user_deck" {
		t.Fatalf("unexpected echo: %+v", in)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	var accepted atomic.Int32
	url, _ := newTestServer(t, func(ws *websocket.Conn) {
		accepted.Add(1)
		echo(ws)
	})
	c := NewConn(Params{Resolver: StaticResolver(url)})
	events := collect(c)
	defer c.Disconnect()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Connect(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	recv(t, events)
	select {
	case env := <-events:
		t.Fatalf("expect a single connect event, got extra %s", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
	if n := accepted.Load(); n != 1 {
		t.Fatalf("expect 1 socket, server accepted %d", n)
	}
}

func TestDisconnectDispatchesSynchronously(t *testing.T) {
	url, _ := newTestServer(t, echo)
	c := NewConn(Params{Resolver: StaticResolver(url)})

	var disconnects atomic.Int32
	var explicit atomic.Bool
	c.SetHandler(func(env *message.Envelope) {
		if env.Type != message.TypeDisconnect {
			return
		}
		var payload message.DisconnectPayload
		env.Decode(&payload)
		explicit.Store(payload.Explicit)
		disconnects.Add(1)
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Disconnect()

	if disconnects.Load() != 1 || !explicit.Load() {
		t.Fatalf("expect one explicit disconnect before return, got %d", disconnects.Load())
	}

	c.Disconnect()
	time.Sleep(50 * time.Millisecond)
	if disconnects.Load() != 1 {
		t.Fatalf("disconnect dispatched %d times", disconnects.Load())
	}

	err := c.Send(context.Background(), &message.Envelope{Type: "login"})
	if !errors.Is(err, rpcerr.ErrNotConnected) {
		t.Fatalf("expect ErrNotConnected, got %v", err)
	}
}

func TestServerCloseDispatchesDisconnect(t *testing.T) {
	url, _ := newTestServer(t, func(ws *websocket.Conn) {
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
	})
	c := NewConn(Params{Resolver: StaticResolver(url)})
	events := make(chan *message.Envelope, 8)

	// Disconnect from inside the handler must not deadlock.
	c.SetHandler(func(env *message.Envelope) {
		if env.Type == message.TypeDisconnect {
			c.Disconnect()
		}
		events <- env
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	recv(t, events)

	env := recv(t, events)
	if env.Type != message.TypeDisconnect {
		t.Fatalf("expect disconnect, got %s", env.Type)
	}
	var payload message.DisconnectPayload
	env.Decode(&payload)
	if payload.Explicit {
		t.Fatal("server close must not be explicit")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expect disconnected, got %s", c.State())
	}
}

func TestMalformedFrameReported(t *testing.T) {
	url, _ := newTestServer(t, func(ws *websocket.Conn) {
		ws.WriteMessage(websocket.TextMessage, []byte("not json"))
		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"game_end","data":{}}`))
		echo(ws)
	})
	c := NewConn(Params{Resolver: StaticResolver(url)})
	events := collect(c)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()

	recv(t, events)
	if env := recv(t, events); env.Type != "game_end" {
		t.Fatalf("expect game_end after malformed frame, got %s", env.Type)
	}

	select {
	case err := <-c.Errors():
		if !errors.Is(err, rpcerr.ErrProtocolViolation) {
			t.Fatalf("expect protocol violation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no error reported for malformed frame")
	}
}

func TestDialFailure(t *testing.T) {
	c := NewConn(Params{Resolver: StaticResolver("ws://127.0.0.1:1/ws")})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expect dial error")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expect disconnected after failed dial, got %s", c.State())
	}
	select {
	case <-c.Errors():
	case <-time.After(time.Second):
		t.Fatal("dial failure not reported")
	}
}

func TestDisconnectAbortsPendingConnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		echo(ws)
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := NewConn(Params{Resolver: StaticResolver(url)})
	events := collect(c)

	errs := make(chan error, 1)
	go func() { errs <- c.Connect(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, ErrConnectAborted) {
			t.Fatalf("expect ErrConnectAborted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expect disconnected, got %s", c.State())
	}
	select {
	case env := <-events:
		t.Fatalf("aborted connect must not dispatch %s", env.Type)
	case <-time.After(300 * time.Millisecond):
	}

	// The link is still usable on the next explicit Connect.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	if env := recv(t, events); env.Type != message.TypeConnect {
		t.Fatalf("expect connect, got %s", env.Type)
	}
	if c.State() != StateConnected {
		t.Fatalf("expect connected, got %s", c.State())
	}
}

func TestReconnectAfterUnexpectedClose(t *testing.T) {
	var accepted atomic.Int32
	url, _ := newTestServer(t, func(ws *websocket.Conn) {
		if accepted.Add(1) == 1 {
			return // drop the first link without a close frame
		}
		echo(ws)
	})
	c := NewConn(Params{
		Resolver:  StaticResolver(url),
		Reconnect: ReconnectPolicy{Enabled: true, MaxAttempts: 5, Min: 10 * time.Millisecond, Max: 50 * time.Millisecond},
	})
	events := collect(c)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()

	want := []string{message.TypeConnect, message.TypeDisconnect, message.TypeConnect}
	for _, typ := range want {
		if env := recv(t, events); env.Type != typ {
			t.Fatalf("expect %s, got %s", typ, env.Type)
		}
	}
	if c.State() != StateConnected {
		t.Fatalf("expect connected after reconnect, got %s", c.State())
	}
}

func TestRegistryResolver(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()
	reg.Register(ctx, "game", registry.ServiceInstance{Addr: "10.0.0.1:8080", Weight: 1}, 10)

	r := &RegistryResolver{Registry: reg, Balancer: loadbalance.NewAffinityBalancer("alice"), Service: "game"}
	got, err := r.Resolve(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != "ws://10.0.0.1:8080/ws" {
		t.Fatalf("unexpected url %s", got)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.Watch(watchCtx)
	reg.Deregister(ctx, "game", "10.0.0.1:8080")

	deadline := time.Now().Add(time.Second)
	for {
		_, err := r.Resolve(ctx)
		if errors.Is(err, loadbalance.ErrNoInstances) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watch did not pick up deregistration, last err %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
