package auth

import (
	"clash-session/message"
	"clash-session/router"
	"clash-session/rpcerr"
	"clash-session/store"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeConn dispatches "connect" through the router like the real transport.
type fakeConn struct {
	mu          sync.Mutex
	router      *router.Router
	connected   bool
	connects    int
	disconnects int
	err         error
}

func (f *fakeConn) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return f.err
	}
	if f.connected {
		f.mu.Unlock()
		return nil
	}
	f.connected = true
	f.connects++
	f.mu.Unlock()
	f.router.Dispatch(&message.Envelope{Type: message.TypeConnect})
	return nil
}

func (f *fakeConn) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
	return nil
}

type handlerFunc func(args any) (any, error)

// fakeCaller answers each operation with a canned handler.
type fakeCaller struct {
	mu       sync.Mutex
	handlers map[string]handlerFunc
	calls    []string
}

func (f *fakeCaller) Call(ctx context.Context, op string, args any, reply any, timeout time.Duration) error {
	f.mu.Lock()
	h := f.handlers[op]
	f.calls = append(f.calls, op)
	f.mu.Unlock()
	if h == nil {
		return &rpcerr.Timeout{Operation: op, After: timeout}
	}
	result, err := h(args)
	if err != nil {
		return err
	}
	data, _ := json.Marshal(result)
	return json.Unmarshal(data, reply)
}

func (f *fakeCaller) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

type fixture struct {
	router  *router.Router
	conn    *fakeConn
	caller  *fakeCaller
	store   *store.Store
	persist *store.MemoryPersistence
	ctrl    *Controller
}

func newFixture(t *testing.T, persisted *store.Session) *fixture {
	t.Helper()
	r := router.NewRouter(nil)
	persist := &store.MemoryPersistence{}
	if persisted != nil {
		persist.Save(*persisted)
	}
	f := &fixture{
		router:  r,
		conn:    &fakeConn{router: r},
		caller:  &fakeCaller{handlers: map[string]handlerFunc{}},
		persist: persist,
		store:   store.NewStore(persist, nil),
	}
	f.ctrl = NewController(f.conn, f.caller, f.store, r, Options{Timeout: time.Second})
	return f
}

func credentials(token, username string) handlerFunc {
	return func(any) (any, error) {
		return message.Credentials{Token: token, Username: username}, nil
	}
}

func rejected(op, msg string) handlerFunc {
	return func(any) (any, error) {
		return nil, &rpcerr.RemoteRejected{Operation: op, Code: "invalid_credentials", Message: msg}
	}
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for c.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expect state %s, got %s", want, c.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t, nil)
	f.caller.handlers[message.TypeLogin] = func(args any) (any, error) {
		req := args.(*message.LoginRequest)
		if req.Gmail != "a@x.com" || req.Password != "pw" {
			return nil, &rpcerr.RemoteRejected{Operation: "login", Message: "bad args"}
		}
		return message.Credentials{Token: "T1", Username: "alice"}, nil
	}

	if err := f.ctrl.Login(context.Background(), "a@x.com", "pw"); err != nil {
		t.Fatal(err)
	}

	if f.ctrl.State() != StateAuthenticated {
		t.Fatalf("expect authenticated, got %s", f.ctrl.State())
	}
	auth := f.store.Snapshot().Auth
	if !auth.Authenticated || auth.Token != "T1" || auth.Username != "alice" || auth.Loading {
		t.Fatalf("unexpected auth state %+v", auth)
	}
	if saved, _ := f.persist.Load(); saved == nil || saved.Token != "T1" {
		t.Fatal("session not persisted")
	}
	if f.conn.connects != 1 {
		t.Fatalf("expect one connect, got %d", f.conn.connects)
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t, nil)
	f.caller.handlers[message.TypeRegister] = credentials("T2", "bob")

	if err := f.ctrl.Register(context.Background(), "b@x.com", "bob", "pw"); err != nil {
		t.Fatal(err)
	}
	if auth := f.store.Snapshot().Auth; auth.Username != "bob" || !auth.Authenticated {
		t.Fatalf("unexpected auth state %+v", auth)
	}
}

func TestLoginFailureKeepsPreviousSession(t *testing.T) {
	f := newFixture(t, nil)
	f.caller.handlers[message.TypeLogin] = credentials("T1", "alice")
	if err := f.ctrl.Login(context.Background(), "a@x.com", "pw"); err != nil {
		t.Fatal(err)
	}

	f.caller.handlers[message.TypeLogin] = rejected("login", "Invalid username or password")
	err := f.ctrl.Login(context.Background(), "a@x.com", "wrong")
	if !errors.Is(err, rpcerr.ErrRemoteRejected) {
		t.Fatalf("expect rejection, got %v", err)
	}

	if f.ctrl.State() != StateAuthenticated {
		t.Fatalf("failed login must restore previous state, got %s", f.ctrl.State())
	}
	auth := f.store.Snapshot().Auth
	if auth.Token != "T1" || auth.Error != "Invalid username or password" || auth.Loading {
		t.Fatalf("unexpected auth state %+v", auth)
	}
}

func TestLoginTimeoutMessage(t *testing.T) {
	f := newFixture(t, nil)

	err := f.ctrl.Login(context.Background(), "a@x.com", "pw")
	if !errors.Is(err, rpcerr.ErrTimeout) {
		t.Fatalf("expect timeout, got %v", err)
	}
	if f.ctrl.State() != StateAnonymous {
		t.Fatalf("expect anonymous, got %s", f.ctrl.State())
	}
	if got := f.store.Snapshot().Auth.Error; got != "request timed out" {
		t.Fatalf("unexpected auth error %q", got)
	}
}

func TestLoginConnectFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.conn.err = &rpcerr.ConnectionLost{Operation: "dial"}

	if err := f.ctrl.Login(context.Background(), "a@x.com", "pw"); !errors.Is(err, rpcerr.ErrConnectionLost) {
		t.Fatalf("expect connection error, got %v", err)
	}
	if got := f.store.Snapshot().Auth.Error; got != "connection lost" {
		t.Fatalf("unexpected auth error %q", got)
	}
	if f.caller.count(message.TypeLogin) != 0 {
		t.Fatal("login must not be sent without a connection")
	}
}

func TestSecondAuthWhileInFlight(t *testing.T) {
	f := newFixture(t, nil)
	release := make(chan struct{})
	entered := make(chan struct{})
	f.caller.handlers[message.TypeLogin] = func(any) (any, error) {
		close(entered)
		<-release
		return message.Credentials{Token: "T1", Username: "alice"}, nil
	}

	errs := make(chan error, 1)
	go func() { errs <- f.ctrl.Login(context.Background(), "a@x.com", "pw") }()
	<-entered

	if err := f.ctrl.Register(context.Background(), "b@x.com", "bob", "pw"); !errors.Is(err, ErrAuthInProgress) {
		t.Fatalf("expect ErrAuthInProgress, got %v", err)
	}
	if err := f.ctrl.ReLogin(context.Background(), "T9"); !errors.Is(err, ErrAuthInProgress) {
		t.Fatalf("expect ErrAuthInProgress, got %v", err)
	}

	close(release)
	if err := <-errs; err != nil {
		t.Fatal(err)
	}
	if auth := f.store.Snapshot().Auth; auth.Username != "alice" {
		t.Fatalf("unexpected auth state %+v", auth)
	}
}

func TestReLoginValid(t *testing.T) {
	f := newFixture(t, nil)
	f.caller.handlers[message.TypeReLogin] = func(args any) (any, error) {
		if args.(*message.ReLoginRequest).Token != "T1" {
			return nil, &rpcerr.RemoteRejected{Operation: "re_login", Message: "invalid token"}
		}
		return message.Credentials{Token: "T1", Username: "alice"}, nil
	}

	if err := f.ctrl.ReLogin(context.Background(), "T1"); err != nil {
		t.Fatal(err)
	}
	auth := f.store.Snapshot().Auth
	if f.ctrl.State() != StateAuthenticated || !auth.Authenticated || auth.Token != "T1" || auth.Username != "alice" {
		t.Fatalf("unexpected state %s / %+v", f.ctrl.State(), auth)
	}
}

func TestReLoginInvalidDemotes(t *testing.T) {
	f := newFixture(t, &store.Session{Token: "stale", Username: "alice"})
	f.caller.handlers[message.TypeReLogin] = rejected("re_login", "invalid token")

	if err := f.ctrl.ReLogin(context.Background(), "stale"); !errors.Is(err, rpcerr.ErrRemoteRejected) {
		t.Fatalf("expect rejection, got %v", err)
	}
	if f.ctrl.State() != StateAnonymous {
		t.Fatalf("expect anonymous, got %s", f.ctrl.State())
	}
	if auth := f.store.Snapshot().Auth; auth.Authenticated || auth.Token != "" {
		t.Fatalf("session not cleared: %+v", auth)
	}
	if saved, _ := f.persist.Load(); saved != nil {
		t.Fatal("persisted session not removed")
	}
}

func TestAutoReLoginOnConnect(t *testing.T) {
	f := newFixture(t, &store.Session{Token: "T1", Username: "alice"})
	f.caller.handlers[message.TypeReLogin] = credentials("T1", "alice")

	if err := f.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, f.ctrl, StateAuthenticated)

	if !f.store.Snapshot().Auth.Authenticated {
		t.Fatal("store not authenticated after automatic re-login")
	}
	if n := f.caller.count(message.TypeReLogin); n != 1 {
		t.Fatalf("expect one re_login, got %d", n)
	}
}

func TestLoginDoesNotTriggerAutoReLogin(t *testing.T) {
	f := newFixture(t, &store.Session{Token: "T0", Username: "old"})
	f.caller.handlers[message.TypeLogin] = credentials("T1", "alice")
	f.caller.handlers[message.TypeReLogin] = credentials("T0", "old")

	if err := f.ctrl.Login(context.Background(), "a@x.com", "pw"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	if n := f.caller.count(message.TypeReLogin); n != 0 {
		t.Fatalf("login's own connect must not replay the old token, got %d re_login", n)
	}
	if auth := f.store.Snapshot().Auth; auth.Username != "alice" {
		t.Fatalf("unexpected auth state %+v", auth)
	}
}

func TestResume(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.ctrl.Resume(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expect ErrNoSession, got %v", err)
	}

	f = newFixture(t, &store.Session{Token: "T1", Username: "alice"})
	f.caller.handlers[message.TypeReLogin] = credentials("T1", "alice")
	if err := f.ctrl.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.ctrl.State() != StateAuthenticated {
		t.Fatalf("expect authenticated, got %s", f.ctrl.State())
	}
	if n := f.caller.count(message.TypeReLogin); n != 1 {
		t.Fatalf("expect exactly one re_login, got %d", n)
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t, nil)
	f.caller.handlers[message.TypeLogin] = credentials("T1", "alice")
	f.ctrl.Login(context.Background(), "a@x.com", "pw")

	if err := f.ctrl.Logout(); err != nil {
		t.Fatal(err)
	}
	if f.ctrl.State() != StateAnonymous || f.conn.disconnects != 1 {
		t.Fatalf("unexpected state %s, disconnects %d", f.ctrl.State(), f.conn.disconnects)
	}
	if auth := f.store.Snapshot().Auth; auth.Authenticated || auth.Token != "" {
		t.Fatalf("session not cleared: %+v", auth)
	}
}

func TestLogoutAbandonsFailingLogin(t *testing.T) {
	f := newFixture(t, nil)
	f.caller.handlers[message.TypeLogin] = credentials("T1", "alice")
	if err := f.ctrl.Login(context.Background(), "a@x.com", "pw"); err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	entered := make(chan struct{})
	f.caller.handlers[message.TypeLogin] = func(any) (any, error) {
		close(entered)
		<-release
		return nil, &rpcerr.ConnectionLost{Operation: "login"}
	}
	errs := make(chan error, 1)
	go func() { errs <- f.ctrl.Login(context.Background(), "a@x.com", "pw") }()
	<-entered

	if err := f.ctrl.Logout(); err != nil {
		t.Fatal(err)
	}
	close(release)
	if err := <-errs; !errors.Is(err, rpcerr.ErrConnectionLost) {
		t.Fatalf("expect connection lost, got %v", err)
	}

	if f.ctrl.State() != StateAnonymous {
		t.Fatalf("logout must win over a failing login, got %s", f.ctrl.State())
	}
	if auth := f.store.Snapshot().Auth; auth.Authenticated || auth.Token != "" || auth.Error != "" {
		t.Fatalf("session resurrected: %+v", auth)
	}
}

func TestLogoutDiscardsLateCredentials(t *testing.T) {
	f := newFixture(t, nil)
	release := make(chan struct{})
	entered := make(chan struct{})
	f.caller.handlers[message.TypeRegister] = func(any) (any, error) {
		close(entered)
		<-release
		return message.Credentials{Token: "T2", Username: "bob"}, nil
	}
	errs := make(chan error, 1)
	go func() { errs <- f.ctrl.Register(context.Background(), "b@x.com", "bob", "pw") }()
	<-entered

	if err := f.ctrl.Logout(); err != nil {
		t.Fatal(err)
	}
	close(release)
	if err := <-errs; !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("expect ErrLoggedOut, got %v", err)
	}

	if f.ctrl.State() != StateAnonymous {
		t.Fatalf("expect anonymous, got %s", f.ctrl.State())
	}
	if auth := f.store.Snapshot().Auth; auth.Authenticated || auth.Token != "" {
		t.Fatalf("late credentials applied: %+v", auth)
	}
	if saved, _ := f.persist.Load(); saved != nil {
		t.Fatal("late credentials persisted")
	}

	// A fresh exchange after logout still works.
	f.caller.handlers[message.TypeLogin] = credentials("T1", "alice")
	if err := f.ctrl.Login(context.Background(), "a@x.com", "pw"); err != nil {
		t.Fatal(err)
	}
	if f.ctrl.State() != StateAuthenticated {
		t.Fatalf("expect authenticated, got %s", f.ctrl.State())
	}
}
