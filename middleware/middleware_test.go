package middleware

import (
	"clash-session/message"
	"clash-session/rpcerr"
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func echoInvoker(ctx context.Context, req *message.Request) (*message.Envelope, error) {
	return &message.Envelope{Type: req.Operation + "_success"}, nil
}

// flakyInvoker fails with err for the first n calls.
func flakyInvoker(n int, err error, calls *int) Invoker {
	return func(ctx context.Context, req *message.Request) (*message.Envelope, error) {
		*calls++
		if *calls <= n {
			return nil, err
		}
		return &message.Envelope{Type: req.Operation + "_success"}, nil
	}
}

func TestLogging(t *testing.T) {
	invoke := LoggingMiddleware(nil)(echoInvoker)

	reply, err := invoke(context.Background(), &message.Request{Operation: "get_user_deck"})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Type != "get_user_deck_success" {
		t.Fatalf("unexpected reply %s", reply.Type)
	}
}

func TestTimeoutCapsRequest(t *testing.T) {
	var seen []time.Duration
	record := func(ctx context.Context, req *message.Request) (*message.Envelope, error) {
		seen = append(seen, req.Timeout)
		return &message.Envelope{}, nil
	}
	invoke := TimeoutMiddleware(time.Second)(record)

	original := &message.Request{Operation: "login", Timeout: 10 * time.Second}
	invoke(context.Background(), original)
	invoke(context.Background(), &message.Request{Operation: "login"})
	invoke(context.Background(), &message.Request{Operation: "login", Timeout: 200 * time.Millisecond})

	want := []time.Duration{time.Second, time.Second, 200 * time.Millisecond}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("expect %v, got %v", want, seen)
	}
	if original.Timeout != 10*time.Second {
		t.Fatal("caller's request must not be modified")
	}
}

func TestRetryIdempotent(t *testing.T) {
	calls := 0
	invoke := RetryMiddleware(3, time.Millisecond, nil, "get_user_deck")(
		flakyInvoker(2, &rpcerr.ConnectionLost{Operation: "get_user_deck", Cause: rpcerr.ErrNotConnected}, &calls))

	if _, err := invoke(context.Background(), &message.Request{Operation: "get_user_deck"}); err != nil {
		t.Fatalf("expect success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expect 3 calls, got %d", calls)
	}
}

func TestRetrySkipsNonIdempotent(t *testing.T) {
	calls := 0
	invoke := RetryMiddleware(3, time.Millisecond, nil, "get_user_deck")(
		flakyInvoker(1, &rpcerr.ConnectionLost{Operation: "swap_card"}, &calls))

	_, err := invoke(context.Background(), &message.Request{Operation: "swap_card"})
	if !errors.Is(err, rpcerr.ErrConnectionLost) || calls != 1 {
		t.Fatalf("expect single failed call, got %d calls, err %v", calls, err)
	}
}

func TestRetrySkipsTimeout(t *testing.T) {
	calls := 0
	invoke := RetryMiddleware(3, time.Millisecond, nil, "get_user_deck")(
		flakyInvoker(5, &rpcerr.Timeout{Operation: "get_user_deck", After: 5 * time.Second}, &calls))

	_, err := invoke(context.Background(), &message.Request{Operation: "get_user_deck"})
	var timeout *rpcerr.Timeout
	if !errors.As(err, &timeout) || timeout.After != 5*time.Second || calls != 1 {
		t.Fatalf("timeouts must surface unchanged: %d calls, err %v", calls, err)
	}
}

func TestRetrySkipsDroppedCall(t *testing.T) {
	calls := 0
	dropped := &rpcerr.ConnectionLost{Operation: "get_user_cards", Cause: errors.New("connection lost")}
	invoke := RetryMiddleware(3, time.Millisecond, nil, "get_user_cards")(flakyInvoker(5, dropped, &calls))

	_, err := invoke(context.Background(), &message.Request{Operation: "get_user_cards"})
	if err != dropped || calls != 1 {
		t.Fatalf("a call dropped with its connection must fail at once: %d calls, err %v", calls, err)
	}
}

func TestRetrySkipsRejection(t *testing.T) {
	calls := 0
	invoke := RetryMiddleware(3, time.Millisecond, nil, "get_user_cards")(
		flakyInvoker(5, &rpcerr.RemoteRejected{Operation: "get_user_cards", Message: "nope"}, &calls))

	_, err := invoke(context.Background(), &message.Request{Operation: "get_user_cards"})
	if !errors.Is(err, rpcerr.ErrRemoteRejected) || calls != 1 {
		t.Fatalf("rejections must not be retried: %d calls, err %v", calls, err)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first 2 pass, the third is rejected
	invoke := RateLimitMiddleware(1, 2)(echoInvoker)
	req := &message.Request{Operation: "release_card"}

	for i := 0; i < 2; i++ {
		if _, err := invoke(context.Background(), req); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}

	if _, err := invoke(context.Background(), req); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request 3 should be rate limited, got: %v", err)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next Invoker) Invoker {
			return func(ctx context.Context, req *message.Request) (*message.Envelope, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	invoke := Chain(tag("outer"), LoggingMiddleware(nil), tag("inner"))(echoInvoker)
	if _, err := invoke(context.Background(), &message.Request{Operation: "login"}); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(order, []string{"outer", "inner"}) {
		t.Fatalf("unexpected order %v", order)
	}
}
