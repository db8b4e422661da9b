package transport

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

var ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")

// ReconnectPolicy controls automatic reconnection after the link drops
// without Disconnect being called. It is off unless Enabled is set.
type ReconnectPolicy struct {
	Enabled     bool
	MaxAttempts int // 0 means retry until Disconnect
	Min         time.Duration
	Max         time.Duration
	Factor      float64
	Jitter      bool
}

func (p *ReconnectPolicy) setDefaults() {
	if p.Min <= 0 {
		p.Min = 200 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 10 * time.Second
	}
	if p.Factor <= 0 {
		p.Factor = 2
	}
}

func (p ReconnectPolicy) backoff() *backoff.Backoff {
	return &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: p.Factor, Jitter: p.Jitter}
}

// startReconnect launches the reconnect loop unless one is running or the
// policy is off. Disconnect cancels it.
func (c *Conn) startReconnect() {
	if !c.params.Reconnect.Enabled {
		return
	}

	c.mu.Lock()
	if c.reconnectCancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.reconnectCancel = cancel
	c.mu.Unlock()

	go c.reconnectLoop(ctx)
}

func (c *Conn) reconnectLoop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		if c.reconnectCancel != nil {
			c.reconnectCancel()
			c.reconnectCancel = nil
		}
		c.mu.Unlock()
	}()

	policy := c.params.Reconnect
	b := policy.backoff()

	for attempt := 1; policy.MaxAttempts == 0 || attempt <= policy.MaxAttempts; attempt++ {
		wait := b.Duration()
		c.logger.Info("reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// Connect reports its own failure on the error channel.
		if err := c.Connect(ctx); err == nil {
			return
		} else if ctx.Err() != nil {
			return
		}
	}

	c.logger.Warn("giving up reconnect", zap.Int("attempts", policy.MaxAttempts))
	c.reportError(ErrReconnectExhausted)
}
