package enocean

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Default exchange parameters.
const (
	defaultExchangeTimeout = time.Second
	defaultExchangeRetries = 3

	// unlockTimeout bounds the unlock handshake issued on scope exit.
	unlockTimeout = 5 * time.Second
)

// Matcher selects the response telegram an exchange waits for.
type Matcher func(Telegram) bool

// ExchangeOptions bounds one exchange. Zero values take the controller defaults.
type ExchangeOptions struct {
	// Retries is the total number of attempts. Values below 1 use the default.
	Retries int

	// Timeout is the wait per attempt.
	Timeout time.Duration
}

// Sender queues a telegram for transmission.
type Sender interface {
	Enqueue(t Telegram) error
}

// pendingExchange correlates an outbound request with its response.
type pendingExchange struct {
	match Matcher
	resp  chan Telegram
}

// Controller runs correlated request/response exchanges and the bus lock
// handshake.
//
// Only one exchange is pending at a time. While it is pending, or while the
// bus lock is held, Intercept swallows every inbound telegram except the
// awaited response, so the router sees nothing.
type Controller struct {
	sender   Sender
	defaults ExchangeOptions

	slot    chan struct{} // one pending exchange
	pending atomic.Pointer[pendingExchange]
	locked  atomic.Bool

	closed *closeOnce

	logHolder
}

// NewController creates a controller sending through s.
func NewController(s Sender, defaults ExchangeOptions) *Controller {
	if defaults.Retries < 1 {
		defaults.Retries = defaultExchangeRetries
	}
	if defaults.Timeout <= 0 {
		defaults.Timeout = defaultExchangeTimeout
	}
	return &Controller{
		sender:   s,
		defaults: defaults,
		slot:     make(chan struct{}, 1),
		closed:   newCloseOnce(),
	}
}

// Intercept is called for every inbound telegram before routing.
// Returns true if the telegram was consumed and must not be dispatched.
func (c *Controller) Intercept(t Telegram) bool {
	if p := c.pending.Load(); p != nil {
		if p.match == nil || p.match(t) {
			select {
			case p.resp <- t:
			default:
			}
		} else {
			c.logDebug("discarding telegram during exchange", "telegram", t.String())
		}
		return true
	}
	return c.locked.Load()
}

// IsLocked reports whether the bus lock is held.
func (c *Controller) IsLocked() bool {
	return c.locked.Load()
}

// Exchange sends req and waits for a telegram accepted by match.
//
// Each attempt re-sends the request and waits up to opts.Timeout. A nil
// matcher accepts the first inbound telegram.
//
// Returns:
//   - Telegram: The matched response
//   - error: ErrTimeout after all attempts, ErrClosed after Close,
//     the context error on cancellation, or the send error
func (c *Controller) Exchange(ctx context.Context, req Telegram, match Matcher, opts ExchangeOptions) (Telegram, error) {
	opts = c.withDefaults(opts)

	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return Telegram{}, ctx.Err()
	case <-c.closed.Done():
		return Telegram{}, ErrClosed
	}
	defer func() { <-c.slot }()

	p := &pendingExchange{match: match, resp: make(chan Telegram, 1)}
	c.pending.Store(p)
	defer c.pending.Store(nil)

	for attempt := 1; attempt <= opts.Retries; attempt++ {
		if err := c.sender.Enqueue(req); err != nil {
			return Telegram{}, fmt.Errorf("exchange send: %w", err)
		}

		timer := time.NewTimer(opts.Timeout)
		select {
		case resp := <-p.resp:
			timer.Stop()
			return resp, nil
		case <-timer.C:
			c.logDebug("exchange attempt timed out", "request", req.String(), "attempt", attempt)
		case <-ctx.Done():
			timer.Stop()
			return Telegram{}, ctx.Err()
		case <-c.closed.Done():
			timer.Stop()
			return Telegram{}, ErrClosed
		}
	}

	return Telegram{}, fmt.Errorf("%w: no response to %s after %d attempts", ErrTimeout, req.Kind(), opts.Retries)
}

// drain swallows telegrams accepted by match for d without sending
// anything. It reports whether one arrived.
func (c *Controller) drain(ctx context.Context, match Matcher, d time.Duration) bool {
	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return false
	case <-c.closed.Done():
		return false
	}
	defer func() { <-c.slot }()

	p := &pendingExchange{match: match, resp: make(chan Telegram, 1)}
	c.pending.Store(p)
	defer c.pending.Store(nil)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-c.closed.Done():
	}
	return len(p.resp) > 0
}

// Bus lock command payloads.
const (
	busLockOn  byte = 0x01
	busLockOff byte = 0x00
)

// NewBusLockRequest builds the lock (on=true) or unlock command.
func NewBusLockRequest(on bool) Telegram {
	v := busLockOff
	if on {
		v = busLockOn
	}
	return NewCommand(OrgBusLock, 0, []byte{v})
}

func matchBusLock(on bool) Matcher {
	want := busLockOff
	if on {
		want = busLockOn
	}
	return func(t Telegram) bool {
		return t.Org == OrgBusLock && !t.Outgoing() && t.CommandPayload()[0] == want
	}
}

// LockBus acquires the bus lock. On failure a best-effort unlock is sent.
//
// Returns:
//   - error: ErrLockFailure wrapping the exchange error
func (c *Controller) LockBus(ctx context.Context) error {
	if _, err := c.Exchange(ctx, NewBusLockRequest(true), matchBusLock(true), ExchangeOptions{}); err != nil {
		c.logError("bus lock failed", err)
		c.releaseAfterFailure(ctx)
		return fmt.Errorf("%w: lock: %w", ErrLockFailure, err)
	}
	c.locked.Store(true)
	c.logInfo("bus locked")
	return nil
}

// UnlockBus releases the bus lock. Local dispatch resumes even if the
// handshake fails.
//
// Returns:
//   - error: ErrLockFailure wrapping the exchange error
func (c *Controller) UnlockBus(ctx context.Context) error {
	_, err := c.Exchange(ctx, NewBusLockRequest(false), matchBusLock(false), ExchangeOptions{})
	c.locked.Store(false)
	if err != nil {
		return fmt.Errorf("%w: unlock: %w", ErrLockFailure, err)
	}
	c.logInfo("bus unlocked")
	return nil
}

// WithBusLock runs fn while holding the bus lock. The unlock handshake is
// sent on every exit path, including cancellation of ctx and panics in fn.
func (c *Controller) WithBusLock(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := c.LockBus(ctx); err != nil {
		return err
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
		defer cancel()
		if uerr := c.UnlockBus(uctx); uerr != nil {
			c.logError("bus unlock failed", uerr)
			err = errors.Join(err, uerr)
		}
	}()
	return fn(ctx)
}

func (c *Controller) releaseAfterFailure(ctx context.Context) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
	defer cancel()
	_, err := c.Exchange(uctx, NewBusLockRequest(false), matchBusLock(false), ExchangeOptions{Retries: 1})
	if err != nil && !errors.Is(err, ErrClosed) {
		c.logWarn("best-effort unlock failed", "error", err)
	}
	c.locked.Store(false)
}

// Close aborts any pending exchange and rejects new ones.
func (c *Controller) Close() {
	c.closed.Close()
}

func (c *Controller) withDefaults(opts ExchangeOptions) ExchangeOptions {
	if opts.Retries < 1 {
		opts.Retries = c.defaults.Retries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = c.defaults.Timeout
	}
	return opts
}
