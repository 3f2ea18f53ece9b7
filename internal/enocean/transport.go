package enocean

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

func (c *closeOnce) IsClosed() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// Default transport intervals and sizes.
const (
	// defaultReconnectInterval is the initial delay between reconnection attempts.
	defaultReconnectInterval = 5 * time.Second

	// maxReconnectInterval caps the exponential backoff.
	maxReconnectInterval = 2 * time.Minute

	// defaultSendQueueSize bounds telegrams waiting to be written.
	defaultSendQueueSize = 256

	// readBufferSize is the size of one channel read.
	readBufferSize = 256

	// maxPendingBytes bounds unparsed input kept between reads.
	maxPendingBytes = 4096
)

// ConnectionState is the lifecycle state of a Transport.
type ConnectionState int

// Transport states.
const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnectWaiting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectWaiting:
		return "reconnect_waiting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TransportConfig configures a Transport.
type TransportConfig struct {
	// Open creates the underlying channel. Required.
	Open Opener

	// Codec frames bytes on the channel. Required.
	Codec Codec

	// ReconnectInterval is the initial delay between reconnection attempts.
	// Default: 5 seconds.
	ReconnectInterval time.Duration

	// MaxReconnectInterval caps the backoff. Default: 2 minutes.
	MaxReconnectInterval time.Duration

	// SendQueueSize bounds the outgoing FIFO. Default: 256.
	SendQueueSize int
}

// TransportStats holds operational statistics.
type TransportStats struct {
	TelegramsTx      uint64
	TelegramsRx      uint64
	TelegramsDropped uint64 // Telegrams rejected because the send queue was full
	BytesDiscarded   uint64 // Bytes skipped while resynchronising the stream
	ErrorsTotal      uint64
	ReconnectsTotal  uint64 // Successful connections after the first
	LastActivity     time.Time
	State            ConnectionState
}

// Transport owns the byte channel to the gateway.
//
// A single goroutine opens the channel, drains the send queue, reads and
// frames incoming bytes and hands each telegram to the receive callback.
// When the channel fails it is closed and reopened after a backoff until
// Stop is called.
//
// Thread Safety:
//   - Enqueue, State, Stats and the setters are safe for concurrent use.
//   - Callbacks run on the transport goroutine and must not block.
type Transport struct {
	cfg   TransportConfig
	sendQ chan Telegram

	state atomic.Int32

	onTelegram func(Telegram)
	onState    func(ConnectionState)
	callbackMu sync.RWMutex

	startOnce sync.Once
	stopOnce  sync.Once
	done      *closeOnce
	wg        sync.WaitGroup

	logHolder

	telegramsTx      atomic.Uint64
	telegramsRx      atomic.Uint64
	telegramsDropped atomic.Uint64
	bytesDiscarded   atomic.Uint64
	errorsTotal      atomic.Uint64
	reconnectsTotal  atomic.Uint64
	lastActivity     atomic.Int64
}

// NewTransport creates a stopped transport.
//
// Parameters:
//   - cfg: Transport configuration; Open and Codec are required
//
// Returns:
//   - *Transport: Transport ready to Start
//   - error: ErrTransport if required fields are missing
func NewTransport(cfg TransportConfig) (*Transport, error) {
	if cfg.Open == nil {
		return nil, fmt.Errorf("%w: opener is required", ErrTransport)
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("%w: codec is required", ErrTransport)
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = maxReconnectInterval
	}
	if cfg.MaxReconnectInterval < cfg.ReconnectInterval {
		cfg.MaxReconnectInterval = cfg.ReconnectInterval
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}

	return &Transport{
		cfg:   cfg,
		sendQ: make(chan Telegram, cfg.SendQueueSize),
		done:  newCloseOnce(),
	}, nil
}

// SetOnTelegram sets the callback for received telegrams.
func (t *Transport) SetOnTelegram(callback func(Telegram)) {
	t.callbackMu.Lock()
	t.onTelegram = callback
	t.callbackMu.Unlock()
}

// SetOnStateChange sets the callback for state transitions. It is invoked
// once per transition, including repeated ReconnectWaiting entries.
func (t *Transport) SetOnStateChange(callback func(ConnectionState)) {
	t.callbackMu.Lock()
	t.onState = callback
	t.callbackMu.Unlock()
}

// Start launches the transport loop. Subsequent calls are no-ops.
func (t *Transport) Start() {
	t.startOnce.Do(func() {
		t.wg.Add(1)
		go t.loop()
	})
}

// Stop signals the loop to exit, waits for it and closes the channel.
// Safe to call multiple times and before Start.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		t.done.Close()
	})
	t.wg.Wait()
}

// Enqueue appends a telegram to the send queue without blocking.
//
// Returns:
//   - error: ErrClosed after Stop, ErrSendQueueFull if the queue is full
func (t *Transport) Enqueue(tg Telegram) error {
	if t.done.IsClosed() {
		return ErrClosed
	}
	select {
	case t.sendQ <- tg:
		return nil
	default:
		t.telegramsDropped.Add(1)
		return fmt.Errorf("%w: %d telegrams pending", ErrSendQueueFull, cap(t.sendQ))
	}
}

// State returns the current connection state.
func (t *Transport) State() ConnectionState {
	return ConnectionState(t.state.Load())
}

// IsActive reports whether the channel is open.
func (t *Transport) IsActive() bool {
	return t.State() == StateConnected
}

// Stats returns current operational statistics.
func (t *Transport) Stats() TransportStats {
	var last time.Time
	if ts := t.lastActivity.Load(); ts != 0 {
		last = time.Unix(0, ts)
	}
	return TransportStats{
		TelegramsTx:      t.telegramsTx.Load(),
		TelegramsRx:      t.telegramsRx.Load(),
		TelegramsDropped: t.telegramsDropped.Load(),
		BytesDiscarded:   t.bytesDiscarded.Load(),
		ErrorsTotal:      t.errorsTotal.Load(),
		ReconnectsTotal:  t.reconnectsTotal.Load(),
		LastActivity:     last,
		State:            t.State(),
	}
}

// loop is the only goroutine touching the channel.
func (t *Transport) loop() {
	defer t.wg.Done()

	if t.done.IsClosed() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Abort a blocking open when Stop is called.
	go func() {
		select {
		case <-t.done.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	t.setState(StateConnecting)

	var (
		ch        Channel
		pending   []byte
		connected bool
		backoff   = t.cfg.ReconnectInterval
		buf       = make([]byte, readBufferSize)
	)

	for !t.done.IsClosed() {
		if ch == nil {
			opened, err := t.cfg.Open(ctx)
			if err != nil {
				if t.done.IsClosed() {
					break
				}
				t.errorsTotal.Add(1)
				t.logError("gateway connect failed", err, "retry_in", backoff.String())
				t.setState(StateReconnectWaiting)
				if !t.wait(backoff) {
					break
				}
				backoff = t.nextBackoff(backoff)
				continue
			}

			ch = opened
			pending = nil
			backoff = t.cfg.ReconnectInterval
			if connected {
				t.reconnectsTotal.Add(1)
			}
			connected = true
			t.touch()
			t.logInfo("gateway connected", "dialect", string(t.cfg.Codec.Dialect()))
			t.setState(StateConnected)
		}

		if err := t.flush(ch); err != nil {
			ch = t.dropChannel(ch, "write", err)
			continue
		}

		n, err := ch.Read(buf)
		if n > 0 {
			t.touch()
			pending = t.consume(append(pending, buf[:n]...))
		}
		if err != nil {
			ch = t.dropChannel(ch, "read", err)
		}
	}

	if ch != nil {
		ch.Close() //nolint:errcheck // best effort on shutdown
	}
	t.setState(StateDisconnected)
	t.logInfo("gateway transport stopped")
}

// flush writes every queued telegram. Telegrams the codec cannot encode are
// dropped and counted; a write error is returned as a channel failure.
func (t *Transport) flush(ch Channel) error {
	for {
		var tg Telegram
		select {
		case tg = <-t.sendQ:
		default:
			return nil
		}

		frame, err := t.cfg.Codec.Encode(tg)
		if err != nil {
			t.errorsTotal.Add(1)
			t.logWarn("dropping unencodable telegram", "telegram", tg.String(), "error", err)
			continue
		}
		if _, err := ch.Write(frame); err != nil {
			return err
		}
		t.telegramsTx.Add(1)
		t.touch()
		t.logDebug("telegram sent", "telegram", tg.String())
	}
}

// consume frames buffered bytes, delivers telegrams and returns the unparsed rest.
func (t *Transport) consume(pending []byte) []byte {
	telegrams, rest, dropped := t.cfg.Codec.ParseIncremental(pending)
	if dropped > 0 {
		t.bytesDiscarded.Add(uint64(dropped)) //nolint:gosec // dropped is non-negative
		t.logDebug("discarded unframed bytes", "count", dropped)
	}
	if len(rest) > maxPendingBytes {
		t.bytesDiscarded.Add(uint64(len(rest)))
		rest = nil
	}
	for _, tg := range telegrams {
		t.telegramsRx.Add(1)
		t.deliver(tg)
	}
	return rest
}

func (t *Transport) deliver(tg Telegram) {
	t.callbackMu.RLock()
	cb := t.onTelegram
	t.callbackMu.RUnlock()
	if cb == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			t.errorsTotal.Add(1)
			t.logError("telegram callback panicked", fmt.Errorf("panic: %v", r), "telegram", tg.String())
		}
	}()
	cb(tg)
}

func (t *Transport) dropChannel(ch Channel, op string, err error) Channel {
	ch.Close() //nolint:errcheck // channel is being discarded
	if t.done.IsClosed() {
		return nil
	}
	t.errorsTotal.Add(1)
	t.logError("gateway connection lost", fmt.Errorf("%w: %s: %w", ErrTransport, op, err))
	t.setState(StateReconnectWaiting)
	t.wait(t.cfg.ReconnectInterval)
	return nil
}

func (t *Transport) setState(s ConnectionState) {
	t.state.Store(int32(s)) //nolint:gosec // small enum

	t.callbackMu.RLock()
	cb := t.onState
	t.callbackMu.RUnlock()
	if cb == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			t.logError("state callback panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	cb(s)
}

// wait sleeps for d. Returns false if Stop was called meanwhile.
func (t *Transport) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.done.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (t *Transport) nextBackoff(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * 1.5)
	if next > t.cfg.MaxReconnectInterval {
		next = t.cfg.MaxReconnectInterval
	}
	return next
}

func (t *Transport) touch() {
	t.lastActivity.Store(time.Now().UnixNano())
}
