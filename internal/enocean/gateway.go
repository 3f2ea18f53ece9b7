package enocean

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	// DeviceType selects link, dialect and baud rate. Required.
	DeviceType DeviceType

	// SerialPort is the device path for serial gateways, e.g. /dev/ttyUSB0.
	SerialPort string

	// Host and Port address TCP gateways.
	Host string
	Port int

	// Dialect overrides the device type's default dialect. Empty keeps it.
	Dialect Dialect

	// BaseID resolves local (00-00-xx-xx) addresses. When zero, ESP3
	// gateways are asked for their base id on every connect.
	BaseID Address

	// ReconnectInterval is the initial reconnect delay. Default: 5 seconds.
	ReconnectInterval time.Duration

	// Exchange holds default exchange timeout and retries.
	Exchange ExchangeOptions

	// Opener replaces the serial or TCP opener. Used by tests and tools.
	Opener Opener
}

func (c GatewayConfig) dialect() Dialect {
	if c.Dialect != "" {
		return c.Dialect
	}
	return c.DeviceType.Dialect()
}

func (c GatewayConfig) opener() (Opener, error) {
	if c.Opener != nil {
		return c.Opener, nil
	}
	if c.DeviceType.IsTCP() {
		if c.Host == "" || c.Port <= 0 {
			return nil, fmt.Errorf("%w: host and port are required for %s", ErrTransport, c.DeviceType)
		}
		addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
		return TCPOpener(addr, c.dialect(), defaultPollInterval), nil
	}
	if c.SerialPort == "" {
		return nil, fmt.Errorf("%w: serial port is required for %s", ErrTransport, c.DeviceType)
	}
	return SerialOpener(c.SerialPort, c.DeviceType.BaudRate(), defaultPollInterval), nil
}

type buttonDecode struct {
	seq    uint64
	device Address
	event  ButtonEvent
	ok     bool
}

// Gateway is the consumer-facing handle to one EnOcean gateway.
//
// Inbound telegrams flow transport → controller → router → listeners.
// Events are delivered on the transport goroutine and must not block.
// Stop cancels running exchanges and scans, releases the bus lock and then
// stops the transport.
type Gateway struct {
	cfg        GatewayConfig
	transport  *Transport
	controller *Controller
	router     *Router
	buttons    *ButtonDecoder

	buttonsMu   sync.Mutex
	buttonRegs  map[ListenerID]Address
	dispatchSeq uint64
	buttonCache buttonDecode

	onConnection func(bool)
	onTelegram   func(Telegram)
	onButton     func(ButtonEvent)
	eventsMu     sync.RWMutex

	connected atomic.Bool
	connGen   atomic.Uint64
	connMu    sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	opsMu    sync.Mutex
	stopping bool
	ops      sync.WaitGroup
	stopOnce sync.Once

	logHolder
}

// NewGateway builds a stopped gateway.
//
// Returns:
//   - *Gateway: Gateway ready to Start
//   - error: ErrUnsupported for an unknown device type or dialect,
//     ErrTransport for missing link settings
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if _, ok := deviceProfiles[cfg.DeviceType]; !ok {
		return nil, fmt.Errorf("%w: device type %q", ErrUnsupported, cfg.DeviceType)
	}
	codec, err := NewCodec(cfg.dialect())
	if err != nil {
		return nil, err
	}
	open, err := cfg.opener()
	if err != nil {
		return nil, err
	}

	transport, err := NewTransport(TransportConfig{
		Open:              open,
		Codec:             codec,
		ReconnectInterval: cfg.ReconnectInterval,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:        cfg,
		transport:  transport,
		controller: NewController(transport, cfg.Exchange),
		router:     NewRouter(),
		buttons:    NewButtonDecoder(),
		buttonRegs: make(map[ListenerID]Address),
		ctx:        ctx,
		cancel:     cancel,
	}
	g.router.SetBaseID(cfg.BaseID)

	transport.SetOnTelegram(g.handleTelegram)
	transport.SetOnStateChange(g.handleState)
	return g, nil
}

// SetLogger sets the logger for the gateway and its components.
func (g *Gateway) SetLogger(logger Logger) {
	g.logHolder.SetLogger(logger)
	g.transport.SetLogger(logger)
	g.controller.SetLogger(logger)
	g.router.SetLogger(logger)
}

// OnConnectionChanged sets the callback for connectivity changes. When the
// base id is learned from the gateway, online is reported after the read
// completes or fails.
func (g *Gateway) OnConnectionChanged(fn func(connected bool)) {
	g.eventsMu.Lock()
	g.onConnection = fn
	g.eventsMu.Unlock()
}

// OnTelegram sets the callback invoked for every routed inbound telegram.
func (g *Gateway) OnTelegram(fn func(Telegram)) {
	g.eventsMu.Lock()
	g.onTelegram = fn
	g.eventsMu.Unlock()
}

// OnButton sets the callback for rocker switch events.
func (g *Gateway) OnButton(fn func(ButtonEvent)) {
	g.eventsMu.Lock()
	g.onButton = fn
	g.eventsMu.Unlock()
}

// Start connects to the gateway in the background.
func (g *Gateway) Start() {
	g.logInfo("starting gateway", "device_type", string(g.cfg.DeviceType), "dialect", string(g.cfg.dialect()))
	g.transport.Start()
}

// Stop cancels running operations, waits for them to release the bus and
// stops the transport. Safe to call multiple times.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		g.opsMu.Lock()
		g.stopping = true
		g.opsMu.Unlock()

		g.cancel()
		g.ops.Wait()
		g.releaseLock()
		g.controller.Close()
		g.transport.Stop()
		g.logInfo("gateway stopped")
	})
}

// releaseLock sends the unlock handshake for a lock taken through Lock.
// Scans release their own lock before ops.Wait returns.
func (g *Gateway) releaseLock() {
	if !g.controller.IsLocked() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	if err := g.controller.UnlockBus(ctx); err != nil {
		g.logError("bus unlock on stop failed", err)
	}
}

// DeviceType returns the configured gateway model.
func (g *Gateway) DeviceType() DeviceType {
	return g.cfg.DeviceType
}

// IsConnected reports whether the transport channel is open.
func (g *Gateway) IsConnected() bool {
	return g.transport.IsActive()
}

// Stats returns transport statistics.
func (g *Gateway) Stats() TransportStats {
	return g.transport.Stats()
}

// IsLocked reports whether the bus lock is held.
func (g *Gateway) IsLocked() bool {
	return g.controller.IsLocked()
}

// BaseID returns the base id used to resolve local addresses.
func (g *Gateway) BaseID() Address {
	return g.router.BaseID()
}

// SetBaseID changes the base id used to resolve local addresses.
func (g *Gateway) SetBaseID(base Address) {
	g.router.SetBaseID(base)
}

// Register adds a listener for addr. See Router.Register.
func (g *Gateway) Register(addr Address, affinity Affinity, h Handler) ListenerID {
	return g.router.Register(addr, affinity, h)
}

// RegisterButton routes rocker telegrams from addr through the button
// decoder. Events are delivered to the OnButton callback.
//
// A "left" or "right" discriminator restricts the registration to that
// rocker half (LT/LB or RT/RB). Registrations sharing a sender id share
// one press record, and each telegram is decoded once.
func (g *Gateway) RegisterButton(addr Address, affinity Affinity) ListenerID {
	device := addr.WithDiscriminator("")
	id := g.router.Register(addr, affinity, func(r Routed) {
		if r.Telegram.Org != OrgRPS {
			return
		}
		ev, ok := g.decodeButton(device, r)
		if !ok {
			return
		}
		buttons, ok := rockerHalf(r.Address.Discriminator, ev.Buttons)
		if !ok {
			return
		}
		ev.Address = r.Address
		ev.Buttons = buttons

		g.eventsMu.RLock()
		cb := g.onButton
		g.eventsMu.RUnlock()
		if cb != nil {
			cb(ev)
		}
	})

	g.buttonsMu.Lock()
	g.buttonRegs[id] = device
	g.buttonsMu.Unlock()
	return id
}

// decodeButton decodes r once per dispatched telegram, however many
// registrations share the switch. Runs on the transport goroutine only.
func (g *Gateway) decodeButton(device Address, r Routed) (ButtonEvent, bool) {
	c := &g.buttonCache
	if c.seq == g.dispatchSeq && c.device == device {
		return c.event, c.ok
	}
	ev, err := g.buttons.Decode(device, r.Telegram, time.Now())
	if err != nil {
		g.logError("button decode failed", err, "address", device.String())
	}
	*c = buttonDecode{seq: g.dispatchSeq, device: device, event: ev, ok: err == nil}
	return ev, err == nil
}

// rockerHalf narrows buttons to the half named by discriminator. Other
// discriminators and presses without known positions pass unchanged.
func rockerHalf(discriminator string, buttons []Button) ([]Button, bool) {
	var half [2]Button
	switch discriminator {
	case "left":
		half = [2]Button{ButtonLeftTop, ButtonLeftBottom}
	case "right":
		half = [2]Button{ButtonRightTop, ButtonRightBottom}
	default:
		return buttons, true
	}
	if len(buttons) == 0 {
		return buttons, true
	}
	var out []Button
	for _, b := range buttons {
		if b == half[0] || b == half[1] {
			out = append(out, b)
		}
	}
	return out, len(out) > 0
}

// Unregister removes a listener. Removing the last button registration of
// a switch drops its press record.
func (g *Gateway) Unregister(id ListenerID) {
	g.router.Unregister(id)

	g.buttonsMu.Lock()
	device, ok := g.buttonRegs[id]
	delete(g.buttonRegs, id)
	shared := false
	for _, d := range g.buttonRegs {
		if d.SameDevice(device) {
			shared = true
			break
		}
	}
	g.buttonsMu.Unlock()

	if ok && !shared {
		g.buttons.Forget(device)
	}
}

// Send queues t for transmission. Local sender addresses are resolved
// against the base id.
//
// Returns:
//   - error: ErrNotConnected, ErrSendQueueFull or ErrClosed
func (g *Gateway) Send(t Telegram) error {
	if !g.transport.IsActive() {
		return ErrNotConnected
	}
	t.Address = t.Address.Resolve(g.router.BaseID())
	return g.transport.Enqueue(t)
}

// Exchange sends req and waits for a matching response.
// See Controller.Exchange.
func (g *Gateway) Exchange(ctx context.Context, req Telegram, match Matcher, opts ExchangeOptions) (Telegram, error) {
	ctx, done, err := g.begin(ctx)
	if err != nil {
		return Telegram{}, err
	}
	defer done()
	return g.controller.Exchange(ctx, req, match, opts)
}

// Lock acquires the bus lock.
func (g *Gateway) Lock(ctx context.Context) error {
	if !g.cfg.DeviceType.SupportsBusLock() {
		return fmt.Errorf("%w: %s has no bus lock", ErrUnsupported, g.cfg.DeviceType)
	}
	ctx, done, err := g.begin(ctx)
	if err != nil {
		return err
	}
	defer done()
	return g.controller.LockBus(ctx)
}

// Unlock releases the bus lock.
func (g *Gateway) Unlock(ctx context.Context) error {
	if !g.cfg.DeviceType.SupportsBusLock() {
		return fmt.Errorf("%w: %s has no bus lock", ErrUnsupported, g.cfg.DeviceType)
	}
	ctx, done, err := g.begin(ctx)
	if err != nil {
		return err
	}
	defer done()
	return g.controller.UnlockBus(ctx)
}

// ReadAllMemory scans the bus and reads the memory of every device found.
// See Controller.ReadAllMemory.
func (g *Gateway) ReadAllMemory(ctx context.Context, opts ScanOptions) ([]DeviceMemory, error) {
	if !g.cfg.DeviceType.SupportsBusLock() {
		return nil, fmt.Errorf("%w: %s cannot scan the bus", ErrUnsupported, g.cfg.DeviceType)
	}
	if !g.transport.IsActive() {
		return nil, ErrNotConnected
	}
	ctx, done, err := g.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return g.controller.ReadAllMemory(ctx, opts)
}

// begin registers a blocking operation so Stop can cancel and await it.
func (g *Gateway) begin(ctx context.Context) (context.Context, func(), error) {
	g.opsMu.Lock()
	if g.stopping {
		g.opsMu.Unlock()
		return nil, nil, ErrClosed
	}
	g.ops.Add(1)
	g.opsMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(g.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
		g.ops.Done()
	}, nil
}

// learnBaseID reads the base id from an ESP3 gateway. It only runs when no
// base id is configured.
func (g *Gateway) learnBaseID() {
	ctx, done, err := g.begin(context.Background())
	if err != nil {
		return
	}
	defer done()

	reply, err := g.controller.Exchange(ctx, NewBaseIDRequest(), matchBaseID, ExchangeOptions{})
	if err != nil {
		g.logWarn("reading gateway base id failed", "error", err)
		return
	}
	g.router.SetBaseID(reply.Address)
	g.logInfo("gateway base id learned", "base_id", reply.Address.String())
}

// handleTelegram is the transport receive callback.
func (g *Gateway) handleTelegram(t Telegram) {
	if g.controller.Intercept(t) {
		return
	}
	g.dispatchSeq++

	g.eventsMu.RLock()
	cb := g.onTelegram
	g.eventsMu.RUnlock()
	if cb != nil {
		cb(t)
	}

	g.router.Dispatch(t)
}

func (g *Gateway) handleState(s ConnectionState) {
	connected := s == StateConnected
	if g.connected.Swap(connected) == connected {
		return
	}
	gen := g.connGen.Add(1)
	if !connected {
		g.logWarn("gateway offline", "state", s.String())
		g.notifyConnection(gen, false)
		return
	}

	g.logInfo("gateway online")
	if g.cfg.BaseID.IsZero() && g.cfg.dialect() == DialectESP3 {
		// Report online once local addresses resolve.
		go func() {
			g.learnBaseID()
			g.notifyConnection(gen, true)
		}()
		return
	}
	g.notifyConnection(gen, true)
}

// notifyConnection invokes the connection callback unless a newer
// transition has happened since gen.
func (g *Gateway) notifyConnection(gen uint64, connected bool) {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.connGen.Load() != gen {
		return
	}

	g.eventsMu.RLock()
	cb := g.onConnection
	g.eventsMu.RUnlock()
	if cb != nil {
		cb(connected)
	}
}
