package eltako

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-eltako/internal/enocean"
	"github.com/nerrad567/gray-logic-eltako/internal/infrastructure/mqtt"
)

const (
	// minTopicParts is graylogic/{category}/eltako/{id}.
	minTopicParts = 4

	// commandTimeout bounds bus lock and unlock requests.
	commandTimeout = 5 * time.Second

	// scanTimeout bounds a full bus memory scan.
	scanTimeout = 15 * time.Minute

	// eventQueueSize is the number of pending MQTT publishes the gateway
	// callbacks may queue before events are dropped.
	eventQueueSize = 256

	defaultVersion = "1.0.0"
)

// Logger is the logging interface used by the bridge.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// MQTTClient is the subset of the MQTT client used by the bridge.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

var _ MQTTClient = (*mqtt.Client)(nil)

// Connector is the gateway surface used by the bridge.
// *enocean.Gateway implements it.
type Connector interface {
	LinkSource

	BaseID() enocean.Address
	Register(addr enocean.Address, affinity enocean.Affinity, h enocean.Handler) enocean.ListenerID
	RegisterButton(addr enocean.Address, affinity enocean.Affinity) enocean.ListenerID
	Unregister(id enocean.ListenerID)

	OnTelegram(fn func(enocean.Telegram))
	OnButton(fn func(enocean.ButtonEvent))
	OnConnectionChanged(fn func(connected bool))

	Send(t enocean.Telegram) error
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	ReadAllMemory(ctx context.Context, opts enocean.ScanOptions) ([]enocean.DeviceMemory, error)
}

var _ Connector = (*enocean.Gateway)(nil)

// device is one configured sender channel.
type device struct {
	cfg      DeviceConfig
	address  enocean.Address // as configured, possibly local
	resolved atomic.Pointer[string]
	profile  enocean.Profile
	affinity enocean.Affinity
	listener enocean.ListenerID
}

// key returns the address resolved against the current base id, with the
// discriminator.
func (d *device) key() string {
	return *d.resolved.Load()
}

// sender returns the resolved address without the discriminator, as the
// recorder stores it.
func (d *device) sender(base enocean.Address) string {
	return d.address.Resolve(base).WithDiscriminator("").String()
}

// Bridge connects an EnOcean gateway to MQTT.
//
// Decoded device state is published retained on graylogic/state/eltako/{address},
// rocker pushes on graylogic/event/eltako/{address} and every raw telegram on
// graylogic/telegram/eltako/{sender}. Commands and requests arrive on
// graylogic/command/eltako/+ and graylogic/request/eltako/+.
//
// Gateway callbacks run on the transport goroutine. They only decode and
// queue; publishing happens on the bridge's event goroutine.
type Bridge struct {
	cfg      *Config
	mqtt     MQTTClient
	gateway  Connector
	health   *HealthReporter
	recorder *SenderRecorder
	metrics  MetricsSink

	devices   map[string]*device // by resolved address
	byID      map[string]*device
	base      enocean.Address // base id the keys were resolved against
	devicesMu sync.RWMutex

	stateCache   map[string]map[string]any
	stateCacheMu sync.RWMutex

	events        chan func()
	eventsDropped atomic.Uint64
	scanning      atomic.Bool

	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// BridgeOptions contains configuration for creating a Bridge.
type BridgeOptions struct {
	// Config is the bridge configuration (required).
	Config *Config

	// MQTTClient is the connected MQTT client (required).
	MQTTClient MQTTClient

	// Gateway is the EnOcean gateway (required). The bridge registers its
	// listeners in Start; start the gateway afterwards.
	Gateway Connector

	// Recorder stores seen senders and memory scans. Optional.
	Recorder *SenderRecorder

	// Metrics receives numeric readings. Optional.
	Metrics MetricsSink

	// Logger for bridge operations. Optional.
	Logger Logger

	// Version is reported in health messages. Default: "1.0.0".
	Version string

	// LinkAddress describes the gateway link in health messages.
	LinkAddress string
}

// NewBridge creates a new Eltako bridge.
//
// Parameters:
//   - opts: Bridge configuration options
//
// Returns:
//   - *Bridge: Ready to start (call Start to begin)
//   - error: If required options are missing
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config == nil {
		return nil, ErrConfigRequired
	}
	if opts.MQTTClient == nil {
		return nil, ErrMQTTRequired
	}
	if opts.Gateway == nil {
		return nil, ErrGatewayRequired
	}

	version := opts.Version
	if version == "" {
		version = defaultVersion
	}

	health := NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.Config.Bridge.ID,
		Version:   version,
		Interval:  opts.Config.GetHealthInterval(),
		Publisher: opts.MQTTClient,
		Link:      opts.Gateway,
		Address:   opts.LinkAddress,
		Metrics:   opts.Metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:        opts.Config,
		mqtt:       opts.MQTTClient,
		gateway:    opts.Gateway,
		health:     health,
		recorder:   opts.Recorder,
		metrics:    opts.Metrics,
		devices:    make(map[string]*device),
		byID:       make(map[string]*device),
		stateCache: make(map[string]map[string]any),
		events:     make(chan func(), eventQueueSize),
		done:       make(chan struct{}),
		ctx:        ctx,
		ctxCancel:  cancel,
	}

	if opts.Logger != nil {
		b.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start registers device listeners, subscribes to commands and requests,
// and begins health reporting.
//
// Parameters:
//   - ctx: Context for health reporting lifetime
//
// Returns:
//   - error: If a device cannot be registered or subscription fails
func (b *Bridge) Start(ctx context.Context) error {
	b.logInfo("starting Eltako bridge",
		"bridge_id", b.cfg.Bridge.ID,
		"devices", len(b.cfg.Devices))

	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	if b.recorder != nil {
		if err := b.recorder.Start(); err != nil {
			return fmt.Errorf("starting sender recorder: %w", err)
		}
	}

	if err := b.registerDevices(); err != nil {
		return err
	}

	b.gateway.OnTelegram(b.handleTelegram)
	b.gateway.OnButton(b.handleButton)
	b.gateway.OnConnectionChanged(b.handleConnectionChanged)

	b.wg.Add(1)
	go b.eventLoop()

	if err := b.mqtt.Subscribe(topics.AllBridgeCommands(Protocol), 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}
	if err := b.mqtt.Subscribe(topics.AllBridgeRequests(Protocol), 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribing to requests: %w", err)
	}

	b.devicesMu.RLock()
	b.health.SetDeviceCount(len(b.devices))
	b.devicesMu.RUnlock()
	b.health.Start(ctx)

	b.logInfo("Eltako bridge started")
	return nil
}

// Stop gracefully shuts down the bridge. Running scans are cancelled.
// Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.logInfo("stopping Eltako bridge")

		close(b.done)
		b.ctxCancel()

		for _, topic := range []string{topics.AllBridgeCommands(Protocol), topics.AllBridgeRequests(Protocol)} {
			if err := b.mqtt.Unsubscribe(topic); err != nil {
				b.logDebug("unsubscribe failed", "topic", topic, "error", err)
			}
		}

		b.gateway.OnTelegram(nil)
		b.gateway.OnButton(nil)
		b.gateway.OnConnectionChanged(nil)

		b.devicesMu.Lock()
		for _, d := range b.devices {
			b.gateway.Unregister(d.listener)
		}
		b.devicesMu.Unlock()

		b.health.Stop()
		b.wg.Wait()

		if b.recorder != nil {
			b.recorder.Stop()
		}

		b.logInfo("Eltako bridge stopped")
	})
}

// registerDevices installs one router listener per configured device.
func (b *Bridge) registerDevices() error {
	base := b.gateway.BaseID()

	b.devicesMu.Lock()
	defer b.devicesMu.Unlock()

	b.base = base
	for _, dc := range b.cfg.Devices {
		addr, err := dc.ParsedAddress()
		if err != nil {
			return fmt.Errorf("device %s: %w", dc.DeviceID, err)
		}
		profile, err := enocean.ParseProfile(dc.Profile)
		if err != nil {
			return fmt.Errorf("device %s: %w", dc.DeviceID, err)
		}
		affinity, err := enocean.ParseAffinity(dc.Affinity)
		if err != nil {
			return fmt.Errorf("device %s: %w", dc.DeviceID, err)
		}

		d := &device{
			cfg:      dc,
			address:  addr,
			profile:  profile,
			affinity: affinity,
		}
		key := addr.Resolve(base).String()
		d.resolved.Store(&key)
		if profile.IsRocker() {
			d.listener = b.gateway.RegisterButton(addr, affinity)
		} else {
			d.listener = b.gateway.Register(addr, affinity, func(r enocean.Routed) {
				b.handleRouted(d, r)
			})
		}

		b.devices[key] = d
		b.byID[dc.DeviceID] = d
		b.logDebug("registered device",
			"device_id", dc.DeviceID,
			"address", key,
			"profile", string(profile),
			"affinity", affinity.String())
	}
	return nil
}

// rekeyDevices resolves device addresses again after the gateway base id
// changed. Cached states are keyed by the old addresses and are dropped.
func (b *Bridge) rekeyDevices() {
	base := b.gateway.BaseID()

	b.devicesMu.Lock()
	if base == b.base {
		b.devicesMu.Unlock()
		return
	}
	b.base = base
	devices := make(map[string]*device, len(b.devices))
	for _, d := range b.devices {
		key := d.address.Resolve(base).String()
		d.resolved.Store(&key)
		devices[key] = d
	}
	b.devices = devices
	b.devicesMu.Unlock()

	b.ClearStateCache()
	b.logInfo("gateway base id changed, device addresses resolved again", "base_id", base.String())
}

// lookupAddress finds a device by an address string from a topic. Local
// addresses are resolved against the gateway base id.
func (b *Bridge) lookupAddress(s string) (*device, bool) {
	addr, err := enocean.ParseAddress(s)
	if err != nil {
		return nil, false
	}
	key := addr.Resolve(b.gateway.BaseID()).String()

	b.devicesMu.RLock()
	defer b.devicesMu.RUnlock()
	d, ok := b.devices[key]
	return d, ok
}

func (b *Bridge) lookupKey(key string) (*device, bool) {
	b.devicesMu.RLock()
	defer b.devicesMu.RUnlock()
	d, ok := b.devices[key]
	return d, ok
}

// eventLoop publishes queued gateway events.
func (b *Bridge) eventLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case fn := <-b.events:
			fn()
		}
	}
}

// enqueue hands work to the event goroutine without blocking the caller.
func (b *Bridge) enqueue(fn func()) {
	select {
	case b.events <- fn:
	default:
		if n := b.eventsDropped.Add(1); n == 1 || n%100 == 0 {
			b.logWarn("event queue full, dropping events", "dropped_total", n)
		}
	}
}

// handleTelegram echoes every received telegram and records its sender.
func (b *Bridge) handleTelegram(t enocean.Telegram) {
	msg := NewTelegramMessage(t, b.gateway.BaseID())
	kind := t.Kind()

	b.enqueue(func() {
		if b.recorder != nil && kind != enocean.KindCommand && kind != enocean.KindUnknown {
			b.recorder.RecordTelegram(msg.Address, msg.Kind)
		}
		b.publishJSON(TelegramTopic(msg.Address), msg, 0, false)
	})
}

// handleRouted decodes a telegram for a non-rocker device.
func (b *Bridge) handleRouted(d *device, r enocean.Routed) {
	fields, err := enocean.Decode(d.profile, r.Telegram)
	if err != nil {
		switch {
		case errors.Is(err, enocean.ErrTeachIn):
			b.logInfo("teach-in telegram received", "device_id", d.cfg.DeviceID, "address", d.key())
		case errors.Is(err, enocean.ErrUnsupported):
			b.logDebug("telegram does not match profile",
				"device_id", d.cfg.DeviceID, "kind", r.Kind.String(), "profile", string(d.profile))
		default:
			b.logError("failed to decode telegram", fmt.Errorf("device %s: %w", d.cfg.DeviceID, err))
		}
		return
	}

	state := stateFromFields(fields)
	b.enqueue(func() {
		writeFieldMetrics(b.metrics, d.cfg.DeviceID, fields)
		if b.stateUnchanged(d.key(), state) {
			return
		}
		b.publishState(d, state)
	})
}

// handleButton publishes rocker press and release events.
func (b *Bridge) handleButton(ev enocean.ButtonEvent) {
	d, ok := b.lookupKey(ev.Address.String())
	if !ok {
		return
	}

	b.enqueue(func() {
		b.publishJSON(EventTopic(d.key()), NewButtonEventMessage(d.cfg.DeviceID, ev), 1, false)

		state := map[string]any{
			"pressed": ev.Pressed,
			"buttons": buttonNames(ev.Buttons),
		}
		b.storeState(d.key(), state)
		b.publishState(d, state)

		writeButtonMetrics(b.metrics, d.cfg.DeviceID, ev)
	})
}

func (b *Bridge) handleConnectionChanged(connected bool) {
	if connected {
		b.logInfo("gateway connected")
		b.rekeyDevices()
	} else {
		b.logWarn("gateway disconnected")
	}
	b.enqueue(func() {
		if err := b.health.PublishNow(); err != nil {
			b.logError("failed to publish health", err)
		}
	})
}

// stateFromFields flattens decoded fields into a state map using their
// JSON field names.
func stateFromFields(f enocean.Fields) map[string]any {
	data, err := json.Marshal(f)
	if err != nil {
		return map[string]any{}
	}
	state := make(map[string]any)
	if err := json.Unmarshal(data, &state); err != nil {
		return map[string]any{}
	}
	return state
}

// stateUnchanged reports whether state equals the cached state for key and
// updates the cache otherwise.
func (b *Bridge) stateUnchanged(key string, state map[string]any) bool {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()

	if reflect.DeepEqual(b.stateCache[key], state) {
		return true
	}
	b.stateCache[key] = state
	return false
}

func (b *Bridge) storeState(key string, state map[string]any) {
	b.stateCacheMu.Lock()
	b.stateCache[key] = state
	b.stateCacheMu.Unlock()
}

// CachedState returns the last published state of a device address.
func (b *Bridge) CachedState(key string) (map[string]any, bool) {
	b.stateCacheMu.RLock()
	defer b.stateCacheMu.RUnlock()
	s, ok := b.stateCache[key]
	return s, ok
}

// ClearStateCache forgets all published states so the next reading of every
// device is published again.
func (b *Bridge) ClearStateCache() {
	b.stateCacheMu.Lock()
	b.stateCache = make(map[string]map[string]any)
	b.stateCacheMu.Unlock()
}

func (b *Bridge) publishState(d *device, state map[string]any) {
	msg := NewStateMessage(d.cfg.DeviceID, d.key(), d.profile, state)
	b.publishJSON(StateTopic(d.key()), msg, 1, true)
}

func (b *Bridge) publishJSON(topic string, v any, qos byte, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logError("failed to marshal message", fmt.Errorf("topic %s: %w", topic, err))
		return
	}
	if err := b.mqtt.Publish(topic, payload, qos, retained); err != nil {
		b.logError("failed to publish", fmt.Errorf("topic %s: %w", topic, err))
	}
}

// handleMQTTMessage routes incoming MQTT messages to the appropriate handler.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		return fmt.Errorf("unexpected topic %q", topic)
	}

	switch parts[1] {
	case "command":
		b.handleCommand(parts[3], payload)
	case "request":
		b.handleRequest(parts[3], payload)
	default:
		return fmt.Errorf("unexpected topic %q", topic)
	}
	return nil
}

// handleCommand transmits a telegram on behalf of a configured device.
func (b *Bridge) handleCommand(address string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"address", address,
		"command", cmd.Command)

	d, ok := b.lookupAddress(address)
	if !ok {
		b.publishAckError(cmd, address, ErrCodeNotConfigured,
			fmt.Sprintf("no device configured at %s", address))
		return
	}

	t, err := buildTelegram(d.address, cmd)
	if err != nil {
		b.publishAckError(cmd, address, errorCode(err), err.Error())
		return
	}

	if err := b.gateway.Send(t); err != nil {
		b.logError("failed to send telegram", fmt.Errorf("device %s: %w", d.cfg.DeviceID, err))
		b.publishAckError(cmd, address, errorCode(err), err.Error())
		return
	}

	b.publishAck(cmd, address, AckAccepted)
}

// buildTelegram converts a command into an outgoing telegram sent from addr.
func buildTelegram(addr enocean.Address, cmd CommandMessage) (enocean.Telegram, error) {
	params := cmd.Parameters

	switch cmd.Command {
	case "send_rps":
		buttons, err := buttonsParam(params)
		if err != nil {
			return enocean.Telegram{}, err
		}
		pressed := true
		if v, ok := params["pressed"]; ok {
			p, ok := v.(bool)
			if !ok {
				return enocean.Telegram{}, fmt.Errorf("%w: pressed must be a boolean", ErrInvalidParameters)
			}
			pressed = p
		}
		if !pressed {
			buttons = nil
		} else if len(buttons) == 0 {
			return enocean.Telegram{}, fmt.Errorf("%w: buttons is required for a press", ErrInvalidParameters)
		}
		data, status := enocean.EncodeRocker(buttons)
		return enocean.NewRPS(addr, data, status), nil

	case "send_4bs":
		data, err := hexParam(params, "data", 4)
		if err != nil {
			return enocean.Telegram{}, err
		}
		status, err := byteParam(params, "status", 0)
		if err != nil {
			return enocean.Telegram{}, err
		}
		return enocean.New4BS(addr, [4]byte(data), status), nil

	case "send_telegram":
		org, err := byteParam(params, "org", 0)
		if err != nil {
			return enocean.Telegram{}, err
		}
		status, err := byteParam(params, "status", 0)
		if err != nil {
			return enocean.Telegram{}, err
		}
		switch org {
		case enocean.OrgRPS, enocean.Org1BS:
			data, err := hexParam(params, "data", 1)
			if err != nil {
				return enocean.Telegram{}, err
			}
			if org == enocean.OrgRPS {
				return enocean.NewRPS(addr, data[0], status), nil
			}
			return enocean.New1BS(addr, data[0], status), nil
		case enocean.Org4BS:
			data, err := hexParam(params, "data", 4)
			if err != nil {
				return enocean.Telegram{}, err
			}
			return enocean.New4BS(addr, [4]byte(data), status), nil
		default:
			return enocean.Telegram{}, fmt.Errorf("%w: org 0x%02X is not a radio telegram class", ErrInvalidParameters, org)
		}

	default:
		return enocean.Telegram{}, fmt.Errorf("%w: %q", ErrInvalidCommand, cmd.Command)
	}
}

func buttonsParam(params map[string]any) ([]enocean.Button, error) {
	raw, ok := params["buttons"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: buttons must be a list", ErrInvalidParameters)
	}
	if len(list) > 2 {
		return nil, fmt.Errorf("%w: at most two buttons can be pressed", ErrInvalidParameters)
	}

	buttons := make([]enocean.Button, 0, len(list))
	for _, v := range list {
		s, _ := v.(string)
		switch b := enocean.Button(strings.ToUpper(s)); b {
		case enocean.ButtonLeftTop, enocean.ButtonLeftBottom, enocean.ButtonRightTop, enocean.ButtonRightBottom:
			buttons = append(buttons, b)
		default:
			return nil, fmt.Errorf("%w: unknown button %v", ErrInvalidParameters, v)
		}
	}
	return buttons, nil
}

// hexParam decodes a hex string parameter of exactly n bytes.
func hexParam(params map[string]any, name string, n int) ([]byte, error) {
	s, ok := params[name].(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a hex string", ErrInvalidParameters, name)
	}
	data, err := hex.DecodeString(strings.ReplaceAll(s, "-", ""))
	if err != nil || len(data) != n {
		return nil, fmt.Errorf("%w: %s must be %d hex bytes", ErrInvalidParameters, name, n)
	}
	return data, nil
}

// byteParam reads an optional numeric parameter in 0..255. JSON numbers
// arrive as float64.
func byteParam(params map[string]any, name string, def byte) (byte, error) {
	v, ok := params[name]
	if !ok {
		return def, nil
	}
	f, ok := v.(float64)
	if !ok || f < 0 || f > 255 || f != float64(int(f)) {
		return 0, fmt.Errorf("%w: %s must be an integer 0-255", ErrInvalidParameters, name)
	}
	return byte(f), nil
}

// errorCode maps an error to the code reported in acks and responses.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrInvalidParameters), errors.Is(err, enocean.ErrInvalidAddress):
		return ErrCodeInvalidParameters
	case errors.Is(err, ErrUnknownDevice):
		return ErrCodeNotConfigured
	case errors.Is(err, enocean.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, enocean.ErrLockFailure):
		return ErrCodeLockFailed
	case errors.Is(err, enocean.ErrNotConnected):
		return ErrCodeNotConnected
	case errors.Is(err, enocean.ErrUnsupported):
		return ErrCodeUnsupported
	case errors.Is(err, enocean.ErrParse), errors.Is(err, enocean.ErrProtocolViolation):
		return ErrCodeProtocolError
	case errors.Is(err, enocean.ErrSendQueueFull):
		return ErrCodeQueueFull
	default:
		return ErrCodeBridgeError
	}
}

func (b *Bridge) publishAck(cmd CommandMessage, address string, status AckStatus) {
	b.publishJSON(AckTopic(address), NewAckMessage(cmd, status, address), 1, false)
}

func (b *Bridge) publishAckError(cmd CommandMessage, address, code, message string) {
	b.publishJSON(AckTopic(address), NewAckError(cmd, address, code, message), 1, false)
}

// handleRequest runs a request and publishes the response. Memory scans
// answer asynchronously.
func (b *Bridge) handleRequest(topicID string, payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = topicID
	}
	if req.RequestID == "" || req.RequestID == "+" {
		req.RequestID = uuid.NewString()
	}

	b.logInfo("received request",
		"request_id", req.RequestID,
		"action", req.Action)

	var resp ResponseMessage
	switch req.Action {
	case "status":
		resp = b.handleStatus(req)
	case "read_state":
		resp = b.handleReadState(req)
	case "lock_bus":
		resp = b.handleBusLock(req, true)
	case "unlock_bus":
		resp = b.handleBusLock(req, false)
	case "read_stored_memory":
		resp = b.handleStoredMemory(req)
	case "read_memory":
		if !b.startMemoryScan(req) {
			resp = NewErrorResponse(req.RequestID, ErrCodeBusy, "a memory scan is already running")
			break
		}
		return
	default:
		resp = NewErrorResponse(req.RequestID, ErrCodeInvalidCommand,
			fmt.Sprintf("unknown action: %s", req.Action))
	}

	b.publishJSON(ResponseTopic(req.RequestID), resp, 1, false)
}

func (b *Bridge) handleStatus(req RequestMessage) ResponseMessage {
	link := b.health.Snapshot()

	b.devicesMu.RLock()
	devices := len(b.devices)
	b.devicesMu.RUnlock()

	data := map[string]any{
		"bridge":      b.cfg.Bridge.ID,
		"device_type": string(link.DeviceType),
		"connected":   link.Connected,
		"bus_locked":  link.Locked,
		"devices":     devices,
		"scanning":    b.scanning.Load(),
		"statistics": BridgeStatistics{
			TelegramsReceived: link.Stats.TelegramsRx,
			TelegramsSent:     link.Stats.TelegramsTx,
			TelegramsDropped:  link.Stats.TelegramsDropped,
			BytesDiscarded:    link.Stats.BytesDiscarded,
			Errors:            link.Stats.ErrorsTotal,
			Reconnects:        link.Stats.ReconnectsTotal,
		},
		"events_dropped": b.eventsDropped.Load(),
	}

	if b.recorder != nil {
		ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
		defer cancel()
		if n, err := b.recorder.SenderCount(ctx); err == nil {
			data["senders_seen"] = n
		} else {
			b.logError("failed to count senders", err)
		}
	}

	return NewResponse(req.RequestID, data)
}

func (b *Bridge) handleReadState(req RequestMessage) ResponseMessage {
	var (
		d  *device
		ok bool
	)
	if req.DeviceID != "" {
		b.devicesMu.RLock()
		d, ok = b.byID[req.DeviceID]
		b.devicesMu.RUnlock()
	} else if addr, isString := req.Parameters["address"].(string); isString {
		d, ok = b.lookupAddress(addr)
	}
	if !ok {
		return NewErrorResponse(req.RequestID, ErrCodeNotConfigured, "device not configured")
	}

	state, known := b.CachedState(d.key())
	data := map[string]any{
		"device_id": d.cfg.DeviceID,
		"address":   d.key(),
		"profile":   string(d.profile),
		"known":     known,
		"state":     state,
	}

	if b.recorder != nil {
		ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
		defer cancel()
		if n, err := b.recorder.MessageCount(ctx, d.sender(b.gateway.BaseID())); err == nil {
			data["messages_seen"] = n
		} else {
			b.logError("failed to count sender messages", err)
		}
	}
	return NewResponse(req.RequestID, data)
}

// handleStoredMemory answers from the last stored scan of one bus device
// without touching the bus.
func (b *Bridge) handleStoredMemory(req RequestMessage) ResponseMessage {
	if b.recorder == nil {
		return NewErrorResponse(req.RequestID, ErrCodeUnsupported, "no recorder configured")
	}
	busID, err := byteParam(req.Parameters, "bus_id", 0)
	if err != nil || busID == 0 {
		return NewErrorResponse(req.RequestID, ErrCodeInvalidParameters, "bus_id must be an integer 1-255")
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	mem, found, err := b.recorder.LatestMemory(ctx, int(busID))
	if err != nil {
		b.logError("failed to load stored memory", err)
		return NewErrorResponse(req.RequestID, ErrCodeBridgeError, err.Error())
	}
	if !found {
		return NewResponse(req.RequestID, map[string]any{"bus_id": int(busID), "found": false})
	}
	return NewResponse(req.RequestID, map[string]any{
		"bus_id":     mem.BusID,
		"found":      true,
		"scan_id":    mem.ScanID,
		"model":      mem.Model,
		"scanned_at": mem.ScannedAt,
		"lines":      mem.Lines,
	})
}

func (b *Bridge) handleBusLock(req RequestMessage, lock bool) ResponseMessage {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	var err error
	if lock {
		err = b.gateway.Lock(ctx)
	} else {
		err = b.gateway.Unlock(ctx)
	}
	if err != nil {
		b.logError("bus lock request failed", err)
		return NewErrorResponse(req.RequestID, errorCode(err), err.Error())
	}

	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", err)
	}
	return NewResponse(req.RequestID, map[string]any{"bus_locked": lock})
}

// startMemoryScan reads all bus device memory in the background and
// publishes the response when done. It returns false if a scan is
// already running.
func (b *Bridge) startMemoryScan(req RequestMessage) bool {
	opts, err := scanOptions(req.Parameters)
	if err != nil {
		b.publishJSON(ResponseTopic(req.RequestID),
			NewErrorResponse(req.RequestID, ErrCodeInvalidParameters, err.Error()), 1, false)
		return true
	}
	if !b.scanning.CompareAndSwap(false, true) {
		return false
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.scanning.Store(false)

		resp := b.runMemoryScan(req.RequestID, opts)
		b.publishJSON(ResponseTopic(req.RequestID), resp, 1, false)
	}()
	return true
}

func (b *Bridge) runMemoryScan(requestID string, opts enocean.ScanOptions) ResponseMessage {
	ctx, cancel := context.WithTimeout(b.ctx, scanTimeout)
	defer cancel()

	opts.OnDevice = func(d enocean.DeviceMemory) {
		b.logInfo("bus device read",
			"bus_id", int(d.ID),
			"model", d.ModelString(),
			"lines", len(d.Lines),
			"skipped", len(d.Skipped))
	}

	started := time.Now()
	devices, err := b.gateway.ReadAllMemory(ctx, opts)
	if err != nil {
		b.logError("memory scan failed", err)
		return NewErrorResponse(requestID, errorCode(err), err.Error())
	}
	elapsed := time.Since(started)

	scanID := uuid.NewString()
	lines, skipped := 0, 0
	for _, d := range devices {
		lines += len(d.Lines)
		skipped += len(d.Skipped)
	}

	if b.recorder != nil {
		if err := b.recorder.SaveScan(ctx, scanID, devices); err != nil {
			b.logError("failed to store memory scan", err)
		}
	}
	if b.metrics != nil {
		b.metrics.WriteMemoryScan(b.cfg.Bridge.ID, len(devices), lines, skipped, elapsed)
		b.metrics.Flush()
	}

	b.logInfo("memory scan complete",
		"scan_id", scanID,
		"devices", len(devices),
		"lines", lines,
		"duration", elapsed.String())

	return NewResponse(requestID, map[string]any{
		"scan_id":    scanID,
		"devices":    NewMemoryDevices(devices),
		"duration_s": elapsed.Seconds(),
	})
}

func scanOptions(params map[string]any) (enocean.ScanOptions, error) {
	first, err := byteParam(params, "first_id", 1)
	if err != nil {
		return enocean.ScanOptions{}, err
	}
	last, err := byteParam(params, "last_id", 255)
	if err != nil {
		return enocean.ScanOptions{}, err
	}
	if first == 0 || last < first {
		return enocean.ScanOptions{}, fmt.Errorf("%w: need 1 <= first_id <= last_id", ErrInvalidParameters)
	}
	return enocean.ScanOptions{FirstID: first, LastID: last}, nil
}

// SetLogger sets the logger for the bridge and its components.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	b.health.SetLogger(logger)
	if b.recorder != nil {
		b.recorder.SetLogger(logger)
	}
}

// HealthReporter returns the bridge's health reporter, e.g. to build the
// MQTT will.
func (b *Bridge) HealthReporter() *HealthReporter {
	return b.health
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
