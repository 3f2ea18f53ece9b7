package eltako

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-eltako/internal/enocean"
	"github.com/nerrad567/gray-logic-eltako/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-eltako/internal/infrastructure/mqtt"
)

// Protocol is the protocol identifier used in topics and messages.
const Protocol = "eltako"

var topics = mqtt.Topics{}

// StateTopic returns the retained state topic for a device address.
func StateTopic(address string) string { return topics.BridgeState(Protocol, address) }

// CommandTopic returns the command topic for a device address.
func CommandTopic(address string) string { return topics.BridgeCommand(Protocol, address) }

// AckTopic returns the acknowledgement topic for a device address.
func AckTopic(address string) string { return topics.BridgeAck(Protocol, address) }

// EventTopic returns the button event topic for a device address.
func EventTopic(address string) string { return topics.BridgeEvent(Protocol, address) }

// TelegramTopic returns the raw telegram echo topic for a sender address.
func TelegramTopic(address string) string { return topics.BridgeTelegram(Protocol, address) }

// ResponseTopic returns the response topic for a request id.
func ResponseTopic(requestID string) string { return topics.BridgeResponse(Protocol, requestID) }

// HealthTopic returns the retained health topic.
func HealthTopic() string { return topics.BridgeHealth(Protocol) }

// CommandMessage is sent from Core to Bridge to transmit a telegram.
// Topic: graylogic/command/eltako/{address}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the Gray Logic device identifier.
	DeviceID string `json:"device_id"`

	// Command is one of "send_rps", "send_4bs", "send_telegram".
	Command string `json:"command"`

	// Parameters contains command-specific values.
	//   send_rps:      {"buttons": ["LT"], "pressed": true}
	//   send_4bs:      {"data": "0855870F"}
	//   send_telegram: {"org": 7, "data": "0855870F", "status": 0}
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated.
	Source string `json:"source"`
}

// UnmarshalJSON accepts an empty or RFC 3339 timestamp.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the telegram was queued for transmission.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the gateway did not answer in time.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is sent from Bridge to Core to acknowledge a command.
// Topic: graylogic/ack/eltako/{address}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeNotConnected      = "NOT_CONNECTED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeLockFailed        = "LOCK_FAILED"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeUnsupported       = "UNSUPPORTED"
	ErrCodeQueueFull         = "QUEUE_FULL"
	ErrCodeBusy              = "BUSY"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// NewAckMessage creates an acknowledgment message for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus, address string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
		Address:   address,
	}
}

// NewAckError creates an acknowledgment with error details.
func NewAckError(cmd CommandMessage, address, code, message string) AckMessage {
	ack := NewAckMessage(cmd, AckFailed, address)
	if code == ErrCodeTimeout {
		ack.Status = AckTimeout
	}
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// StateMessage carries the latest decoded values of a device.
// Topic: graylogic/state/eltako/{address}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	Profile   string         `json:"profile"`
	State     map[string]any `json:"state"`
	Protocol  string         `json:"protocol"`
	Address   string         `json:"address"`
}

// NewStateMessage creates a state message for a device.
func NewStateMessage(deviceID, address string, profile enocean.Profile, state map[string]any) StateMessage {
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		Profile:   string(profile),
		State:     state,
		Protocol:  Protocol,
		Address:   address,
	}
}

// ButtonEventMessage reports a rocker press or release.
// Topic: graylogic/event/eltako/{address}
// QoS: 1, Retained: No
type ButtonEventMessage struct {
	DeviceID   string     `json:"device_id"`
	Address    string     `json:"address"`
	Event      string     `json:"event"` // "pressed" or "released"
	Buttons    []string   `json:"buttons"`
	PushedAt   time.Time  `json:"pushed_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`

	// DurationSeconds is set on release.
	DurationSeconds float64 `json:"duration_s,omitempty"`
}

// NewButtonEventMessage converts a decoder event.
func NewButtonEventMessage(deviceID string, ev enocean.ButtonEvent) ButtonEventMessage {
	msg := ButtonEventMessage{
		DeviceID: deviceID,
		Address:  ev.Address.String(),
		Event:    "released",
		Buttons:  buttonNames(ev.Buttons),
		PushedAt: ev.PushedAt.UTC(),
	}
	if ev.Pressed {
		msg.Event = "pressed"
		return msg
	}
	released := ev.ReleasedAt.UTC()
	msg.ReleasedAt = &released
	msg.DurationSeconds = ev.PushDurationSeconds()
	return msg
}

func buttonNames(buttons []enocean.Button) []string {
	names := make([]string, len(buttons))
	for i, b := range buttons {
		names[i] = string(b)
	}
	return names
}

// TelegramMessage echoes a raw telegram.
// Topic: graylogic/telegram/eltako/{address}
type TelegramMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Header    byte      `json:"header"`
	Org       byte      `json:"org"`
	Data      string    `json:"data"`
	Address   string    `json:"address"`
	Status    byte      `json:"status"`
}

// NewTelegramMessage converts a telegram. Local addresses are resolved
// against base.
func NewTelegramMessage(t enocean.Telegram, base enocean.Address) TelegramMessage {
	return TelegramMessage{
		Timestamp: time.Now().UTC(),
		Kind:      t.Kind().String(),
		Header:    byte(t.Header),
		Org:       t.Org,
		Data:      fmt.Sprintf("%X", t.Payload()),
		Address:   t.Address.Resolve(base).String(),
		Status:    t.Status,
	}
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/eltako
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Connection     *ConnectionStatus `json:"connection,omitempty"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	DevicesManaged int               `json:"devices_managed"`
	Reason         string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the gateway link.
type ConnectionStatus struct {
	Status       string     `json:"status"`
	DeviceType   string     `json:"device_type"`
	Address      string     `json:"address"`
	BusLocked    bool       `json:"bus_locked"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// BridgeStatistics contains link counters.
type BridgeStatistics struct {
	TelegramsReceived uint64 `json:"telegrams_received"`
	TelegramsSent     uint64 `json:"telegrams_sent"`
	TelegramsDropped  uint64 `json:"telegrams_dropped"`
	BytesDiscarded    uint64 `json:"bytes_discarded"`
	Errors            uint64 `json:"errors"`
	Reconnects        uint64 `json:"reconnects"`
}

// NewHealthMessage creates a health status message from gateway statistics.
func NewHealthMessage(bridgeID, version string, status HealthStatus, link LinkInfo, deviceCount int, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:         bridgeID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        version,
		UptimeSeconds:  int64(time.Since(startTime).Seconds()),
		DevicesManaged: deviceCount,
	}

	conn := &ConnectionStatus{
		Status:     "disconnected",
		DeviceType: string(link.DeviceType),
		Address:    link.Address,
		BusLocked:  link.Locked,
	}
	if link.Connected {
		conn.Status = "connected"
	}
	if !link.Stats.LastActivity.IsZero() {
		last := link.Stats.LastActivity.UTC()
		conn.LastActivity = &last
	}
	msg.Connection = conn

	msg.Statistics = &BridgeStatistics{
		TelegramsReceived: link.Stats.TelegramsRx,
		TelegramsSent:     link.Stats.TelegramsTx,
		TelegramsDropped:  link.Stats.TelegramsDropped,
		BytesDiscarded:    link.Stats.BytesDiscarded,
		Errors:            link.Stats.ErrorsTotal,
		Reconnects:        link.Stats.ReconnectsTotal,
	}

	return msg
}

// NewLWTMessage creates the Last Will and Testament published by the broker
// if the bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// LinkInfo is a snapshot of the gateway link used for health and metrics.
type LinkInfo struct {
	DeviceType enocean.DeviceType
	Address    string
	Connected  bool
	Locked     bool
	Stats      enocean.TransportStats
}

// GatewayStats converts the snapshot for the metrics sink.
func (l LinkInfo) GatewayStats() influxdb.GatewayStats {
	return influxdb.GatewayStats{
		TelegramsRx:      l.Stats.TelegramsRx,
		TelegramsTx:      l.Stats.TelegramsTx,
		TelegramsDropped: l.Stats.TelegramsDropped,
		BytesDiscarded:   l.Stats.BytesDiscarded,
		Errors:           l.Stats.ErrorsTotal,
		Reconnects:       l.Stats.ReconnectsTotal,
		Connected:        l.Connected,
		Locked:           l.Locked,
	}
}

// RequestMessage is sent from Core to Bridge for request/response operations.
// Topic: graylogic/request/eltako/{request_id}
type RequestMessage struct {
	RequestID string `json:"request_id"`

	// Action is one of "read_memory", "lock_bus", "unlock_bus", "status",
	// "read_state".
	Action string `json:"action"`

	// DeviceID selects the device for read_state.
	DeviceID string `json:"device_id,omitempty"`

	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseMessage answers a request.
// Topic: graylogic/response/eltako/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewResponse creates a successful response.
func NewResponse(requestID string, data map[string]any) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      data,
	}
}

// NewErrorResponse creates a failed response.
func NewErrorResponse(requestID, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Error:     &ResponseError{Code: code, Message: message},
	}
}

// MemoryDevice is one scanned bus device in a read_memory response.
type MemoryDevice struct {
	ID      int      `json:"id"`
	Model   string   `json:"model"`
	Lines   []string `json:"lines"`
	Skipped []int    `json:"skipped,omitempty"`
}

// NewMemoryDevices converts scan results. Each line is hex-encoded.
func NewMemoryDevices(devices []enocean.DeviceMemory) []MemoryDevice {
	out := make([]MemoryDevice, 0, len(devices))
	for _, d := range devices {
		md := MemoryDevice{
			ID:      int(d.ID),
			Model:   d.ModelString(),
			Lines:   make([]string, len(d.Lines)),
			Skipped: d.Skipped,
		}
		for i, line := range d.Lines {
			md.Lines[i] = hex.EncodeToString(line.Data[:])
		}
		out = append(out, md)
	}
	return out
}
