package enocean

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Channel is an open byte link to a gateway.
//
// Read must return within a bounded time. When no bytes arrive before the
// poll deadline it returns (0, nil).
type Channel interface {
	io.ReadWriteCloser
}

// Opener opens a fresh channel. The transport calls it from its own loop on
// every (re)connect attempt.
type Opener func(ctx context.Context) (Channel, error)

// DeviceType names a gateway model.
type DeviceType string

// Known gateway models.
const (
	DeviceFAM14       DeviceType = "fam14"
	DeviceFGW14USB    DeviceType = "fgw14-usb"
	DeviceFTD14       DeviceType = "ftd14"
	DeviceFAMUSB      DeviceType = "fam-usb"
	DeviceUSB300      DeviceType = "usb300"
	DeviceESP3Gateway DeviceType = "esp3-gateway"
	DeviceLAN         DeviceType = "lan"
	DeviceLANESP3     DeviceType = "lan-esp3"
)

// deviceProfile describes how a gateway model is reached.
type deviceProfile struct {
	baud    int
	dialect Dialect
	tcp     bool
	busLock bool
}

var deviceProfiles = map[DeviceType]deviceProfile{
	DeviceFAM14:       {baud: 57600, dialect: DialectESP2, busLock: true},
	DeviceFGW14USB:    {baud: 57600, dialect: DialectESP2},
	DeviceFTD14:       {baud: 57600, dialect: DialectESP2},
	DeviceFAMUSB:      {baud: 9600, dialect: DialectESP2},
	DeviceUSB300:      {baud: 57600, dialect: DialectESP3},
	DeviceESP3Gateway: {baud: 57600, dialect: DialectESP3},
	DeviceLAN:         {dialect: DialectESP2, tcp: true},
	DeviceLANESP3:     {dialect: DialectESP3, tcp: true},
}

// ParseDeviceType parses a gateway model name.
func ParseDeviceType(s string) (DeviceType, error) {
	d := DeviceType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := deviceProfiles[d]; !ok {
		return "", fmt.Errorf("%w: device type %q", ErrUnsupported, s)
	}
	return d, nil
}

// BaudRate returns the serial baud rate for the model, or 0 for TCP gateways.
func (d DeviceType) BaudRate() int {
	return deviceProfiles[d].baud
}

// Dialect returns the wire encoding the model speaks by default.
func (d DeviceType) Dialect() Dialect {
	return deviceProfiles[d].dialect
}

// IsTCP reports whether the model is reached over a TCP socket.
func (d DeviceType) IsTCP() bool {
	return deviceProfiles[d].tcp
}

// SupportsBusLock reports whether the model coordinates a wired bus and
// answers lock, discovery and memory commands.
func (d DeviceType) SupportsBusLock() bool {
	return deviceProfiles[d].busLock
}

// Default channel timings.
const (
	defaultPollInterval   = 50 * time.Millisecond
	defaultConnectTimeout = 10 * time.Second
	defaultProbeTimeout   = 250 * time.Millisecond
)

// SerialOpener opens a serial port at the given baud rate, 8N1.
func SerialOpener(path string, baud int, poll time.Duration) Opener {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return func(_ context.Context) (Channel, error) {
		mode := &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(path, mode)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %w", ErrTransport, path, err)
		}
		if err := port.SetReadTimeout(poll); err != nil {
			port.Close() //nolint:errcheck // best effort on error path
			return nil, fmt.Errorf("%w: set read timeout: %w", ErrTransport, err)
		}
		if err := port.ResetInputBuffer(); err != nil {
			port.Close() //nolint:errcheck // best effort on error path
			return nil, fmt.Errorf("%w: reset input: %w", ErrTransport, err)
		}
		return port, nil
	}
}

// TCPOpener dials host:port and verifies the peer is alive before handing
// the connection to the transport.
//
// The liveness probe is a short read: a timeout means the socket is open and
// idle, EOF or a reset means the peer is gone. ESP3 gateways are also sent a
// version request so that a silent but healthy link produces traffic. ESP2
// has no request the gateway answers without forwarding it to the bus, so
// ESP2 links are only read. Bytes received during the probe are replayed by
// the first Read.
func TCPOpener(address string, dialect Dialect, poll time.Duration) Opener {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return func(ctx context.Context) (Channel, error) {
		dialCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()

		var dialer net.Dialer
		conn, err := dialer.DialContext(dialCtx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, address, err)
		}

		ch := &tcpChannel{conn: conn, poll: poll}
		if err := ch.checkAlive(dialect); err != nil {
			conn.Close() //nolint:errcheck // best effort on error path
			return nil, fmt.Errorf("%w: liveness probe %s: %w", ErrTransport, address, err)
		}
		return ch, nil
	}
}

type tcpChannel struct {
	conn    net.Conn
	poll    time.Duration
	pending []byte
}

func (c *tcpChannel) checkAlive(dialect Dialect) error {
	if dialect == DialectESP3 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(defaultProbeTimeout)); err != nil {
			return err
		}
		if _, err := c.conn.Write(NewReadVersionPacket().Encode()); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}

	buf := make([]byte, 64)
	if err := c.conn.SetReadDeadline(time.Now().Add(defaultProbeTimeout)); err != nil {
		return err
	}
	n, err := c.conn.Read(buf)
	if n > 0 {
		c.pending = append(c.pending, buf[:n]...)
	}
	if err != nil && !isTimeout(err) {
		return fmt.Errorf("read: %w", err)
	}
	return nil
}

func (c *tcpChannel) Read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.poll)); err != nil {
		return 0, err
	}
	n, err := c.conn.Read(p)
	if err != nil && isTimeout(err) {
		return n, nil
	}
	return n, err
}

func (c *tcpChannel) Write(p []byte) (int, error) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultConnectTimeout)); err != nil {
		return 0, err
	}
	return c.conn.Write(p)
}

func (c *tcpChannel) Close() error {
	return c.conn.Close()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
