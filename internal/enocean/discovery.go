package enocean

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// Device id range answered by the bus coordinator.
const (
	minDeviceID byte = 1
	maxDeviceID byte = 255
)

// NewDiscoveryRequest asks the device with the given bus id to identify itself.
func NewDiscoveryRequest(id byte) Telegram {
	return NewCommand(OrgDiscovery, id, nil)
}

// NewMemoryReadRequest asks device id for one memory line.
func NewMemoryReadRequest(id, line byte) Telegram {
	return NewCommand(OrgMemoryRead, id, []byte{line})
}

// NewDiscoveryReply builds the reply a device sends to a discovery request.
func NewDiscoveryReply(id, lines byte, model uint32) Telegram {
	payload := make([]byte, 5)
	payload[0] = lines
	binary.BigEndian.PutUint32(payload[1:], model)
	return NewCommand(OrgDiscovery, id, payload).WithHeader(HeaderRMT)
}

// NewMemoryReadReply builds the reply carrying one memory line.
func NewMemoryReadReply(id byte, data [commandPayloadLen]byte) Telegram {
	return NewCommand(OrgMemoryRead, id, data[:]).WithHeader(HeaderRMT)
}

// matchCommandReply accepts replies by org and device id. Memory read
// replies carry no line number, so a reply arriving after its request timed
// out would match the next line; readDevice drains for one more timeout
// after a miss. A reply later than that is still taken for the next line.
func matchCommandReply(org, id byte) Matcher {
	return func(t Telegram) bool {
		return t.Org == org && !t.Outgoing() && t.CommandID() == id
	}
}

// MemoryLine is one raw memory line of a bus device.
type MemoryLine struct {
	Number int
	Data   [commandPayloadLen]byte
}

// DeviceMemory is the result of scanning one bus device.
type DeviceMemory struct {
	ID        byte
	Model     uint32
	LineCount int
	Lines     []MemoryLine
	Skipped   []int // lines that timed out
}

// ModelString formats the model identifier as hex.
func (d DeviceMemory) ModelString() string {
	return fmt.Sprintf("%08X", d.Model)
}

// ScanOptions configures ReadAllMemory.
type ScanOptions struct {
	// FirstID and LastID bound the scanned ids. Zero means 1 and 255.
	FirstID byte
	LastID  byte

	// Exchange bounds every discovery and memory-read exchange.
	Exchange ExchangeOptions

	// OnDevice, if set, is called after each device is read.
	OnDevice func(DeviceMemory)
}

// ReadAllMemory locks the bus, discovers devices by id and reads every
// memory line of each device found.
//
// A discovery timeout means no device has that id. A memory line that times
// out is recorded in Skipped and the scan continues with the next line. Any
// other error, including cancellation of ctx, aborts the whole scan. The bus
// lock is released on every exit path.
//
// Returns:
//   - []DeviceMemory: Devices read before the scan ended
//   - error: ErrLockFailure, or the error that aborted the scan
func (c *Controller) ReadAllMemory(ctx context.Context, opts ScanOptions) ([]DeviceMemory, error) {
	first, last := opts.FirstID, opts.LastID
	if first == 0 {
		first = minDeviceID
	}
	if last == 0 {
		last = maxDeviceID
	}
	if first > last {
		return nil, fmt.Errorf("%w: scan range %d..%d", ErrUnsupported, first, last)
	}

	var devices []DeviceMemory
	err := c.WithBusLock(ctx, func(ctx context.Context) error {
		for id := int(first); id <= int(last); id++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			dev, found, err := c.readDevice(ctx, byte(id), opts.Exchange)
			if err != nil {
				return fmt.Errorf("device %d: %w", id, err)
			}
			if !found {
				continue
			}
			devices = append(devices, dev)
			if opts.OnDevice != nil {
				opts.OnDevice(dev)
			}
		}
		return nil
	})
	return devices, err
}

// readDevice discovers one id and reads its memory lines.
func (c *Controller) readDevice(ctx context.Context, id byte, opts ExchangeOptions) (DeviceMemory, bool, error) {
	opts = c.withDefaults(opts)

	reply, err := c.Exchange(ctx, NewDiscoveryRequest(id), matchCommandReply(OrgDiscovery, id), opts)
	if errors.Is(err, ErrTimeout) {
		return DeviceMemory{}, false, nil
	}
	if err != nil {
		return DeviceMemory{}, false, fmt.Errorf("discovery: %w", err)
	}

	p := reply.CommandPayload()
	dev := DeviceMemory{
		ID:        id,
		LineCount: int(p[0]),
		Model:     binary.BigEndian.Uint32(p[1:5]),
	}
	c.logInfo("bus device found", "id", id, "model", dev.ModelString(), "lines", dev.LineCount)

	for line := 1; line <= dev.LineCount; line++ {
		if err := ctx.Err(); err != nil {
			return dev, true, err
		}
		resp, err := c.Exchange(ctx, NewMemoryReadRequest(id, byte(line)), matchCommandReply(OrgMemoryRead, id), opts) //nolint:gosec // line <= 255
		if errors.Is(err, ErrTimeout) {
			c.logWarn("memory line timed out", "id", id, "line", line)
			dev.Skipped = append(dev.Skipped, line)
			if c.drain(ctx, matchCommandReply(OrgMemoryRead, id), opts.Timeout) {
				c.logWarn("late memory line reply discarded", "id", id, "line", line)
			}
			continue
		}
		if err != nil {
			return dev, true, fmt.Errorf("memory line %d: %w", line, err)
		}
		dev.Lines = append(dev.Lines, MemoryLine{Number: line, Data: resp.CommandPayload()})
	}
	return dev, true, nil
}
