package enocean

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

// simDevice is a bus device answering discovery and memory reads.
type simDevice struct {
	model      uint32
	lines      int
	silentLine int // memory line that never answers
	brokenLine int // memory line whose request fails to send
}

func memoryLineData(id byte, line int) [8]byte {
	return [8]byte{id, byte(line), 0xDE, 0xAD, 0xBE, 0xEF, 0x00, byte(line * 2)}
}

// simulatedBus builds a fake bus answering lock, discovery and memory reads.
func simulatedBus(devices map[byte]simDevice) (*fakeBus, *Controller) {
	bus, ctrl := newFakeBus(func(req Telegram) []Telegram {
		if req.Org == OrgBusLock {
			return ackBusLock(req)
		}
		dev, ok := devices[req.CommandID()]
		if !ok {
			return nil
		}
		switch req.Org {
		case OrgDiscovery:
			return []Telegram{NewDiscoveryReply(req.CommandID(), byte(dev.lines), dev.model)}
		case OrgMemoryRead:
			line := int(req.CommandPayload()[0])
			if line == dev.silentLine {
				return nil
			}
			return []Telegram{NewMemoryReadReply(req.CommandID(), memoryLineData(req.CommandID(), line))}
		}
		return nil
	})
	bus.sendErr = func(req Telegram) error {
		if req.Org != OrgMemoryRead {
			return nil
		}
		dev := devices[req.CommandID()]
		if dev.brokenLine != 0 && int(req.CommandPayload()[0]) == dev.brokenLine {
			return errors.New("wire broken")
		}
		return nil
	}
	return bus, ctrl
}

func memoryReads(sent []Telegram, id byte) []int {
	var lines []int
	for _, t := range sent {
		if t.Org == OrgMemoryRead && t.CommandID() == id {
			lines = append(lines, int(t.CommandPayload()[0]))
		}
	}
	return lines
}

func TestReadAllMemory(t *testing.T) {
	bus, ctrl := simulatedBus(map[byte]simDevice{
		2: {model: 0x0412FA01, lines: 3},
		4: {model: 0x04140101, lines: 2},
	})

	var seen []byte
	devices, err := ctrl.ReadAllMemory(context.Background(), ScanOptions{
		FirstID:  1,
		LastID:   5,
		OnDevice: func(d DeviceMemory) { seen = append(seen, d.ID) },
	})
	if err != nil {
		t.Fatalf("ReadAllMemory() error: %v", err)
	}

	if len(devices) != 2 {
		t.Fatalf("found %d devices, want 2", len(devices))
	}
	d := devices[0]
	if d.ID != 2 || d.Model != 0x0412FA01 || d.LineCount != 3 || len(d.Lines) != 3 {
		t.Errorf("device = %+v", d)
	}
	if d.Lines[1] != (MemoryLine{Number: 2, Data: memoryLineData(2, 2)}) {
		t.Errorf("line 2 = %+v", d.Lines[1])
	}
	if d.ModelString() != "0412FA01" {
		t.Errorf("ModelString() = %q", d.ModelString())
	}
	if !reflect.DeepEqual(seen, []byte{2, 4}) {
		t.Errorf("OnDevice ids = %v, want [2 4]", seen)
	}

	sent := bus.sent()
	if got := countOrg(sent, OrgDiscovery); got != 5 {
		t.Errorf("discovery requests = %d, want 5", got)
	}
	if !isUnlock(sent[len(sent)-1]) {
		t.Error("scan did not end with unlock")
	}
	if ctrl.IsLocked() {
		t.Error("bus still locked after scan")
	}
}

func TestReadAllMemoryLineTimeoutContinues(t *testing.T) {
	bus, ctrl := simulatedBus(map[byte]simDevice{
		3: {model: 1, lines: 10, silentLine: 5},
	})

	devices, err := ctrl.ReadAllMemory(context.Background(), ScanOptions{FirstID: 3, LastID: 3})
	if err != nil {
		t.Fatalf("ReadAllMemory() error: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("found %d devices, want 1", len(devices))
	}

	d := devices[0]
	if !reflect.DeepEqual(d.Skipped, []int{5}) {
		t.Errorf("Skipped = %v, want [5]", d.Skipped)
	}
	if len(d.Lines) != 9 {
		t.Errorf("read %d lines, want 9", len(d.Lines))
	}
	want := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if got := memoryReads(bus.sent(), 3); !reflect.DeepEqual(got, want) {
		t.Errorf("memory reads = %v, want %v", got, want)
	}
}

func TestReadAllMemoryLateLineReplyNotMisattributed(t *testing.T) {
	const (
		timeout   = 50 * time.Millisecond
		lateDelay = 65 * time.Millisecond
		lineDelay = 20 * time.Millisecond
	)
	dev := simDevice{model: 1, lines: 6}

	bus := &fakeBus{}
	ctrl := NewController(bus, ExchangeOptions{Retries: 1, Timeout: timeout})
	bus.ctrl = ctrl
	reply := func(after time.Duration, tg Telegram) {
		go func() {
			time.Sleep(after)
			ctrl.Intercept(tg)
		}()
	}
	bus.respond = func(req Telegram) []Telegram {
		switch {
		case req.Org == OrgBusLock:
			return ackBusLock(req)
		case req.Org == OrgDiscovery && req.CommandID() == 3:
			return []Telegram{NewDiscoveryReply(3, byte(dev.lines), dev.model)}
		case req.Org == OrgMemoryRead && req.CommandID() == 3:
			line := int(req.CommandPayload()[0])
			delay := lineDelay
			if line == 5 {
				// Answers after the request has timed out, while the next
				// line would already be waiting.
				delay = lateDelay
			}
			reply(delay, NewMemoryReadReply(3, memoryLineData(3, line)))
		}
		return nil
	}

	devices, err := ctrl.ReadAllMemory(context.Background(), ScanOptions{FirstID: 3, LastID: 3})
	if err != nil {
		t.Fatalf("ReadAllMemory() error: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("found %d devices, want 1", len(devices))
	}
	for _, l := range devices[0].Lines {
		if l.Data != memoryLineData(3, l.Number) {
			t.Errorf("line %d holds % X, want % X", l.Number, l.Data, memoryLineData(3, l.Number))
		}
	}
	if n := len(devices[0].Lines) + len(devices[0].Skipped); n != dev.lines {
		t.Errorf("lines %d + skipped %v, want %d in total", len(devices[0].Lines), devices[0].Skipped, dev.lines)
	}
}

func TestReadAllMemoryAbortsOnError(t *testing.T) {
	bus, ctrl := simulatedBus(map[byte]simDevice{
		2: {model: 1, lines: 4, brokenLine: 2},
		3: {model: 1, lines: 1},
	})

	devices, err := ctrl.ReadAllMemory(context.Background(), ScanOptions{})
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Fatalf("ReadAllMemory() error = %v, want non-timeout failure", err)
	}
	if len(devices) != 0 {
		t.Errorf("devices = %+v, want none", devices)
	}

	sent := bus.sent()
	for _, tg := range sent {
		if tg.Org == OrgDiscovery && tg.CommandID() > 2 {
			t.Fatalf("scan continued to device %d after error", tg.CommandID())
		}
	}
	if got := memoryReads(sent, 2); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Errorf("memory reads = %v, want [1 2]", got)
	}
	if !isUnlock(sent[len(sent)-1]) {
		t.Error("aborted scan did not unlock the bus")
	}
}

func TestReadAllMemoryCancel(t *testing.T) {
	bus, ctrl := simulatedBus(map[byte]simDevice{
		1: {model: 1, lines: 1},
		2: {model: 1, lines: 1},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	devices, err := ctrl.ReadAllMemory(ctx, ScanOptions{
		OnDevice: func(DeviceMemory) { cancel() },
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ReadAllMemory() error = %v, want context.Canceled", err)
	}
	if len(devices) != 1 {
		t.Errorf("devices = %d, want 1", len(devices))
	}

	sent := bus.sent()
	if got := countOrg(sent, OrgDiscovery); got != 1 {
		t.Errorf("discovery requests = %d, want 1", got)
	}
	if !isUnlock(sent[len(sent)-1]) {
		t.Error("cancelled scan did not unlock the bus")
	}
}

func TestReadAllMemoryLockFailure(t *testing.T) {
	bus, ctrl := newFakeBus(nil)

	_, err := ctrl.ReadAllMemory(context.Background(), ScanOptions{Exchange: ExchangeOptions{Timeout: time.Millisecond}})
	if !errors.Is(err, ErrLockFailure) {
		t.Fatalf("ReadAllMemory() error = %v, want ErrLockFailure", err)
	}
	if got := countOrg(bus.sent(), OrgDiscovery); got != 0 {
		t.Errorf("discovery requests = %d, want 0", got)
	}
}
