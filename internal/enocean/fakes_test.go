package enocean

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeChannel is an in-memory Channel. Bytes passed to feed are returned
// by Read; written frames are recorded and may trigger scripted replies,
// either as ESP2 telegrams or as raw frames.
type fakeChannel struct {
	mu           sync.Mutex
	inbox        chan []byte
	written      [][]byte
	closed       bool
	readErr      error
	respond      func(Telegram) []Telegram
	respondFrame func([]byte) [][]byte
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{inbox: make(chan []byte, 256)}
}

func (f *fakeChannel) Read(p []byte) (int, error) {
	f.mu.Lock()
	closed, err := f.closed, f.readErr
	f.mu.Unlock()
	if closed {
		return 0, io.EOF
	}
	if err != nil {
		return 0, err
	}

	select {
	case b := <-f.inbox:
		return copy(p, b), nil
	case <-time.After(2 * time.Millisecond):
		return 0, nil
	}
}

func (f *fakeChannel) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.written = append(f.written, append([]byte(nil), p...))
	respond, respondFrame := f.respond, f.respondFrame
	f.mu.Unlock()

	if respondFrame != nil {
		for _, r := range respondFrame(p) {
			f.inbox <- r
		}
	}

	if respond != nil {
		if t, err := ParseTelegram(p); err == nil {
			for _, r := range respond(t) {
				f.inbox <- r.Encode()
			}
		}
	}
	return len(p), nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) feed(b []byte) {
	f.inbox <- b
}

func (f *fakeChannel) fail(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

func (f *fakeChannel) setResponder(fn func(Telegram) []Telegram) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func (f *fakeChannel) setFrameResponder(fn func([]byte) [][]byte) {
	f.mu.Lock()
	f.respondFrame = fn
	f.mu.Unlock()
}

func (f *fakeChannel) writtenFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

// sent returns the ESP2 telegrams written so far.
func (f *fakeChannel) sent() []Telegram {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Telegram
	for _, w := range f.written {
		if t, err := ParseTelegram(w); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// scriptedOpener fails the first `failures` opens, then hands out the given
// channels in order, repeating the last one.
func scriptedOpener(failures int, channels ...*fakeChannel) (Opener, *atomic.Int32) {
	var opens atomic.Int32
	return func(_ context.Context) (Channel, error) {
		n := int(opens.Add(1))
		if n <= failures {
			return nil, errors.New("device not present")
		}
		idx := n - failures - 1
		if idx >= len(channels) {
			idx = len(channels) - 1
		}
		return channels[idx], nil
	}, &opens
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeBus is a Sender that answers requests synchronously through a
// Controller, standing in for transport plus wire.
type fakeBus struct {
	mu      sync.Mutex
	ctrl    *Controller
	sends   []Telegram
	respond func(Telegram) []Telegram
	sendErr func(Telegram) error
}

func (b *fakeBus) Enqueue(t Telegram) error {
	b.mu.Lock()
	b.sends = append(b.sends, t)
	respond, sendErr, ctrl := b.respond, b.sendErr, b.ctrl
	b.mu.Unlock()

	if sendErr != nil {
		if err := sendErr(t); err != nil {
			return err
		}
	}
	if respond != nil {
		for _, r := range respond(t) {
			ctrl.Intercept(r)
		}
	}
	return nil
}

func (b *fakeBus) sent() []Telegram {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Telegram(nil), b.sends...)
}

func newFakeBus(respond func(Telegram) []Telegram) (*fakeBus, *Controller) {
	bus := &fakeBus{respond: respond}
	ctrl := NewController(bus, ExchangeOptions{Retries: 1, Timeout: 10 * time.Millisecond})
	bus.ctrl = ctrl
	return bus, ctrl
}

// ackBusLock echoes lock and unlock commands the way the bus coordinator does.
func ackBusLock(t Telegram) []Telegram {
	if t.Org != OrgBusLock {
		return nil
	}
	p := t.CommandPayload()
	return []Telegram{NewCommand(OrgBusLock, 0, p[:1]).WithHeader(HeaderRMT)}
}

func isUnlock(t Telegram) bool {
	return t.Org == OrgBusLock && t.Outgoing() && t.CommandPayload()[0] == busLockOff
}

func countOrg(ts []Telegram, org byte) int {
	n := 0
	for _, t := range ts {
		if t.Org == org {
			n++
		}
	}
	return n
}
