package enocean

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestGateway(t *testing.T, dt DeviceType, ch *fakeChannel) *Gateway {
	t.Helper()
	open, _ := scriptedOpener(0, ch)
	gw, err := NewGateway(GatewayConfig{
		DeviceType:        dt,
		BaseID:            MustParseAddress("FF-80-80-00"),
		ReconnectInterval: time.Millisecond,
		Exchange:          ExchangeOptions{Retries: 1, Timeout: 20 * time.Millisecond},
		Opener:            open,
	})
	if err != nil {
		t.Fatalf("NewGateway() error: %v", err)
	}
	return gw
}

func TestNewGatewayValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     GatewayConfig
		wantErr error
	}{
		{"unknown device", GatewayConfig{DeviceType: "fam99"}, ErrUnsupported},
		{"serial without port", GatewayConfig{DeviceType: DeviceFAM14}, ErrTransport},
		{"tcp without host", GatewayConfig{DeviceType: DeviceLAN}, ErrTransport},
		{"bad dialect", GatewayConfig{DeviceType: DeviceLAN, Dialect: "esp9", Host: "gw", Port: 5100}, ErrUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewGateway(tt.cfg); !errors.Is(err, tt.wantErr) {
				t.Errorf("NewGateway() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	gw, err := NewGateway(GatewayConfig{DeviceType: DeviceFAMUSB, SerialPort: "/dev/ttyUSB0"})
	if err != nil {
		t.Fatalf("NewGateway(serial) error: %v", err)
	}
	gw.Stop()
}

func TestDeviceTypeTable(t *testing.T) {
	tests := []struct {
		dt      DeviceType
		baud    int
		dialect Dialect
		tcp     bool
		busLock bool
	}{
		{DeviceFAM14, 57600, DialectESP2, false, true},
		{DeviceFGW14USB, 57600, DialectESP2, false, false},
		{DeviceFTD14, 57600, DialectESP2, false, false},
		{DeviceFAMUSB, 9600, DialectESP2, false, false},
		{DeviceUSB300, 57600, DialectESP3, false, false},
		{DeviceESP3Gateway, 57600, DialectESP3, false, false},
		{DeviceLAN, 0, DialectESP2, true, false},
		{DeviceLANESP3, 0, DialectESP3, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.dt), func(t *testing.T) {
			dt, err := ParseDeviceType(string(tt.dt))
			if err != nil {
				t.Fatalf("ParseDeviceType() error: %v", err)
			}
			if dt.BaudRate() != tt.baud || dt.Dialect() != tt.dialect || dt.IsTCP() != tt.tcp || dt.SupportsBusLock() != tt.busLock {
				t.Errorf("%s = baud %d dialect %s tcp %v lock %v", dt, dt.BaudRate(), dt.Dialect(), dt.IsTCP(), dt.SupportsBusLock())
			}
		})
	}
}

func TestGatewayEvents(t *testing.T) {
	ch := newFakeChannel()
	gw := newTestGateway(t, DeviceFAM14, ch)

	var mu sync.Mutex
	var conn []bool
	var telegrams []Telegram
	var buttons []ButtonEvent
	gw.OnConnectionChanged(func(c bool) {
		mu.Lock()
		conn = append(conn, c)
		mu.Unlock()
	})
	gw.OnTelegram(func(tg Telegram) {
		mu.Lock()
		telegrams = append(telegrams, tg)
		mu.Unlock()
	})
	gw.OnButton(func(ev ButtonEvent) {
		mu.Lock()
		buttons = append(buttons, ev)
		mu.Unlock()
	})

	switchAddr := MustParseAddress("00-00-00-21")
	gw.RegisterButton(switchAddr, AffinityAny)

	gw.Start()
	waitFor(t, "connected", gw.IsConnected)

	wire := MustParseAddress("FF-80-80-21")
	ch.feed(NewRPS(wire, 0x30, 0x30).WithHeader(HeaderRMT).Encode())
	ch.feed(NewRPS(wire, 0x00, 0x20).WithHeader(HeaderRMT).Encode())

	waitFor(t, "button events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(buttons) == 2
	})
	gw.Stop()

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(conn, []bool{true, false}) {
		t.Errorf("connection events = %v, want [true false]", conn)
	}
	if len(telegrams) != 2 {
		t.Errorf("telegram events = %d, want 2", len(telegrams))
	}
	if !buttons[0].Pressed || buttons[1].Pressed {
		t.Errorf("button events = %+v", buttons)
	}
	if !reflect.DeepEqual(buttons[1].Buttons, []Button{ButtonLeftTop}) {
		t.Errorf("release buttons = %v", buttons[1].Buttons)
	}
	if buttons[1].Address.ID != wire.ID {
		t.Errorf("button address = %v, want %v", buttons[1].Address, wire)
	}
}

func TestGatewaySend(t *testing.T) {
	ch := newFakeChannel()
	gw := newTestGateway(t, DeviceFGW14USB, ch)

	tg := NewRPS(MustParseAddress("00-00-00-05"), 0x30, 0x30)
	if err := gw.Send(tg); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() before connect error = %v, want ErrNotConnected", err)
	}

	gw.Start()
	defer gw.Stop()
	waitFor(t, "connected", gw.IsConnected)

	if err := gw.Send(tg); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	waitFor(t, "telegram written", func() bool { return len(ch.sent()) == 1 })

	want := NewRPS(MustParseAddress("FF-80-80-05"), 0x30, 0x30)
	if got := ch.sent()[0]; got != want {
		t.Errorf("sent %+v, want %+v", got, want)
	}
}

func TestGatewayBusCommandsUnsupported(t *testing.T) {
	gw := newTestGateway(t, DeviceFAMUSB, newFakeChannel())
	defer gw.Stop()

	ctx := context.Background()
	if err := gw.Lock(ctx); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Lock() error = %v, want ErrUnsupported", err)
	}
	if err := gw.Unlock(ctx); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Unlock() error = %v, want ErrUnsupported", err)
	}
	if _, err := gw.ReadAllMemory(ctx, ScanOptions{}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("ReadAllMemory() error = %v, want ErrUnsupported", err)
	}
}

func TestGatewayLockSuppressesDispatch(t *testing.T) {
	ch := newFakeChannel()
	ch.setResponder(ackBusLock)
	gw := newTestGateway(t, DeviceFAM14, ch)

	var mu sync.Mutex
	delivered := 0
	addr := MustParseAddress("01-82-3A-4B")
	gw.Register(addr, AffinityAny, func(Routed) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	gw.Start()
	defer gw.Stop()
	waitFor(t, "connected", gw.IsConnected)

	if err := gw.Lock(context.Background()); err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	ch.feed(New1BS(addr, 0x09, 0).WithHeader(HeaderRRT).Encode())
	waitFor(t, "telegram read", func() bool { return gw.Stats().TelegramsRx >= 2 })

	if err := gw.Unlock(context.Background()); err != nil {
		t.Fatalf("Unlock() error: %v", err)
	}
	ch.feed(New1BS(addr, 0x09, 0).WithHeader(HeaderRRT).Encode())
	waitFor(t, "delivery after unlock", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	})
}

func TestGatewayStopReleasesLockDuringScan(t *testing.T) {
	ch := newFakeChannel()
	ch.setResponder(ackBusLock) // discovery is never answered
	gw := newTestGateway(t, DeviceFAM14, ch)
	gw.Start()
	waitFor(t, "connected", gw.IsConnected)

	errc := make(chan error, 1)
	go func() {
		_, err := gw.ReadAllMemory(context.Background(), ScanOptions{})
		errc <- err
	}()

	waitFor(t, "bus locked", gw.IsLocked)
	gw.Stop()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("ReadAllMemory() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scan did not return after Stop")
	}

	sent := ch.sent()
	if len(sent) == 0 || !isUnlock(sent[len(sent)-1]) {
		t.Errorf("last written telegram is not an unlock: %+v", sent)
	}
	if gw.IsLocked() {
		t.Error("bus still locked after Stop")
	}
	if _, err := gw.Exchange(context.Background(), NewDiscoveryRequest(1), nil, ExchangeOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Exchange() after Stop error = %v, want ErrClosed", err)
	}
}

func TestGatewayStopReleasesExplicitLock(t *testing.T) {
	ch := newFakeChannel()
	ch.setResponder(ackBusLock)
	gw := newTestGateway(t, DeviceFAM14, ch)
	gw.Start()
	waitFor(t, "connected", gw.IsConnected)

	if err := gw.Lock(context.Background()); err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	gw.Stop()

	sent := ch.sent()
	unlocks := 0
	for _, tg := range sent {
		if isUnlock(tg) {
			unlocks++
		}
	}
	if unlocks != 1 {
		t.Errorf("unlock telegrams written = %d, want 1 (sent %+v)", unlocks, sent)
	}
	if gw.IsLocked() {
		t.Error("bus still locked after Stop")
	}
}

func TestGatewayButtonDiscriminator(t *testing.T) {
	ch := newFakeChannel()
	gw := newTestGateway(t, DeviceFGW14USB, ch)

	var mu sync.Mutex
	var events []ButtonEvent
	gw.OnButton(func(ev ButtonEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(events)
	}

	sw := MustParseAddress("FE-E1-01-02")
	gw.RegisterButton(sw.WithDiscriminator("left"), AffinityAny)
	rightID := gw.RegisterButton(sw.WithDiscriminator("right"), AffinityAny)

	gw.Start()
	defer gw.Stop()
	waitFor(t, "connected", gw.IsConnected)

	// Right top press and release reach only the right half.
	ch.feed(NewRPS(sw, 0x70, 0x30).WithHeader(HeaderRRT).Encode())
	ch.feed(NewRPS(sw, 0x00, 0x20).WithHeader(HeaderRRT).Encode())
	waitFor(t, "right events", func() bool { return count() == 2 })

	// Both rockers at once reach both halves, narrowed to each half.
	ch.feed(NewRPS(sw, 0x37, 0x30).WithHeader(HeaderRRT).Encode())
	waitFor(t, "two-rocker press", func() bool { return count() == 4 })

	gw.Unregister(rightID)
	ch.feed(NewRPS(sw, 0x00, 0x20).WithHeader(HeaderRRT).Encode())
	waitFor(t, "left release", func() bool { return count() == 5 })

	mu.Lock()
	defer mu.Unlock()
	var got []string
	for _, ev := range events {
		got = append(got, fmt.Sprintf("%s %v %v", ev.Address, ev.Pressed, ev.Buttons))
	}
	want := []string{
		"FE-E1-01-02:right true [RT]",
		"FE-E1-01-02:right false [RT]",
		"FE-E1-01-02:left true [LT]",
		"FE-E1-01-02:right true [RT]",
		"FE-E1-01-02:left false [LT]",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events =\n%v\nwant\n%v", got, want)
	}
}

func TestGatewayLearnsBaseID(t *testing.T) {
	ch := newFakeChannel()
	request := NewReadIDBasePacket().Encode()
	reply := Packet{Type: PacketResponse, Data: []byte{0x00, 0xFF, 0x9A, 0x3B, 0x80}}.Encode()
	ch.setFrameResponder(func(frame []byte) [][]byte {
		if bytes.Equal(frame, request) {
			return [][]byte{reply}
		}
		return nil
	})

	open, _ := scriptedOpener(0, ch)
	gw, err := NewGateway(GatewayConfig{
		DeviceType:        DeviceUSB300,
		ReconnectInterval: time.Millisecond,
		Exchange:          ExchangeOptions{Retries: 1, Timeout: 20 * time.Millisecond},
		Opener:            open,
	})
	if err != nil {
		t.Fatalf("NewGateway() error: %v", err)
	}

	var mu sync.Mutex
	var online []Address
	gw.OnConnectionChanged(func(c bool) {
		if !c {
			return
		}
		mu.Lock()
		online = append(online, gw.BaseID())
		mu.Unlock()
	})

	gw.Start()
	defer gw.Stop()

	waitFor(t, "online report", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(online) == 1
	})

	want := MustParseAddress("FF-9A-3B-80")
	mu.Lock()
	defer mu.Unlock()
	if online[0] != want {
		t.Errorf("base id when reported online = %v, want %v", online[0], want)
	}
	if got := gw.BaseID(); got != want {
		t.Errorf("BaseID() = %v, want %v", got, want)
	}
	if got := MustParseAddress("00-00-00-21").Resolve(gw.BaseID()); got != MustParseAddress("FF-9A-3B-A1") {
		t.Errorf("local address resolves to %v", got)
	}
}

func TestGatewayConfiguredBaseIDNotQueried(t *testing.T) {
	ch := newFakeChannel()
	gw := newTestGateway(t, DeviceUSB300, ch)

	var online atomic.Bool
	gw.OnConnectionChanged(online.Store)

	gw.Start()
	defer gw.Stop()
	waitFor(t, "online report", online.Load)
	time.Sleep(30 * time.Millisecond)

	request := NewReadIDBasePacket().Encode()
	for _, w := range ch.writtenFrames() {
		if bytes.Equal(w, request) {
			t.Error("base id requested although one is configured")
		}
	}
	if got := gw.BaseID(); got != MustParseAddress("FF-80-80-00") {
		t.Errorf("BaseID() = %v, want configured FF-80-80-00", got)
	}
}
