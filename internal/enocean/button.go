package enocean

import (
	"fmt"
	"sync"
	"time"
)

// Button identifies one rocker position of a dual-rocker switch.
type Button string

// Rocker positions.
const (
	ButtonLeftTop     Button = "LT"
	ButtonLeftBottom  Button = "LB"
	ButtonRightTop    Button = "RT"
	ButtonRightBottom Button = "RB"
)

// rockerActions maps the 2-bit action code to a rocker position.
var rockerActions = [4]Button{ButtonLeftBottom, ButtonLeftTop, ButtonRightBottom, ButtonRightTop}

// Rocker switch bit layout (RPS data byte and status byte).
const (
	rpsEnergyBow  byte = 0x10
	rpsSecondAct  byte = 0x01
	statusNUFlag  byte = 0x10
	rpsR1Shift         = 5
	rpsR2Shift         = 1
	rpsActionMask byte = 0x03
)

// decodeRocker extracts the press flag and pressed positions from an RPS
// telegram. A release carries no positions.
func decodeRocker(t Telegram) (pressed bool, buttons []Button) {
	data := t.Data[0]
	if data&rpsEnergyBow == 0 {
		return false, nil
	}
	buttons = []Button{}
	if t.Status&statusNUFlag == 0 {
		// Unassigned: three or more buttons, positions unknown.
		return true, buttons
	}
	buttons = append(buttons, rockerActions[(data>>rpsR1Shift)&rpsActionMask])
	if data&rpsSecondAct != 0 {
		second := rockerActions[(data>>rpsR2Shift)&rpsActionMask]
		if second != buttons[0] {
			buttons = append(buttons, second)
		}
	}
	return true, buttons
}

// EncodeRocker builds the RPS data and status bytes for pressing the given
// positions, or for a release when buttons is empty. At most two positions
// are encoded.
func EncodeRocker(buttons []Button) (data, status byte) {
	const statusT21 byte = 0x20
	if len(buttons) == 0 {
		return 0x00, statusT21
	}
	data = rpsEnergyBow | actionCode(buttons[0])<<rpsR1Shift
	if len(buttons) > 1 {
		data |= actionCode(buttons[1])<<rpsR2Shift | rpsSecondAct
	}
	return data, statusT21 | statusNUFlag
}

func actionCode(b Button) byte {
	for i, a := range rockerActions {
		if a == b {
			return byte(i) //nolint:gosec // i < 4
		}
	}
	return 0
}

// ButtonEvent is a press or release of a rocker switch.
type ButtonEvent struct {
	Address    Address
	Buttons    []Button // positions pressed; on release, the set recorded at press
	Pressed    bool
	PushedAt   time.Time
	ReleasedAt time.Time     // zero on press
	Duration   time.Duration // zero on press
}

// PushDurationSeconds returns the hold time in seconds.
func (e ButtonEvent) PushDurationSeconds() float64 {
	return e.Duration.Seconds()
}

// buttonRecord exists only while a switch is Pressed.
type buttonRecord struct {
	buttons  []Button
	pushedAt time.Time
}

// ButtonDecoder turns rocker telegrams into press and release events.
//
// It keeps one record per physical switch, keyed by sender id so that the
// discriminator is ignored: Idle until an energy-bow telegram arrives, then
// Pressed with the recorded positions until the next release returns it to
// Idle. Switches report no position on release, so release events reuse the
// positions recorded at press.
type ButtonDecoder struct {
	mu      sync.Mutex
	records map[[addressLen]byte]*buttonRecord
}

// NewButtonDecoder creates a decoder with no recorded state.
func NewButtonDecoder() *ButtonDecoder {
	return &ButtonDecoder{records: make(map[[addressLen]byte]*buttonRecord)}
}

// Decode updates the state for addr and returns the resulting event.
//
// Parameters:
//   - addr: Switch address the telegram belongs to
//   - t: RPS telegram (plain or wrapped)
//   - now: Receive time
//
// Returns:
//   - ButtonEvent: Press or release event
//   - error: ErrUnsupported for non-RPS telegrams, ErrProtocolViolation for a
//     release with no recorded press
func (d *ButtonDecoder) Decode(addr Address, t Telegram, now time.Time) (ButtonEvent, error) {
	if t.Org != OrgRPS {
		return ButtonEvent{}, fmt.Errorf("%w: button decode of %s", ErrUnsupported, t.Kind())
	}

	pressed, buttons := decodeRocker(t)

	d.mu.Lock()
	defer d.mu.Unlock()

	rec := d.records[addr.ID]
	if pressed {
		if rec == nil {
			rec = &buttonRecord{}
			d.records[addr.ID] = rec
		}
		rec.buttons = buttons
		rec.pushedAt = now
		return ButtonEvent{
			Address:  addr,
			Buttons:  append([]Button(nil), buttons...),
			Pressed:  true,
			PushedAt: now,
		}, nil
	}

	if rec == nil {
		return ButtonEvent{}, fmt.Errorf("%w: release from %s without prior press", ErrProtocolViolation, addr)
	}
	ev := ButtonEvent{
		Address:    addr,
		Buttons:    rec.buttons,
		PushedAt:   rec.pushedAt,
		ReleasedAt: now,
		Duration:   now.Sub(rec.pushedAt),
	}
	delete(d.records, addr.ID)
	return ev, nil
}

// Forget drops the record for the switch with addr's sender id.
func (d *ButtonDecoder) Forget(addr Address) {
	d.mu.Lock()
	delete(d.records, addr.ID)
	d.mu.Unlock()
}
