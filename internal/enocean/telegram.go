package enocean

import "fmt"

// ESP2 framing constants.
const (
	esp2Sync0 byte = 0xA5
	esp2Sync1 byte = 0x5A

	// ESP2BodyLen is the length of the telegram body between sync and checksum.
	ESP2BodyLen = 11

	// ESP2FrameLen is sync(2) + body(11) + checksum(1).
	ESP2FrameLen = 2 + ESP2BodyLen + 1

	esp2LengthMask byte = 0x1F
	esp2SeqShift        = 5
)

// Header is the first body byte: a 3-bit sequence code plus the body length.
type Header byte

// Header sequence codes used by Eltako gateways.
const (
	// HeaderRRT marks a radio telegram received by the gateway.
	HeaderRRT Header = 0x0B

	// HeaderRMT marks a message relayed by the bus coordinator. Telegrams
	// from devices on the wired bus arrive wrapped in this header.
	HeaderRMT Header = 0x8B

	// HeaderTRT marks a radio telegram to transmit.
	HeaderTRT Header = 0x6B

	// HeaderTCT marks a command telegram addressed to the gateway or bus.
	HeaderTCT Header = 0xAB
)

// Sequence returns the 3-bit sequence code.
func (h Header) Sequence() byte {
	return byte(h) >> esp2SeqShift
}

// Length returns the body length encoded in the header.
func (h Header) Length() byte {
	return byte(h) & esp2LengthMask
}

// IsOutgoing reports whether the header describes a telegram sent by us.
func (h Header) IsOutgoing() bool {
	return h == HeaderTRT || h == HeaderTCT
}

// Org codes identify the payload class of an ESP2 telegram.
const (
	OrgRPS byte = 0x05
	Org1BS byte = 0x06
	Org4BS byte = 0x07

	OrgDiscovery  byte = 0xF0
	OrgMemoryRead byte = 0xF1
	OrgBaseID     byte = 0xF8
	OrgBusLock    byte = 0xFF
)

// Kind is the variant tag of a Telegram.
type Kind int

// Telegram variants.
const (
	KindUnknown Kind = iota
	KindRPS
	Kind1BS
	Kind4BS
	KindWrappedRPS
	KindWrapped1BS
	KindWrapped4BS
	KindCommand
)

var kindNames = map[Kind]string{
	KindUnknown:    "unknown",
	KindRPS:        "rps",
	Kind1BS:        "1bs",
	Kind4BS:        "4bs",
	KindWrappedRPS: "wrapped_rps",
	KindWrapped1BS: "wrapped_1bs",
	KindWrapped4BS: "wrapped_4bs",
	KindCommand:    "command",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsWrapped reports whether the kind is one of the wrapped variants.
func (k Kind) IsWrapped() bool {
	return k == KindWrappedRPS || k == KindWrapped1BS || k == KindWrapped4BS
}

// Telegram is one logical message on the bus in its canonical ESP2 form.
//
// The value is comparable and immutable by convention: build a new telegram
// with one of the constructors instead of mutating fields.
type Telegram struct {
	Header  Header
	Org     byte
	Data    [4]byte
	Address Address
	Status  byte
}

// Kind classifies the telegram by header and org.
func (t Telegram) Kind() Kind {
	wrapped := t.Header == HeaderRMT
	switch t.Org {
	case OrgRPS:
		if wrapped {
			return KindWrappedRPS
		}
		return KindRPS
	case Org1BS:
		if wrapped {
			return KindWrapped1BS
		}
		return Kind1BS
	case Org4BS:
		if wrapped {
			return KindWrapped4BS
		}
		return Kind4BS
	}
	if t.Org >= OrgDiscovery {
		return KindCommand
	}
	return KindUnknown
}

// Outgoing reports whether this telegram was created for transmission.
func (t Telegram) Outgoing() bool {
	return t.Header.IsOutgoing()
}

// Payload returns the meaningful data bytes for the org: one byte for
// RPS/1BS, four for 4BS and all four for anything else.
func (t Telegram) Payload() []byte {
	switch t.Org {
	case OrgRPS, Org1BS:
		return []byte{t.Data[0]}
	default:
		b := t.Data
		return b[:]
	}
}

// Body returns the 11-byte ESP2 body.
func (t Telegram) Body() [ESP2BodyLen]byte {
	var b [ESP2BodyLen]byte
	b[0] = byte(t.Header)
	b[1] = t.Org
	copy(b[2:6], t.Data[:])
	copy(b[6:10], t.Address.ID[:])
	b[10] = t.Status
	return b
}

// Encode returns the full 14-byte ESP2 frame.
func (t Telegram) Encode() []byte {
	body := t.Body()
	frame := make([]byte, 0, ESP2FrameLen)
	frame = append(frame, esp2Sync0, esp2Sync1)
	frame = append(frame, body[:]...)
	frame = append(frame, checksum(body[:]))
	return frame
}

// String formats the telegram for logs.
func (t Telegram) String() string {
	return fmt.Sprintf("%s addr=%s data=%X status=%02X", t.Kind(), t.Address, t.Payload(), t.Status)
}

// ParseTelegram parses a complete 14-byte ESP2 frame.
//
// Returns:
//   - Telegram: Decoded telegram
//   - error: ErrParse if sync, length or checksum do not match
func ParseTelegram(frame []byte) (Telegram, error) {
	if len(frame) != ESP2FrameLen {
		return Telegram{}, fmt.Errorf("%w: frame length %d, want %d", ErrParse, len(frame), ESP2FrameLen)
	}
	if frame[0] != esp2Sync0 || frame[1] != esp2Sync1 {
		return Telegram{}, fmt.Errorf("%w: bad sync % X", ErrParse, frame[:2])
	}
	body := frame[2 : 2+ESP2BodyLen]
	if Header(body[0]).Length() != ESP2BodyLen {
		return Telegram{}, fmt.Errorf("%w: header 0x%02X declares length %d", ErrParse, body[0], Header(body[0]).Length())
	}
	if sum := checksum(body); sum != frame[ESP2FrameLen-1] {
		return Telegram{}, fmt.Errorf("%w: checksum 0x%02X, want 0x%02X", ErrParse, frame[ESP2FrameLen-1], sum)
	}
	return telegramFromBody(body), nil
}

func telegramFromBody(body []byte) Telegram {
	t := Telegram{
		Header: Header(body[0]),
		Org:    body[1],
		Status: body[10],
	}
	copy(t.Data[:], body[2:6])
	copy(t.Address.ID[:], body[6:10])
	return t
}

func checksum(body []byte) byte {
	var sum byte
	for _, b := range body {
		sum += b
	}
	return sum
}

// NewRPS creates an outgoing RPS telegram.
func NewRPS(addr Address, data, status byte) Telegram {
	return Telegram{Header: HeaderTRT, Org: OrgRPS, Data: [4]byte{data}, Address: addr, Status: status}
}

// New1BS creates an outgoing 1BS telegram.
func New1BS(addr Address, data, status byte) Telegram {
	return Telegram{Header: HeaderTRT, Org: Org1BS, Data: [4]byte{data}, Address: addr, Status: status}
}

// New4BS creates an outgoing 4BS telegram. data holds DB3..DB0.
func New4BS(addr Address, data [4]byte, status byte) Telegram {
	return Telegram{Header: HeaderTRT, Org: Org4BS, Data: data, Address: addr, Status: status}
}

// WithHeader returns a copy carrying a different header.
func (t Telegram) WithHeader(h Header) Telegram {
	t.Header = h
	return t
}

// Bus command telegrams reuse the body as [header, org, id, payload(8)].

const commandPayloadLen = 8

// NewCommand builds a bus command telegram addressed to a device id.
func NewCommand(org, id byte, payload []byte) Telegram {
	var body [ESP2BodyLen]byte
	body[0] = byte(HeaderTCT)
	body[1] = org
	body[2] = id
	copy(body[3:], payload)
	return telegramFromBody(body[:])
}

// CommandID returns the device id byte of a bus command telegram.
func (t Telegram) CommandID() byte {
	return t.Data[0]
}

// CommandPayload returns the 8 payload bytes of a bus command telegram.
func (t Telegram) CommandPayload() [commandPayloadLen]byte {
	body := t.Body()
	var p [commandPayloadLen]byte
	copy(p[:], body[3:])
	return p
}

// NewBaseIDRequest asks the gateway for its base id. Only ESP3 gateways
// answer it.
func NewBaseIDRequest() Telegram {
	return NewCommand(OrgBaseID, 0, nil)
}

// NewBaseIDReply carries the gateway base id in the address field.
func NewBaseIDReply(base Address) Telegram {
	return Telegram{Header: HeaderRRT, Org: OrgBaseID, Address: base}
}

func matchBaseID(t Telegram) bool {
	return t.Org == OrgBaseID && !t.Outgoing()
}
