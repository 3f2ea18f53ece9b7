package enocean

import (
	"encoding/binary"
	"fmt"
)

// ESP3 framing constants.
const (
	esp3Sync byte = 0x55

	// esp3HeaderLen is sync(1) + dataLen(2) + optLen(1) + type(1) + crc8h(1).
	esp3HeaderLen = 6

	// esp3MaxDataLen bounds the declared data length. Radio packets are far
	// smaller; anything larger is treated as a desynchronised stream.
	esp3MaxDataLen = 512
)

// PacketType is the ESP3 packet type byte.
type PacketType byte

// ESP3 packet types.
const (
	PacketRadioERP1     PacketType = 0x01
	PacketResponse      PacketType = 0x02
	PacketRadioSubTel   PacketType = 0x03
	PacketEvent         PacketType = 0x04
	PacketCommonCommand PacketType = 0x05
)

// Radio telegram types (RORG) carried in RADIO_ERP1 packets.
const (
	RorgRPS byte = 0xF6
	Rorg1BS byte = 0xD5
	Rorg4BS byte = 0xA5
)

// Common commands.
const (
	commonReadVersion byte = 0x03
	commonReadIDBase  byte = 0x08
)

// responseOK is the RET_OK return code of a RESPONSE packet.
const responseOK byte = 0x00

// transmitOptional is the optional data attached to packets we send:
// subtelegram count 3, broadcast destination, max dBm, no security.
var transmitOptional = []byte{0x03, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00}

// Packet is one ESP3 frame.
type Packet struct {
	Type     PacketType
	Data     []byte
	Optional []byte
}

// Encode frames the packet with header and data checksums.
func (p Packet) Encode() []byte {
	frame := make([]byte, 0, esp3HeaderLen+len(p.Data)+len(p.Optional)+1)
	frame = append(frame, esp3Sync)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(p.Data))) //nolint:gosec // bounded by radio payload sizes
	frame = append(frame, byte(len(p.Optional)), byte(p.Type))         //nolint:gosec // optional data is at most 7 bytes
	frame = append(frame, crc8(frame[1:5]))
	frame = append(frame, p.Data...)
	frame = append(frame, p.Optional...)
	frame = append(frame, crc8(frame[esp3HeaderLen:]))
	return frame
}

// ParsePacket parses one complete ESP3 frame.
//
// Returns:
//   - Packet: Decoded packet
//   - error: ErrParse on sync, length or CRC mismatch
func ParsePacket(frame []byte) (Packet, error) {
	if len(frame) < esp3HeaderLen+1 || frame[0] != esp3Sync {
		return Packet{}, fmt.Errorf("%w: not an ESP3 frame", ErrParse)
	}
	if crc8(frame[1:5]) != frame[5] {
		return Packet{}, fmt.Errorf("%w: header CRC mismatch", ErrParse)
	}
	dataLen := int(binary.BigEndian.Uint16(frame[1:3]))
	optLen := int(frame[3])
	total := esp3HeaderLen + dataLen + optLen + 1
	if len(frame) != total {
		return Packet{}, fmt.Errorf("%w: frame length %d, header declares %d", ErrParse, len(frame), total)
	}
	if crc8(frame[esp3HeaderLen:total-1]) != frame[total-1] {
		return Packet{}, fmt.Errorf("%w: data CRC mismatch", ErrParse)
	}
	return Packet{
		Type:     PacketType(frame[4]),
		Data:     append([]byte(nil), frame[esp3HeaderLen:esp3HeaderLen+dataLen]...),
		Optional: append([]byte(nil), frame[esp3HeaderLen+dataLen:total-1]...),
	}, nil
}

// ToESP3 translates a canonical telegram into an ESP3 packet.
//
// RPS, 1BS and 4BS become RADIO_ERP1 packets and a base id request becomes
// CO_RD_IDBASE. Other telegrams have no ESP3 form and yield false.
func ToESP3(t Telegram) (Packet, bool) {
	var data []byte
	switch t.Org {
	case OrgBaseID:
		if !t.Outgoing() {
			return Packet{}, false
		}
		return NewReadIDBasePacket(), true
	case OrgRPS:
		data = []byte{RorgRPS, t.Data[0]}
	case Org1BS:
		data = []byte{Rorg1BS, t.Data[0]}
	case Org4BS:
		data = []byte{Rorg4BS, t.Data[0], t.Data[1], t.Data[2], t.Data[3]}
	default:
		return Packet{}, false
	}
	data = append(data, t.Address.ID[:]...)
	data = append(data, t.Status)

	var opt []byte
	if t.Outgoing() {
		opt = append(opt, transmitOptional...)
	}
	return Packet{Type: PacketRadioERP1, Data: data, Optional: opt}, true
}

// FromESP3 translates a framed ESP3 packet into a canonical telegram.
// Non-radio packets and unsupported RORGs yield false.
func FromESP3(frame []byte) (Telegram, bool) {
	p, err := ParsePacket(frame)
	if err != nil {
		return Telegram{}, false
	}
	return telegramFromPacket(p)
}

// telegramFromPacket maps a packet onto the canonical form.
//
// The header of a received radio telegram is always RRT, or TRT for echoes
// of our own transmissions: ESP3 does not carry the bus coordinator's
// wrapping, so a wrapped telegram translated to ESP3 comes back plain.
// Translation is the identity only for plain RPS, 1BS and 4BS.
//
// A RESPONSE carrying RET_OK and exactly four data bytes is the answer to
// CO_RD_IDBASE and becomes a base id reply. Other responses yield false.
func telegramFromPacket(p Packet) (Telegram, bool) {
	if p.Type == PacketResponse {
		return baseIDFromResponse(p)
	}
	if p.Type != PacketRadioERP1 || len(p.Data) < 1 {
		return Telegram{}, false
	}

	var t Telegram
	var payloadLen int
	switch p.Data[0] {
	case RorgRPS:
		t.Org, payloadLen = OrgRPS, 1
	case Rorg1BS:
		t.Org, payloadLen = Org1BS, 1
	case Rorg4BS:
		t.Org, payloadLen = Org4BS, 4
	default:
		return Telegram{}, false
	}

	// rorg + payload + sender(4) + status(1)
	if len(p.Data) != 1+payloadLen+addressLen+1 {
		return Telegram{}, false
	}
	copy(t.Data[:], p.Data[1:1+payloadLen])
	copy(t.Address.ID[:], p.Data[1+payloadLen:1+payloadLen+addressLen])
	t.Status = p.Data[len(p.Data)-1]

	t.Header = HeaderRRT
	if isTransmitOptional(p.Optional) {
		t.Header = HeaderTRT
	}
	return t, true
}

func baseIDFromResponse(p Packet) (Telegram, bool) {
	if len(p.Data) != 1+addressLen || p.Data[0] != responseOK {
		return Telegram{}, false
	}
	return NewBaseIDReply(AddressFromBytes(p.Data[1:])), true
}

func isTransmitOptional(opt []byte) bool {
	if len(opt) != len(transmitOptional) {
		return false
	}
	for i := range opt {
		if opt[i] != transmitOptional[i] {
			return false
		}
	}
	return true
}

// NewReadVersionPacket builds the CO_RD_VERSION common command.
func NewReadVersionPacket() Packet {
	return Packet{Type: PacketCommonCommand, Data: []byte{commonReadVersion}}
}

// NewReadIDBasePacket builds the CO_RD_IDBASE common command, the ESP3 form
// of NewBaseIDRequest.
func NewReadIDBasePacket() Packet {
	return Packet{Type: PacketCommonCommand, Data: []byte{commonReadIDBase}}
}

// crc8Table is the CRC-8 lookup table for polynomial 0x07.
var crc8Table = func() [256]byte {
	var table [256]byte
	for i := range table {
		crc := byte(i) //nolint:gosec // i < 256
		for range 8 {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x07
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}()

func crc8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc
}
