package enocean

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Dialect selects the wire encoding spoken by the gateway.
type Dialect string

// Supported dialects.
const (
	DialectESP2 Dialect = "esp2"
	DialectESP3 Dialect = "esp3"
)

// ParseDialect parses a dialect name, case-insensitively.
func ParseDialect(s string) (Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(s))) {
	case DialectESP2:
		return DialectESP2, nil
	case DialectESP3:
		return DialectESP3, nil
	default:
		return "", fmt.Errorf("%w: dialect %q", ErrUnsupported, s)
	}
}

// Codec frames raw bytes into telegrams and back.
//
// ParseIncremental consumes as many complete frames as buf holds. It returns
// the recognised telegrams, the trailing bytes of an incomplete frame to be
// prepended to the next read, and the number of bytes skipped while
// resynchronising on garbage or corrupt frames.
type Codec interface {
	ParseIncremental(buf []byte) (telegrams []Telegram, rest []byte, dropped int)
	Encode(t Telegram) ([]byte, error)
	Dialect() Dialect
}

// NewCodec returns the codec for a dialect.
func NewCodec(d Dialect) (Codec, error) {
	switch d {
	case DialectESP2:
		return ESP2Codec{}, nil
	case DialectESP3:
		return ESP3Codec{}, nil
	default:
		return nil, fmt.Errorf("%w: dialect %q", ErrUnsupported, d)
	}
}

// ESP2Codec speaks the legacy 14-byte telegram format.
type ESP2Codec struct{}

var esp2SyncBytes = []byte{esp2Sync0, esp2Sync1}

// Dialect implements Codec.
func (ESP2Codec) Dialect() Dialect { return DialectESP2 }

// Encode implements Codec.
func (ESP2Codec) Encode(t Telegram) ([]byte, error) {
	return t.Encode(), nil
}

// ParseIncremental implements Codec.
func (ESP2Codec) ParseIncremental(buf []byte) ([]Telegram, []byte, int) {
	var out []Telegram
	dropped := 0
	i := 0

	for i < len(buf) {
		idx := bytes.Index(buf[i:], esp2SyncBytes)
		if idx < 0 {
			// A lone trailing first sync byte may start the next frame.
			keep := 0
			if buf[len(buf)-1] == esp2Sync0 {
				keep = 1
			}
			dropped += len(buf) - i - keep
			i = len(buf) - keep
			break
		}
		dropped += idx
		i += idx

		if len(buf)-i < ESP2FrameLen {
			break
		}

		t, err := ParseTelegram(buf[i : i+ESP2FrameLen])
		if err != nil {
			dropped++
			i++
			continue
		}
		out = append(out, t)
		i += ESP2FrameLen
	}

	return out, remainder(buf, i), dropped
}

// ESP3Codec speaks the ESP3 packet format and translates radio packets to
// and from canonical telegrams.
type ESP3Codec struct{}

// Dialect implements Codec.
func (ESP3Codec) Dialect() Dialect { return DialectESP3 }

// Encode implements Codec. Telegrams without an ESP3 form fail with
// ErrUnsupported.
func (ESP3Codec) Encode(t Telegram) ([]byte, error) {
	p, ok := ToESP3(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no ESP3 encoding", ErrUnsupported, t.Kind())
	}
	return p.Encode(), nil
}

// ParseIncremental implements Codec. Non-radio packets are consumed without
// producing a telegram.
func (ESP3Codec) ParseIncremental(buf []byte) ([]Telegram, []byte, int) {
	var out []Telegram
	dropped := 0
	i := 0

	for i < len(buf) {
		idx := bytes.IndexByte(buf[i:], esp3Sync)
		if idx < 0 {
			dropped += len(buf) - i
			i = len(buf)
			break
		}
		dropped += idx
		i += idx

		if len(buf)-i < esp3HeaderLen {
			break
		}
		header := buf[i : i+esp3HeaderLen]
		dataLen := int(binary.BigEndian.Uint16(header[1:3]))
		if crc8(header[1:5]) != header[5] || dataLen > esp3MaxDataLen {
			dropped++
			i++
			continue
		}

		total := esp3HeaderLen + dataLen + int(header[3]) + 1
		if len(buf)-i < total {
			break
		}

		p, err := ParsePacket(buf[i : i+total])
		if err != nil {
			dropped++
			i++
			continue
		}
		if t, ok := telegramFromPacket(p); ok {
			out = append(out, t)
		}
		i += total
	}

	return out, remainder(buf, i), dropped
}

func remainder(buf []byte, i int) []byte {
	if i >= len(buf) {
		return nil
	}
	return append([]byte(nil), buf[i:]...)
}
