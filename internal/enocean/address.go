package enocean

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// addressLen is the width of an EnOcean sender id in bytes.
const addressLen = 4

// Address identifies a device on the bus.
//
// ID is the 4-byte sender id. Discriminator optionally selects a sub-channel
// of a device (e.g. "left" or "right" rocker of a dual switch). It is not part
// of the wire format and is compared separately from the id.
type Address struct {
	ID            [addressLen]byte
	Discriminator string
}

// BroadcastAddress is the destination used for unaddressed radio telegrams.
var BroadcastAddress = Address{ID: [addressLen]byte{0xFF, 0xFF, 0xFF, 0xFF}}

// ParseAddress parses an address in the form "FF-80-80-01".
//
// An optional ":suffix" sets the discriminator, e.g. "FE-E1-01-02:left".
// Bytes are separated by '-' only; eight plain hex digits ("FF808001") are
// also accepted.
//
// Parameters:
//   - s: Address string
//
// Returns:
//   - Address: Parsed address
//   - error: ErrInvalidAddress if parsing fails
func ParseAddress(s string) (Address, error) {
	idPart, disc, _ := strings.Cut(strings.TrimSpace(s), ":")
	raw := strings.ReplaceAll(idPart, "-", "")
	if len(raw) != addressLen*2 {
		return Address{}, fmt.Errorf("%w: expected 4 hex bytes, got %q", ErrInvalidAddress, s)
	}

	b, err := hex.DecodeString(raw)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %w", ErrInvalidAddress, s, err)
	}

	var a Address
	copy(a.ID[:], b)
	a.Discriminator = strings.ToLower(disc)
	return a, nil
}

// MustParseAddress is like ParseAddress but panics on error.
// Intended for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddressFromBytes builds an address from a 4-byte slice.
func AddressFromBytes(b []byte) Address {
	var a Address
	copy(a.ID[:], b)
	return a
}

// AddressFromUint32 builds an address from its big-endian integer value.
func AddressFromUint32(v uint32) Address {
	var a Address
	binary.BigEndian.PutUint32(a.ID[:], v)
	return a
}

// Uint32 returns the id as a big-endian integer.
func (a Address) Uint32() uint32 {
	return binary.BigEndian.Uint32(a.ID[:])
}

// String returns the address as "FF-80-80-01" with an optional ":discriminator".
func (a Address) String() string {
	s := fmt.Sprintf("%02X-%02X-%02X-%02X", a.ID[0], a.ID[1], a.ID[2], a.ID[3])
	if a.Discriminator != "" {
		s += ":" + a.Discriminator
	}
	return s
}

// IsLocal reports whether the address is relative to the gateway base id.
// Local addresses have a zero high-order pair (00-00-xx-xx).
func (a Address) IsLocal() bool {
	return a.ID[0] == 0 && a.ID[1] == 0
}

// IsZero reports whether all id bytes are zero.
func (a Address) IsZero() bool {
	return a.ID == [addressLen]byte{}
}

// Resolve returns the global address for a local one by adding it to base.
// Global addresses and a zero base are returned unchanged.
func (a Address) Resolve(base Address) Address {
	if !a.IsLocal() || base.IsZero() {
		return a
	}
	r := AddressFromUint32(base.Uint32() + a.Uint32())
	r.Discriminator = a.Discriminator
	return r
}

// SameDevice compares ids only, ignoring the discriminator.
func (a Address) SameDevice(other Address) bool {
	return a.ID == other.ID
}

// WithDiscriminator returns a copy of the address with the given discriminator.
func (a Address) WithDiscriminator(d string) Address {
	a.Discriminator = strings.ToLower(d)
	return a
}
