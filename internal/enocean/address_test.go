package enocean

import (
	"errors"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Address
		wantErr bool
	}{
		{
			name:  "dashed",
			input: "FF-80-80-01",
			want:  Address{ID: [4]byte{0xFF, 0x80, 0x80, 0x01}},
		},
		{
			name:  "plain hex lowercase",
			input: "fee10102",
			want:  Address{ID: [4]byte{0xFE, 0xE1, 0x01, 0x02}},
		},
		{
			name:  "with discriminator",
			input: "00-00-00-05:Left",
			want:  Address{ID: [4]byte{0x00, 0x00, 0x00, 0x05}, Discriminator: "left"},
		},
		{name: "too short", input: "FF-80-80", wantErr: true},
		{name: "not hex", input: "GG-80-80-01", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAddress) {
					t.Errorf("ParseAddress(%q) error = %v, want ErrInvalidAddress", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseAddress(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestAddressString(t *testing.T) {
	if got := MustParseAddress("fe-e1-01-02").String(); got != "FE-E1-01-02" {
		t.Errorf("String() = %q", got)
	}
	if got := MustParseAddress("00-00-00-05:right").String(); got != "00-00-00-05:right" {
		t.Errorf("String() = %q", got)
	}
}

func TestAddressResolve(t *testing.T) {
	base := MustParseAddress("FF-80-80-00")

	tests := []struct {
		name string
		addr Address
		base Address
		want Address
	}{
		{
			name: "local resolved",
			addr: MustParseAddress("00-00-00-05"),
			base: base,
			want: MustParseAddress("FF-80-80-05"),
		},
		{
			name: "discriminator kept",
			addr: MustParseAddress("00-00-00-7F:left"),
			base: base,
			want: MustParseAddress("FF-80-80-7F:left"),
		},
		{
			name: "global unchanged",
			addr: MustParseAddress("01-82-3A-4B"),
			base: base,
			want: MustParseAddress("01-82-3A-4B"),
		},
		{
			name: "zero base unchanged",
			addr: MustParseAddress("00-00-00-05"),
			want: MustParseAddress("00-00-00-05"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.addr.Resolve(tt.base); got != tt.want {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAddressPredicates(t *testing.T) {
	if !MustParseAddress("00-00-12-34").IsLocal() {
		t.Error("00-00-12-34 should be local")
	}
	if MustParseAddress("00-01-12-34").IsLocal() {
		t.Error("00-01-12-34 should not be local")
	}
	if !(Address{}).IsZero() {
		t.Error("zero address should be zero")
	}

	a := MustParseAddress("01-02-03-04:left")
	b := MustParseAddress("01-02-03-04:right")
	if a == b {
		t.Error("discriminators should make addresses unequal")
	}
	if !a.SameDevice(b) {
		t.Error("SameDevice should ignore the discriminator")
	}
	if got := AddressFromUint32(a.Uint32()); got.ID != a.ID {
		t.Errorf("AddressFromUint32(Uint32()) = %v", got)
	}
}
