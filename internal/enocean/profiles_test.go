package enocean

import (
	"errors"
	"reflect"
	"testing"
)

func TestDecodeProfiles(t *testing.T) {
	addr := MustParseAddress("01-82-3A-4B")

	tests := []struct {
		name    string
		profile Profile
		tg      Telegram
		want    Fields
		wantErr error
	}{
		{
			name:    "rocker press",
			profile: ProfileRockerSwitch,
			tg:      NewRPS(addr, 0x30, 0x30),
			want:    RockerFields{Pressed: true, Buttons: []Button{ButtonLeftTop}, profile: ProfileRockerSwitch},
		},
		{
			name:    "window closed",
			profile: ProfileWindowHandle,
			tg:      NewRPS(addr, 0xF0, 0x20),
			want:    WindowHandleFields{Position: "closed"},
		},
		{
			name:    "window open",
			profile: ProfileWindowHandle,
			tg:      NewRPS(addr, 0xE0, 0x20),
			want:    WindowHandleFields{Position: "open"},
		},
		{
			name:    "window tilted",
			profile: ProfileWindowHandle,
			tg:      NewRPS(addr, 0xD0, 0x20),
			want:    WindowHandleFields{Position: "tilted"},
		},
		{
			name:    "window undefined",
			profile: ProfileWindowHandle,
			tg:      NewRPS(addr, 0x00, 0x20),
			wantErr: ErrParse,
		},
		{
			name:    "contact closed",
			profile: ProfileContact,
			tg:      New1BS(addr, 0x09, 0x00),
			want:    ContactFields{Closed: true},
		},
		{
			name:    "contact open",
			profile: ProfileContact,
			tg:      New1BS(addr, 0x08, 0x00),
			want:    ContactFields{Closed: false},
		},
		{
			name:    "contact teach-in",
			profile: ProfileContact,
			tg:      New1BS(addr, 0x01, 0x00),
			wantErr: ErrTeachIn,
		},
		{
			name:    "temperature max",
			profile: ProfileTemperature,
			tg:      New4BS(addr, [4]byte{0x00, 0x00, 0x00, 0x08}, 0x00),
			want:    TemperatureFields{Celsius: 40},
		},
		{
			name:    "temperature mid",
			profile: ProfileTemperature,
			tg:      New4BS(addr, [4]byte{0x00, 0x00, 0x80, 0x08}, 0x00),
			want:    TemperatureFields{Celsius: 19.92},
		},
		{
			name:    "temperature teach-in",
			profile: ProfileTemperature,
			tg:      New4BS(addr, [4]byte{0x08, 0x28, 0x0B, 0x80}, 0x00),
			wantErr: ErrTeachIn,
		},
		{
			name:    "temperature and humidity",
			profile: ProfileTempHumidity,
			tg:      New4BS(addr, [4]byte{0x00, 125, 125, 0x08}, 0x00),
			want:    TempHumidityFields{Celsius: 20, Humidity: 50},
		},
		{
			name:    "motion",
			profile: ProfileOccupancy,
			tg:      New4BS(addr, [4]byte{0x00, 0x00, 200, 0x08}, 0x00),
			want:    OccupancyFields{Motion: true},
		},
		{
			name:    "no motion",
			profile: ProfileOccupancy,
			tg:      New4BS(addr, [4]byte{0x00, 0x00, 50, 0x08}, 0x00),
			want:    OccupancyFields{Motion: false},
		},
		{
			name:    "meter cumulative",
			profile: ProfileElectricMeter,
			tg:      New4BS(addr, [4]byte{0x00, 0x30, 0x39, 0x09}, 0x00),
			want:    MeterFields{Counter: 12345, Divisor: 10, Value: 1234.5, Unit: "kWh", Cumulative: true},
		},
		{
			name:    "meter current power tariff 2",
			profile: ProfileElectricMeter,
			tg:      New4BS(addr, [4]byte{0x00, 0x01, 0xF4, 0x2C}, 0x00),
			want:    MeterFields{Counter: 500, Divisor: 1, Value: 500, Unit: "W", Tariff: 2},
		},
		{
			name:    "wrong telegram class",
			profile: ProfileTemperature,
			tg:      NewRPS(addr, 0x30, 0x30),
			wantErr: ErrUnsupported,
		},
		{
			name:    "unknown profile",
			profile: Profile("A5-99-99"),
			tg:      New4BS(addr, [4]byte{}, 0x00),
			wantErr: ErrUnknownProfile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.profile, tt.tg)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Decode() = %+v, want %+v", got, tt.want)
			}
			if got.Profile() != tt.profile {
				t.Errorf("Profile() = %s, want %s", got.Profile(), tt.profile)
			}
		})
	}
}

func TestDecodeWrappedTelegram(t *testing.T) {
	tg := New1BS(MustParseAddress("00-00-00-21"), 0x09, 0x00).WithHeader(HeaderRMT)
	got, err := Decode(ProfileContact, tg)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got != (ContactFields{Closed: true}) {
		t.Errorf("Decode() = %+v", got)
	}
}

func TestParseProfile(t *testing.T) {
	for _, p := range Profiles() {
		got, err := ParseProfile(string(p))
		if err != nil || got != p {
			t.Errorf("ParseProfile(%q) = %q, %v", p, got, err)
		}
	}

	if got, err := ParseProfile(" a5-02-05 "); err != nil || got != ProfileTemperature {
		t.Errorf("ParseProfile(lowercase) = %q, %v", got, err)
	}
	if _, err := ParseProfile("F6-99-01"); !errors.Is(err, ErrUnknownProfile) {
		t.Errorf("ParseProfile(unknown) error = %v, want ErrUnknownProfile", err)
	}
	if !ProfileRockerSwitch2.IsRocker() || ProfileContact.IsRocker() {
		t.Error("IsRocker() mismatch")
	}
}
