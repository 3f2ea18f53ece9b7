// Package enocean implements the core of an EnOcean gateway for Eltako
// bus systems.
//
// It speaks to a serial or TCP gateway in either the legacy ESP2 telegram
// format or the newer ESP3 packet format, and exposes received telegrams,
// rocker switch events and bus maintenance commands to the rest of the
// process.
//
// # Architecture
//
//	                    ┌──────────────┐
//	serial / TCP ◄─────►│  Transport   │  one goroutine owns the channel
//	                    └──────┬───────┘
//	                           │ Codec (ESP2 or ESP3)
//	                    ┌──────▼───────┐
//	                    │  Controller  │  exchanges, bus lock, memory scan
//	                    └──────┬───────┘
//	                    ┌──────▼───────┐
//	                    │    Router    │  per-address listeners
//	                    └──────┬───────┘
//	                    ┌──────▼───────┐
//	                    │ButtonDecoder │  press / release with duration
//	                    └──────────────┘
//
// Gateway wires these together and is the only type most callers need.
//
// # Telegrams
//
// Telegram is the canonical ESP2 form of one bus message. ESP3 radio packets
// are translated to and from it by ToESP3 and FromESP3; only RPS, 1BS and
// 4BS have an ESP3 form. Telegrams relayed by the bus coordinator carry the
// RMT header and are reported as wrapped kinds.
//
// Example:
//
//	addr := enocean.MustParseAddress("FE-E1-01-02")
//	data, status := enocean.EncodeRocker([]enocean.Button{enocean.ButtonLeftTop})
//	err := gw.Send(enocean.NewRPS(addr, data, status))
//
// # Bus Lock
//
// Discovery and memory reads require exclusive use of the wired bus. While
// the lock is held or an exchange is pending, inbound telegrams other than
// the awaited response are discarded, not queued.
//
// # Thread Safety
//
// Gateway, Transport, Controller, Router and ButtonDecoder are safe for
// concurrent use. Callbacks run on the transport goroutine.
package enocean
