// Package eltako bridges an EnOcean gateway on an Eltako bus to Gray Logic
// over MQTT.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐            ┌─────────────┐
//	│   Gray Logic    │   MQTT   │  Eltako Bridge  │  enocean   │  FAM14 /    │
//	│      Core       │◄────────►│   (this pkg)    │◄──────────►│  FGW14 ...  │
//	└─────────────────┘          └─────────────────┘            └─────────────┘
//
// Received telegrams are decoded with the configured profile of their sender
// and published as retained state. Rocker switches produce press and release
// events instead. Every telegram is echoed raw on the telegram topic and its
// sender recorded in SQLite by SenderRecorder.
//
// # Topics
//
//	graylogic/state/eltako/{address}      decoded state (retained)
//	graylogic/event/eltako/{address}      button press / release
//	graylogic/telegram/eltako/{address}   raw telegram echo
//	graylogic/command/eltako/{address}    send_rps, send_4bs, send_telegram
//	graylogic/ack/eltako/{address}        command acknowledgment
//	graylogic/request/eltako/{id}         status, read_state, lock_bus, unlock_bus,
//	                                      read_memory, read_stored_memory
//	graylogic/response/eltako/{id}        request response
//	graylogic/health/eltako               bridge health (retained, LWT)
//
// Addresses are written "FF-80-80-01", with an optional ":left" style
// discriminator for channels of one sender. Local addresses (00-00-xx-xx)
// are resolved against the gateway base id before use. When the base id is
// learned from the gateway, addresses are resolved again on every connect.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
// Gateway callbacks never block on MQTT: they queue work for a single event
// goroutine, dropping events with a warning when the queue is full.
package eltako
