package eltako

import "errors"

// Domain errors for the Eltako bridge package.
var (
	// ErrConfigRequired is returned when NewBridge is called without a config.
	ErrConfigRequired = errors.New("eltako: config is required")

	// ErrMQTTRequired is returned when NewBridge is called without an MQTT client.
	ErrMQTTRequired = errors.New("eltako: MQTT client is required")

	// ErrGatewayRequired is returned when NewBridge is called without a gateway.
	ErrGatewayRequired = errors.New("eltako: gateway is required")

	// ErrUnknownDevice is returned when a command names an address that is
	// not in the device list.
	ErrUnknownDevice = errors.New("eltako: device not configured")

	// ErrInvalidCommand is returned for unknown command names or request actions.
	ErrInvalidCommand = errors.New("eltako: invalid command")

	// ErrInvalidParameters is returned when command parameters are missing
	// or have the wrong type.
	ErrInvalidParameters = errors.New("eltako: invalid parameters")

	// ErrRecorderClosed is returned by recorder writes after Stop.
	ErrRecorderClosed = errors.New("eltako: recorder closed")
)
