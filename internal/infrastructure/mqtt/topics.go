package mqtt

import "fmt"

// Topic prefixes.
//
// Bridge topics use the flat scheme: graylogic/{category}/{protocol}/{address}
const (
	TopicPrefixBridge = "graylogic"
	TopicPrefixSystem = "graylogic/system"
)

// Topics provides builders for MQTT topics.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.BridgeState("eltako", "FF-80-80-01")
//	// Returns: "graylogic/state/eltako/FF-80-80-01"
type Topics struct{}

// BridgeState returns the topic for device state updates from a bridge.
func (Topics) BridgeState(protocol, address string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefixBridge, protocol, address)
}

// BridgeCommand returns the topic for commands to a bridge.
func (Topics) BridgeCommand(protocol, address string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefixBridge, protocol, address)
}

// BridgeAck returns the topic for command acknowledgements from a bridge.
func (Topics) BridgeAck(protocol, address string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefixBridge, protocol, address)
}

// BridgeEvent returns the topic for momentary events such as button pushes.
//
// Example: graylogic/event/eltako/FF-80-80-21
func (Topics) BridgeEvent(protocol, address string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefixBridge, protocol, address)
}

// BridgeTelegram returns the topic raw telegrams are echoed on.
//
// Example: graylogic/telegram/eltako/01-82-3A-4B
func (Topics) BridgeTelegram(protocol, address string) string {
	return fmt.Sprintf("%s/telegram/%s/%s", TopicPrefixBridge, protocol, address)
}

// BridgeRequest returns the topic for requests to a bridge.
func (Topics) BridgeRequest(protocol, requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefixBridge, protocol, requestID)
}

// BridgeResponse returns the topic for request responses from a bridge.
func (Topics) BridgeResponse(protocol, requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefixBridge, protocol, requestID)
}

// BridgeHealth returns the topic for bridge health status.
//
// Example: graylogic/health/eltako
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefixBridge, protocol)
}

// SystemStatus returns the service status topic carrying the online
// payload and the default will.
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllBridgeCommands matches commands for every device of one bridge.
//
// Pattern: graylogic/command/eltako/+
func (Topics) AllBridgeCommands(protocol string) string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefixBridge, protocol)
}

// AllBridgeRequests matches every request addressed to one bridge.
//
// Pattern: graylogic/request/eltako/+
func (Topics) AllBridgeRequests(protocol string) string {
	return fmt.Sprintf("%s/request/%s/+", TopicPrefixBridge, protocol)
}
