// Package mqtt provides MQTT client connectivity for the Eltako gateway.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions, restored after reconnect
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
// The gateway publishes bus state and events to the broker and takes
// commands and requests from it:
//
//	Eltako bus ↔ eltakogw ↔ MQTT Broker ↔ home automation core
//
// # Security Considerations
//
//   - TLS should be enabled outside of a trusted LAN (cfg.Broker.TLS=true)
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT,
//	    mqtt.WithWill(mqtt.Topics{}.BridgeHealth("eltako"), lwtPayload))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllBridgeCommands("eltako"), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("command: %s = %s", topic, payload)
//	        return nil
//	    })
package mqtt
