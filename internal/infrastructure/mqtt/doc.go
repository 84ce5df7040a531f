// Package mqtt provides MQTT client connectivity for Voltlink Core.
//
// This package manages:
//   - Connection to Mosquitto broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Voltlink publishes device lifecycle state over MQTT so telemetry pollers
// and site controllers know, without asking, which devices are safe to
// query. Each device has a retained status topic; each discovery pass
// publishes a report; external systems can request a scan on the trigger
// topic.
//
//	Voltlink Core → MQTT Broker → telemetry pollers / site controllers
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Performance Characteristics
//
//   - Connection: <1 second to local broker
//   - Publish latency: <10ms for QoS 1 to local broker
//   - Reconnect: Exponential backoff 1s-60s with jitter
//   - Message throughput: Broker-limited (typically 10K+ msg/sec)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Forward discovery outcomes to the broker
//	publisher := mqtt.NewPublisher(client)
//	orchestrator.AddSink(publisher)
//
//	// Accept scan requests over MQTT
//	err = client.Subscribe(mqtt.Topics{}.DiscoveryTrigger(), 1,
//	    mqtt.TriggerHandler(orchestrator))
package mqtt
