// Package influxdb provides time-series metrics storage for discovery
// telemetry via InfluxDB 2.x.
//
// The client wraps the official influxdb-client-go library with:
//   - Non-blocking batched writes (fire and forget)
//   - Connection health checking
//   - Graceful degradation when the server is unreachable
//
// Two measurements are written:
//
//	discovery_pass        one point per scan pass (counts, duration)
//	device_availability   one point per device status change
//
// Writes are dropped silently when disconnected. The discovery engine must
// never block or fail because metrics storage is down.
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	orch.AddSink(influxdb.NewMetricsSink(client))
//
// The sink records every device transition and pass summary with no
// further wiring.
package influxdb
