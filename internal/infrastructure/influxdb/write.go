package influxdb

import (
	"context"
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/voltlink-core/internal/device"
	"github.com/nerrad567/voltlink-core/internal/discovery"
)

// WriteScanMetrics records the outcome of one discovery pass.
//
// The write is non-blocking; data is batched and sent asynchronously.
// One point per pass keeps cardinality flat regardless of fleet size.
func (c *Client) WriteScanMetrics(rep *discovery.Report) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"discovery_pass",
		map[string]string{
			"skipped": strconv.FormatBool(rep.Skipped),
			"scoped":  strconv.FormatBool(len(rep.Scope) > 0),
		},
		map[string]interface{}{
			"duration_ms":     rep.Duration.Milliseconds(),
			"channels_probed": rep.ChannelsProbed,
			"verified":        rep.Counts.Verified,
			"missed":          rep.Counts.Missed,
			"recovered":       rep.Counts.Recovered,
			"discovered":      rep.Counts.Discovered,
			"disabled":        rep.Counts.Disabled,
		},
		rep.StartedAt,
	)

	c.writeAPI.WritePoint(point)
}

// WriteDeviceAvailability records a device lifecycle change, so availability
// over time can be charted per device and per family.
func (c *Client) WriteDeviceAvailability(rec *device.Record) {
	if !c.IsConnected() {
		return
	}

	available := 0
	if rec.Status == device.StatusActive {
		available = 1
	}

	point := write.NewPoint(
		"device_availability",
		map[string]string{
			"device_id": rec.DeviceID,
			"family":    string(rec.Family),
		},
		map[string]interface{}{
			"available":     available,
			"status":        string(rec.Status),
			"failure_count": rec.FailureCount,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
//
// Example:
//
//	client.WritePoint("system_stats",
//	    map[string]string{"host": "site-01"},
//	    map[string]interface{}{"cpu_percent": 45.2, "memory_mb": 512})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}

// MetricsSink adapts the client to the discovery engine's event sink,
// recording availability on every status change and one point per pass.
type MetricsSink struct {
	client *Client
}

// NewMetricsSink creates a sink writing to the given client.
func NewMetricsSink(client *Client) *MetricsSink {
	return &MetricsSink{client: client}
}

// DeviceStatusChanged implements discovery.Sink.
func (s *MetricsSink) DeviceStatusChanged(_ context.Context, rec *device.Record) {
	s.client.WriteDeviceAvailability(rec)
}

// PassCompleted implements discovery.Sink.
func (s *MetricsSink) PassCompleted(_ context.Context, rep *discovery.Report) {
	s.client.WriteScanMetrics(rep)
}
