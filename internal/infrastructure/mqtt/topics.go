package mqtt

import "fmt"

// Topic prefixes for the Voltlink MQTT surface.
//
// Device status topics are retained so a telemetry poller joining late
// immediately learns which devices are safe to query.
const (
	// TopicPrefix is the base for all Voltlink topics.
	TopicPrefix = "voltlink"

	// TopicPrefixDevices is the base for per-device topics.
	TopicPrefixDevices = "voltlink/devices"

	// TopicPrefixDiscovery is the base for discovery engine topics.
	TopicPrefixDiscovery = "voltlink/discovery"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "voltlink/system"
)

// Topics provides builders for Voltlink MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	statusTopic := topics.DeviceStatus("meter-m0042")
//	// Returns: "voltlink/devices/meter-m0042/status"
type Topics struct{}

// DeviceStatus returns the retained status topic for one device.
//
// Example: voltlink/devices/meter-m0042/status
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixDevices, deviceID)
}

// DeviceStatusWildcard returns the subscription pattern matching every
// device status topic.
func (Topics) DeviceStatusWildcard() string {
	return TopicPrefixDevices + "/+/status"
}

// DiscoveryReport returns the topic carrying one report per finished pass.
//
// Example: voltlink/discovery/report
func (Topics) DiscoveryReport() string {
	return TopicPrefixDiscovery + "/report"
}

// DiscoveryTrigger returns the topic on which external systems request a
// scan. The payload is an optional JSON list of device IDs to scope the
// pass to.
func (Topics) DiscoveryTrigger() string {
	return TopicPrefixDiscovery + "/trigger"
}

// SystemStatus returns the topic for service online/offline announcements,
// including the Last Will message.
//
// Example: voltlink/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}
