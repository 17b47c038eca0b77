// Package events defines the sample device events carried over CoAP.
package events

import "time"

// TelemetryData is the payload of a periodic sensor reading.
type TelemetryData struct {
	DeviceID    string    `json:"deviceId"`
	Site        string    `json:"site"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Battery     int       `json:"battery"`
	ReadAt      time.Time `json:"readAt"`
}

// AlertData is the payload of a threshold alert raised by a device.
type AlertData struct {
	DeviceID  string    `json:"deviceId"`
	Site      string    `json:"site"`
	Severity  string    `json:"severity"` // info, warning, critical
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	RaisedAt  time.Time `json:"raisedAt"`
}

// Event type constants
const (
	EventTypeTelemetry = "com.example.device.telemetry"
	EventTypeAlert     = "com.example.device.alert"

	EventSource = "/devices"

	// DataSchemaTelemetry identifies the telemetry payload schema.
	DataSchemaTelemetry = "https://example.com/schemas/telemetry/v1"

	ContentTypeJSON = "application/json"

	// ExtensionFirmware carries the device firmware version. Extension names
	// are option numbers, above the custom base of every preset profile.
	ExtensionFirmware = "4300"
)

// Subject returns the event subject for a device, "devices/<id>".
func Subject(deviceID string) string {
	return "devices/" + deviceID
}
