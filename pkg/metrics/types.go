package metrics

import (
	"time"
)

// MetricType identifies what a sample measures.
type MetricType string

const (
	TypePower          MetricType = "power"
	TypeEnergy         MetricType = "energy"
	TypeTemperature    MetricType = "temperature"
	TypeHumidity       MetricType = "humidity"
	TypeBattery        MetricType = "battery"
	TypeSignalStrength MetricType = "signal_strength"
	TypeCustom         MetricType = "custom"
)

// Sample is a single validated reading from a device.
// Samples are immutable once written; ingestion guarantees the timestamp
// is not in the future and the device exists.
type Sample struct {
	Time     time.Time         `json:"time"`
	DeviceID string            `json:"device_id"`
	Type     MetricType        `json:"metric_type"`
	Value    float64           `json:"value"`
	Unit     string            `json:"unit,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}
