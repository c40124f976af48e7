package metrics

import "time"

// Accessors satisfying the chunk store's row contract. A sample's
// identity within its timestamp is its series: one reading per
// (time, device, metric).

func (s Sample) RowTime() time.Time { return s.Time }

func (s Sample) RowDevice() string { return s.DeviceID }

func (s Sample) RowMetric() string { return string(s.Type) }

func (s Sample) RowKey() string { return s.DeviceID + "\x00" + string(s.Type) }
