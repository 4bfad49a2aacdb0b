package domain

import "time"

// HistoryEntry records the observed status of one device during one scan
// cycle. Entries are append-only and never mutated after insert; retention
// is a storage concern.
type HistoryEntry struct {
	DeviceMAC  string       `json:"device_mac"`
	Status     DeviceStatus `json:"status"`
	LatencyMs  *float64     `json:"latency_ms,omitempty"`
	RecordedAt time.Time    `json:"recorded_at"`
}
