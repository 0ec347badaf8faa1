package model

// Device is a registered asset. EdgeID groups devices under the edge node
// that collects for them. Disabled devices are skipped by collection and
// evaluation.
type Device struct {
	DeviceID   string `json:"device_id" db:"device_id"`
	EdgeID     string `json:"edge_id" db:"edge_id"`
	Name       string `json:"name" db:"name"`
	Enabled    bool   `json:"enabled" db:"enabled"`
	UpdatedUTC int64  `json:"updated_utc" db:"updated_utc"`
}

// Tag is a named measurement point on a device. DataType constrains the
// points the tag may produce. The deadband overrides, when set, take
// precedence over the edge-wide processing defaults.
type Tag struct {
	TagID           string    `json:"tag_id"`
	DeviceID        string    `json:"device_id"`
	Name            string    `json:"name"`
	DataType        ValueType `json:"data_type"`
	Enabled         bool      `json:"enabled"`
	Deadband        *float64  `json:"deadband,omitempty"`
	DeadbandPercent *float64  `json:"deadband_percent,omitempty"`
	Bypass          bool      `json:"bypass,omitempty"`
	UpdatedUTC      int64     `json:"updated_utc"`
}

// EdgeStatus is the heartbeat DTO an edge posts to the central server.
type EdgeStatus struct {
	EdgeID        string  `json:"edge_id"`
	Online        bool    `json:"online"`
	PendingPoints int64   `json:"pending_points"`
	StoredMB      float64 `json:"stored_mb"`
	SentCount     int64   `json:"sent_count"`
	FilterRate    float64 `json:"filter_rate"`
	TS            int64   `json:"ts"`
}
