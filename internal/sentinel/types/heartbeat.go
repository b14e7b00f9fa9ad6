package types

type HeartbeatRequest struct {
	KioskID         string `json:"kiosk_id" validate:"required,max=128"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	UptimeSeconds   uint64 `json:"uptime_s,omitempty"`
	QueuedScans     int    `json:"queued_scans,omitempty"` // offline scans waiting for replay
	IP              string `json:"ip,omitempty"`
}

type HeartbeatResponse struct {
	OK         bool   `json:"ok"`
	Known      bool   `json:"known"`
	KioskID    string `json:"kiosk_id"`
	ServerTime string `json:"server_time"`
}
