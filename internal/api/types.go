package api

import "time"

// HealthzResponse is the GET /healthz body.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Sessions      int    `json:"sessions"`
	Instances     int    `json:"instances"`
}

// StartInstanceRequest is the POST /v1/instances body.
type StartInstanceRequest struct {
	ID             string            `json:"id,omitempty"`
	SessionKey     string            `json:"session_key"`
	RuntimeVersion string            `json:"runtime_version,omitempty"`
	Tokens         map[string]string `json:"tokens,omitempty"`
}

// InstanceResponse describes one instance.
type InstanceResponse struct {
	ID             string            `json:"id"`
	SessionKey     string            `json:"session_key"`
	RuntimeVersion string            `json:"runtime_version"`
	Tokens         map[string]string `json:"tokens,omitempty"`
}

// JournalEntryResponse is one recorded lifecycle transition.
type JournalEntryResponse struct {
	ID             string    `json:"id"`
	SessionKey     string    `json:"session_key"`
	RuntimeVersion string    `json:"runtime_version"`
	Event          string    `json:"event"`
	InstanceID     string    `json:"instance_id,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
