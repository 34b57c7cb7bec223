package client

import (
	"fmt"
	"time"
)

// BackendStatus mirrors GET /status.
type BackendStatus struct {
	Name            string          `json:"name"`
	State           string          `json:"state"`
	PID             int             `json:"pid,omitempty"`
	HandleID        string          `json:"handle_id,omitempty"`
	ExitCode        *int            `json:"exit_code,omitempty"`
	StartedAt       time.Time       `json:"started_at,omitzero"`
	LastError       string          `json:"last_error,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	Restarts        int             `json:"restarts"`
	Generation      uint64          `json:"generation"`
	RestartInFlight bool            `json:"restart_in_flight"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Ready           bool            `json:"ready"`
	Probe           string          `json:"probe,omitempty"`
	ProbeError      string          `json:"probe_error,omitempty"`
	Resources       *ResourceSample `json:"resources,omitempty"`
}

// ResourceSample is the backend's latest CPU/memory reading.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// LifecycleResult is returned by start, stop and waited restarts.
type LifecycleResult struct {
	OK     bool          `json:"ok"`
	Status BackendStatus `json:"status"`
}

// RestartRequest selects between a waited restart and a fire-and-forget one.
type RestartRequest struct {
	Wait    bool
	Timeout time.Duration // zero uses the server default
}

// RestartResult reports a restart. For fire-and-forget requests only
// Initiated and Joined are set.
type RestartResult struct {
	Initiated bool          `json:"initiated"`
	Joined    bool          `json:"joined"`
	OK        bool          `json:"ok"`
	Status    BackendStatus `json:"status"`
}

// UploadRequest describes a model upload.
type UploadRequest struct {
	ModelType   string // checkpoints, loras, controlnet, embeddings, vae
	Path        string // local file to upload
	Filename    string // stored name; defaults to the base name of Path
	RestartMode string // async (default) or sync
}

// UploadResult mirrors the upload response.
type UploadResult struct {
	Status   string      `json:"status"`
	Message  string      `json:"message"`
	Filename string      `json:"filename"`
	Path     string      `json:"path"`
	Size     int64       `json:"size"`
	Restart  RestartInfo `json:"restart"`
}

// RestartInfo tells whether the backend was restarted after an upload.
type RestartInfo struct {
	Mode      string `json:"mode"`
	Initiated bool   `json:"initiated"`
	Joined    bool   `json:"joined,omitempty"`
	OK        *bool  `json:"ok,omitempty"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// Event is one lifecycle history entry.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     struct {
		Name       string `json:"name"`
		PID        int    `json:"pid"`
		State      string `json:"state"`
		ExitCode   *int   `json:"exit_code,omitempty"`
		Error      string `json:"error,omitempty"`
		RestartID  string `json:"restart_id,omitempty"`
		Generation uint64 `json:"generation"`
	} `json:"record"`
}

// LoginResult mirrors POST /auth/login.
type LoginResult struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	Token    *Token `json:"token,omitempty"`
}

// Token is a bearer token issued by the sidecar.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("API error (HTTP %d, %s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}
