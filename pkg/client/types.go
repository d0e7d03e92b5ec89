package client

import "time"

// Health is the engine liveness summary.
type Health struct {
	OK     bool   `json:"ok"`
	Engine string `json:"engine"`
}

// JobStatus summarises the reconcile schedule of one provider.
type JobStatus struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	Running  bool          `json:"running"`
	Runs     int64         `json:"runs"`
	Failures int64         `json:"failures"`
	Skipped  int64         `json:"skipped"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	LastTook time.Duration `json:"last_took,omitempty"`
	LastErr  string        `json:"last_error,omitempty"`
}

// Providers lists registered providers in dispatch order.
type Providers struct {
	Providers []string    `json:"providers"`
	Jobs      []JobStatus `json:"jobs"`
}

// Queue reports the lifecycle event backlog.
type Queue struct {
	Depth     int   `json:"depth"`
	Processed int64 `json:"processed"`
}

// Run is a run as seen in the DSS.
type Run struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Requestor string `json:"requestor,omitempty"`
	Group     string `json:"group,omitempty"`
	Heartbeat string `json:"heartbeat,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
