package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags select the admin API of a running engine.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type ReconcileFlags struct {
	APIFlags
	Provider string
	// Local runs the sweep in this process against the configured DSS
	// instead of asking a running engine.
	Local bool
}

type RunsFlags struct {
	APIFlags
	Name string
}

type CleanupFlags struct {
	APIFlags
	Name string
}

type HeartbeatFlags struct {
	Run string
}
