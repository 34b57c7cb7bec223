package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	// Remote sidecar connection
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	Token      string
	User       string // name:password
}

type RestartFlags struct {
	Wait    bool
	Timeout time.Duration
}

type UploadFlags struct {
	Name        string
	RestartMode string
}

type HistoryFlags struct {
	Limit int
}

type StatusFlags struct {
	Watch    bool
	Interval time.Duration
}

type HashPasswordFlags struct {
	Password string
	Cost     int
	Role     string
	Username string
}
