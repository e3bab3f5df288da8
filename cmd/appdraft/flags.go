package main

import "time"

// ServeFlags Flag structs to decouple cobra from logic for testing.
type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type CreateFlags struct {
	Prompt   string
	Template string
	Watch    bool
	// Daemon connection
	APIUrl     string
	Token      string
	APITimeout time.Duration
}

type StatusFlags struct {
	Session string
	// Daemon connection
	APIUrl     string
	Token      string
	APITimeout time.Duration
}

type ChatFlags struct {
	Session string
	Message string
	// Daemon connection
	APIUrl     string
	Token      string
	APITimeout time.Duration
}

type StopFlags struct {
	Session string
	// Daemon connection
	APIUrl     string
	Token      string
	APITimeout time.Duration
}

type RecentFlags struct {
	Limit int
	// Daemon connection
	APIUrl     string
	Token      string
	APITimeout time.Duration
}

type WatchFlags struct {
	Session string
	// Daemon connection
	APIUrl     string
	Token      string
	APITimeout time.Duration
}
