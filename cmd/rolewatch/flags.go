package main

import "time"

const (
	defaultAPIUrl = "http://localhost:8080/api"
	tokenEnv      = "ROLEWATCH_API_TOKEN"
)

// GlobalFlags holds the persistent flags.
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection
	APIUrl     string
	APIToken   string
	APITimeout time.Duration
	Insecure   bool
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

type UserFlags struct {
	Username string
	Admin    bool
	Roles    []string
}

type HashTokenFlags struct {
	Cost int
}
