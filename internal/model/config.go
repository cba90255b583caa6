package model

import (
	"time"
)

const (
	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

// PkexecPathEnv overrides Oscap.PkexecPath when set in the environment.
// It is consulted once per invocation, at program resolution time.
const PkexecPathEnv = "SCANWARD_PKEXEC_OSCAP_PATH"

// Config is the explicit configuration object of the whole tool. All
// environment and build-time knobs live here, never in package globals.
type Config struct {
	Oscap   Oscap   `mapstructure:"oscap" yaml:"oscap"`
	Service Service `mapstructure:"service" yaml:"service"`
}

// Oscap describes how the external oscap executable is invoked.
type Oscap struct {
	// Path is the plain oscap binary, used for unprivileged invocations
	// like the capability probe.
	Path string `mapstructure:"path" yaml:"path"`
	// PkexecPath is the privilege-elevation helper wrapping oscap.
	PkexecPath string `mapstructure:"pkexec_path" yaml:"pkexec_path"`
	// NicePath and Niceness wrap the elevated invocation in nice(1)
	// when UseNice is set.
	NicePath string `mapstructure:"nice_path" yaml:"nice_path"`
	Niceness int    `mapstructure:"niceness" yaml:"niceness"`
	UseNice  bool   `mapstructure:"use_nice" yaml:"use_nice"`
	// ProbeTimeout bounds the capability query.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

// Service configures the long-running supervisor mode.
type Service struct {
	Mode     string   `mapstructure:"mode" yaml:"mode"` // "manual" | "timer"
	Dir      string   `mapstructure:"dir" yaml:"dir"`   // artifact output directory
	Log      string   `mapstructure:"log" yaml:"log"`   // "stderr"|"stdout"|"discard"|path
	Verbose  bool     `mapstructure:"verbose" yaml:"verbose"`
	Schedule Schedule `mapstructure:"schedule" yaml:"schedule"`
}

// Schedule defines when timer mode triggers a scan. Exactly one of Cron
// (5 field expression) or Every (duration like "12h30m") must be set.
type Schedule struct {
	Cron  string `mapstructure:"cron" yaml:"cron"`
	Every string `mapstructure:"every" yaml:"every"`
}

func DefaultConfig() Config {
	return Config{
		Oscap: Oscap{
			Path:         "oscap",
			PkexecPath:   "/usr/libexec/scanward-pkexec-oscap",
			NicePath:     "/usr/bin/nice",
			Niceness:     10,
			UseNice:      false,
			ProbeTimeout: 30 * time.Second,
		},
		Service: Service{
			Mode: ServiceModeManual,
			Log:  LogStderr,
		},
	}
}
