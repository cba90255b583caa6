// Package oscap is the boundary to the external oscap executable: what
// the installed version can do, how a session is described, which
// arguments an invocation gets and through which wrappers it runs.
package oscap

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/scapsuite/scanward/internal/model"
	"github.com/scapsuite/scanward/internal/proc"
)

// Capabilities describes what the installed oscap supports. The zero
// value means "nothing", which is what a garbled -V payload parses to.
type Capabilities struct {
	Version string // oscap version, e.g. "1.3.7"

	SCAPVersion  string
	XCCDFVersion string
	OVALVersion  string
	CPEVersion   string
}

// BaseSupport reports whether a usable oscap was detected at all.
func (c Capabilities) BaseSupport() bool {
	return c.Version != ""
}

// Feature gates by version threshold. The thresholds mirror when the
// respective oscap command line options appeared.
func (c Capabilities) ProgressReporting() bool { return c.atLeast("0.8.0") }
func (c Capabilities) SourceDataStreams() bool { return c.atLeast("0.9.0") }
func (c Capabilities) ARFOutput() bool         { return c.atLeast("0.9.0") }
func (c Capabilities) OnlineRemediation() bool { return c.atLeast("0.9.5") }
func (c Capabilities) ARFInput() bool          { return c.atLeast("0.9.5") }
func (c Capabilities) TailoringSupport() bool  { return c.atLeast("0.9.12") }

func (c Capabilities) atLeast(version string) bool {
	return c.Version != "" && compareVersions(c.Version, version) >= 0
}

// ParseCapabilities parses `oscap -V` stdout. The parse is best effort:
// truncated or malformed input yields a zero-value descriptor, never an
// error, the caller gates on BaseSupport instead.
func ParseCapabilities(stdout string) Capabilities {
	var caps Capabilities
	for line := range strings.Lines(stdout) {
		line = strings.TrimSpace(line)

		// first line: "OpenSCAP command line tool (oscap) 1.3.7"
		if caps.Version == "" && strings.Contains(line, "(oscap)") {
			fields := strings.Fields(line)
			v := fields[len(fields)-1]
			if isVersion(v) {
				caps.Version = v
			}
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if !isVersion(value) {
			continue
		}
		switch strings.TrimSpace(name) {
		case "SCAP Version":
			caps.SCAPVersion = value
		case "XCCDF Version":
			caps.XCCDFVersion = value
		case "OVAL Version":
			caps.OVALVersion = value
		case "CPE Version":
			caps.CPEVersion = value
		}
	}
	return caps
}

// ProbeError is the fatal capability-query failure. It is the only error
// the orchestrator receives from probing and is never retried.
type ProbeError struct {
	Diagnostic string
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("querying oscap capabilities failed: %s", e.Diagnostic)
}

// Probe runs `oscap -V` synchronously and parses the result. A non-zero
// exit or a spawn failure yields a ProbeError carrying diagnostic text.
func Probe(ctx context.Context, cfg model.Oscap) (Capabilities, error) {
	out, err := proc.Run(ctx, proc.Command{
		Path:    cfg.Path,
		Args:    []string{"-V"},
		Timeout: cfg.ProbeTimeout,
	})
	if err != nil {
		return Capabilities{}, &ProbeError{Diagnostic: err.Error()}
	}
	if out.ExitCode != 0 {
		return Capabilities{}, &ProbeError{Diagnostic: out.Diagnostic()}
	}
	return ParseCapabilities(out.Stdout), nil
}

func isVersion(s string) bool {
	if s == "" {
		return false
	}
	for part := range strings.SplitSeq(s, ".") {
		if _, err := strconv.Atoi(part); err != nil {
			return false
		}
	}
	return true
}

// compareVersions compares dotted numeric versions, missing segments
// count as zero.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	}
	return 0
}
