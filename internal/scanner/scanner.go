// Package scanner supervises one local oscap run: capability probing,
// prerequisite checks, process spawn, a cooperative poll loop with
// cancellation and the transactional read-back of the produced
// artifacts. It never interprets compliance content itself.
package scanner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scapsuite/scanward/internal/model"
	"github.com/scapsuite/scanward/internal/oscap"
	"github.com/scapsuite/scanward/internal/proc"
)

// State of the scan run state machine.
type State int

const (
	StateIdle State = iota
	StateProbing
	StateCheckingPrerequisites
	StateLaunching
	StateRunning
	StateFinalizing
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateCheckingPrerequisites:
		return "checking-prerequisites"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	defaultPollInterval = 100 * time.Millisecond
	// after a cancel request the poll widens, the process is tearing
	// down and there is nothing to drain in a hurry
	cancelPollInterval = time.Second
)

// Placeholder artifact paths shown in dry run command lines.
const (
	previewResultPath = "/tmp/xccdf-results.xml"
	previewReportPath = "/tmp/report.html"
	previewARFPath    = "/tmp/arf.xml"
	previewInputPath  = "/tmp/input-arf.xml"
)

// Scanner drives a single scan run. It is single use: create, subscribe
// to Events, call Evaluate once, Close when the artifacts are no longer
// needed. Cancel may be called from any goroutine at any time.
type Scanner struct {
	cfg        model.Oscap
	invocation oscap.Invocation
	session    oscap.Session
	mode       model.ScanMode

	dryRun         bool
	remediationARF []byte
	pollInterval   time.Duration

	events    chan Event
	doneOnce  sync.Once
	cancelled atomic.Bool

	mx        sync.RWMutex
	state     State
	caps      oscap.Capabilities
	artifacts *ArtifactSet
	collected Artifacts
	stdout    bytes.Buffer
	stderr    bytes.Buffer
}

func New(cfg model.Oscap, session oscap.Session, mode model.ScanMode) *Scanner {
	return &Scanner{
		cfg:          cfg,
		invocation:   oscap.NewInvocation(cfg),
		session:      session,
		mode:         mode,
		pollInterval: defaultPollInterval,
		events:       make(chan Event, 1),
		state:        StateIdle,
	}
}

// WithDryRun makes Evaluate a no-op that only signals completion. Used
// together with CommandLine for previews.
func (s *Scanner) WithDryRun() *Scanner {
	s.dryRun = true
	return s
}

// WithRemediationARF supplies the captured ARF bundle consumed by
// offline remediation mode.
func (s *Scanner) WithRemediationARF(b []byte) *Scanner {
	s.remediationARF = b
	return s
}

// WithPollInterval overrides the poll tick, tests use it to tighten the
// loop.
func (s *Scanner) WithPollInterval(d time.Duration) *Scanner {
	s.pollInterval = d
	return s
}

// Events delivers Info and Error notices and exactly one terminal Done
// event, after which the channel closes. The caller must drain it for
// the whole lifetime of Evaluate.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Cancel requests cooperative cancellation. The flag is level triggered:
// once set the run's final disposition is cancelled, whatever the
// process exit code turns out to be.
func (s *Scanner) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled is the run's final disposition.
func (s *Scanner) Cancelled() bool {
	return s.cancelled.Load()
}

func (s *Scanner) State() State {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.state
}

// Results, Report and ARF return the collected artifact bytes. They are
// populated only after a successful, non-cancelled run.
func (s *Scanner) Results() []byte { return s.artifact(func(a Artifacts) []byte { return a.Results }) }
func (s *Scanner) Report() []byte  { return s.artifact(func(a Artifacts) []byte { return a.Report }) }
func (s *Scanner) ARF() []byte     { return s.artifact(func(a Artifacts) []byte { return a.ARF }) }

func (s *Scanner) artifact(pick func(Artifacts) []byte) []byte {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return pick(s.collected)
}

// Stdout and Stderr return the accumulated process output.
func (s *Scanner) Stdout() string {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.stdout.String()
}

func (s *Scanner) Stderr() string {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.stderr.String()
}

// Close releases the temporary artifact files. Safe on every exit path,
// including cancellation and failure.
func (s *Scanner) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.artifacts == nil {
		return nil
	}
	err := s.artifacts.Close()
	s.artifacts = nil
	return err
}

// Evaluate runs the whole state machine. Every failure is converted into
// an Error notice plus a terminal state, nothing escapes as an error
// value, and the Done event is emitted on every path.
func (s *Scanner) Evaluate(ctx context.Context) {
	defer s.signalCompletion()

	if s.dryRun {
		s.setState(ctx, StateCompleted)
		return
	}

	// ProbingCapabilities
	s.setState(ctx, StateProbing)
	s.info("Querying oscap capabilities...")
	caps, err := oscap.Probe(ctx, s.cfg)
	if err != nil {
		// probe failure is fatal and never retried
		s.cancelled.Store(true)
		s.error(err.Error())
		s.setState(ctx, StateFailed)
		return
	}
	s.mx.Lock()
	s.caps = caps
	s.mx.Unlock()

	// CheckingPrerequisites
	s.setState(ctx, StateCheckingPrerequisites)
	if err := s.checkPrerequisites(); err != nil {
		s.cancelled.Store(true)
		s.error(err.Error())
		s.setState(ctx, StateCancelled)
		return
	}

	// Launching
	s.setState(ctx, StateLaunching)
	s.info("Starting the oscap process...")

	workDir, err := NewWorkDir()
	if err != nil {
		s.cancelled.Store(true)
		s.error(err.Error())
		s.setState(ctx, StateFailed)
		return
	}
	defer func() {
		if err := workDir.Close(); err != nil {
			slog.WarnContext(ctx, "removing working directory failed", "error", err)
		}
	}()

	p, err := s.launch(ctx, workDir)
	if err != nil {
		s.cancelled.Store(true)
		s.error(fmt.Sprintf("failed to start the oscap process: %v", err))
		s.setState(ctx, StateFailed)
		return
	}

	// Running: cooperative poll loop
	s.setState(ctx, StateRunning)
	s.info("Processing...")
	s.poll(ctx, p)

	if s.cancelled.Load() {
		// cancellation wins over result collection, even when the
		// process managed to exit cleanly during the final tick
		s.info("Scanning cancelled!")
		s.setState(ctx, StateCancelled)
		return
	}

	// Finalizing
	s.setState(ctx, StateFinalizing)
	s.drain(p)
	if p.ExitCode() == 1 {
		// only exit code exactly 1 means a tool reported error, any
		// other non-zero code passes; oscap reserves 2 for "evaluated
		// with failed rules" which is still a valid result
		s.cancelled.Store(true)
		s.error("the oscap process has reported an error, exit code was 1\n" + s.Stderr())
		s.setState(ctx, StateFailed)
		return
	}

	s.info("The oscap tool has finished. Reading results...")
	collected, err := s.collect(ctx)
	if err != nil {
		s.cancelled.Store(true)
		s.error(err.Error())
		s.setState(ctx, StateFailed)
		return
	}
	s.mx.Lock()
	s.collected = collected
	s.mx.Unlock()
	s.info("Processing has been finished!")
	s.setState(ctx, StateCompleted)
}

func (s *Scanner) checkPrerequisites() error {
	if !s.caps.BaseSupport() {
		return fmt.Errorf("oscap version %q is not usable for scanning", s.caps.Version)
	}

	switch s.mode {
	case model.ModeOnlineRemediation:
		if !s.caps.OnlineRemediation() {
			return fmt.Errorf("oscap %s does not support online remediation", s.caps.Version)
		}
	case model.ModeOfflineRemediation:
		if !s.caps.ARFInput() {
			return fmt.Errorf("oscap %s cannot read ARF input", s.caps.Version)
		}
		if len(s.remediationARF) == 0 {
			return fmt.Errorf("no ARF bundle supplied for offline remediation")
		}
	}

	if s.mode != model.ModeOfflineRemediation {
		doc := s.session.OpenedFilePath()
		if _, err := os.Stat(doc); err != nil {
			return fmt.Errorf("document is not readable: %w", err)
		}
		if s.session.HasTailoring() && !s.caps.TailoringSupport() {
			return fmt.Errorf("oscap %s does not support tailoring files", s.caps.Version)
		}
	}
	return nil
}

// launch prepares artifacts and the argument vector and spawns oscap
// with workDir as its CWD.
func (s *Scanner) launch(ctx context.Context, workDir WorkDir) (*proc.Process, error) {
	artifacts, err := NewArtifactSet()
	if err != nil {
		return nil, err
	}
	s.mx.Lock()
	s.artifacts = artifacts
	s.mx.Unlock()

	builder := oscap.Builder{Session: s.session, Caps: s.caps}

	var args []string
	if s.mode == model.ModeOfflineRemediation {
		input, err := s.materializeInputARF(workDir)
		if err != nil {
			return nil, err
		}
		args = builder.OfflineRemediationArgs(input,
			artifacts.ResultPath, artifacts.ReportPath, artifacts.ARFPath, false)
	} else {
		var tailoring string
		if s.session.HasTailoring() {
			tailoring = s.session.TailoringFilePath()
		}
		args = builder.EvaluationArgs(s.session.OpenedFilePath(), tailoring,
			artifacts.ResultPath, artifacts.ReportPath, artifacts.ARFPath,
			s.mode == model.ModeOnlineRemediation, false)
	}

	program, argv := s.invocation.Resolve(args)
	slog.DebugContext(ctx, "launching oscap", "program", program, "args", argv, "dir", workDir.Path())

	return proc.Start(ctx, proc.Command{
		Path: program,
		Args: argv,
		Dir:  workDir.Path(),
	})
}

// materializeInputARF writes the supplied ARF bundle to a file the
// external process can read.
func (s *Scanner) materializeInputARF(workDir WorkDir) (string, error) {
	path := filepath.Join(workDir.Path(), "input-arf.xml")
	if err := os.WriteFile(path, s.remediationARF, 0644); err != nil {
		return "", fmt.Errorf("materializing input ARF: %w", err)
	}
	return path, nil
}

// poll waits for process exit in bounded ticks, draining output between
// ticks. Cancellation is observed only here: it widens the tick, emits a
// notice and kills the process once, then keeps polling until the
// process has actually exited.
func (s *Scanner) poll(ctx context.Context, p *proc.Process) {
	interval := s.pollInterval
	for !p.WaitTimeout(interval) {
		s.drain(p)

		if s.cancelled.Load() && !p.Killed() {
			interval = cancelPollInterval
			s.info("Cancellation was requested! Terminating scanning...")
			p.Kill()
			slog.DebugContext(ctx, "kill signal sent to oscap")
		}
	}
}

// drain appends freshly produced process output to the accumulated
// buffers, strictly in order, each byte once.
func (s *Scanner) drain(p *proc.Process) {
	out := p.Stdout().Next()
	errOut := p.Stderr().Next()
	if len(out) == 0 && len(errOut) == 0 {
		return
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	s.stdout.Write(out)
	s.stderr.Write(errOut)
}

func (s *Scanner) collect(ctx context.Context) (Artifacts, error) {
	s.mx.RLock()
	artifacts := s.artifacts
	s.mx.RUnlock()
	return artifacts.Collect(ctx)
}

// CommandLine is the dry run preview: the same invocation shape as a
// real run, pointed at placeholder paths, with capability gating
// disabled and the progress flag stripped. Display only, never executed.
func (s *Scanner) CommandLine() []string {
	builder := oscap.Builder{Session: s.session}

	args := []string{"oscap"}
	if s.mode == model.ModeOfflineRemediation {
		args = append(args, builder.OfflineRemediationArgs(previewInputPath,
			previewResultPath, previewReportPath, previewARFPath, true)...)
	} else {
		args = append(args, builder.EvaluationArgs(s.session.OpenedFilePath(),
			s.session.UserTailoringFilePath(),
			previewResultPath, previewReportPath, previewARFPath,
			s.mode == model.ModeOnlineRemediation, true)...)
	}

	if i := slices.Index(args, "--progress"); i >= 0 {
		args = slices.Delete(args, i, i+1)
	}
	return args
}

func (s *Scanner) setState(ctx context.Context, state State) {
	s.mx.Lock()
	prev := s.state
	s.state = state
	s.mx.Unlock()
	slog.DebugContext(ctx, "scan state changed", "from", prev.String(), "to", state.String())
}

func (s *Scanner) info(msg string) {
	s.events <- Event{Kind: EventInfo, Message: msg}
}

func (s *Scanner) error(msg string) {
	s.events <- Event{Kind: EventError, Message: msg}
}

// signalCompletion emits the single Done event carrying the final
// disposition and closes the channel. Callers are never left waiting.
func (s *Scanner) signalCompletion() {
	s.doneOnce.Do(func() {
		s.events <- Event{Kind: EventDone, Cancelled: s.cancelled.Load()}
		close(s.events)
	})
}
