package scanner_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/scapsuite/scanward/internal/model"
	"github.com/scapsuite/scanward/internal/oscap"
	"github.com/scapsuite/scanward/internal/scanner"
	"github.com/stretchr/testify/require"
)

// stubEnv is a fake oscap installation: a probe binary answering -V and
// an elevated helper whose behaviour is injected per test. The helper
// script records every spawn in spawnLog.
type stubEnv struct {
	cfg      model.Oscap
	dir      string
	spawnLog string
}

func (e stubEnv) spawnCount(t *testing.T) int {
	t.Helper()
	b, err := os.ReadFile(e.spawnLog)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	count := 0
	for _, c := range b {
		if c == '\n' {
			count++
		}
	}
	return count
}

// newStubEnv writes the two stub binaries. scanBody runs after the
// helper parsed --results/--report/--results-arf into $results, $report
// and $arf and the last positional argument into $input.
func newStubEnv(t *testing.T, probeBody, scanBody string) stubEnv {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	dir := t.TempDir()
	env := stubEnv{
		dir:      dir,
		spawnLog: filepath.Join(dir, "spawn.log"),
	}

	probe := filepath.Join(dir, "oscap")
	scan := filepath.Join(dir, "pkexec-oscap")

	probeScript := "#!/bin/sh\n" + probeBody + "\n"
	require.NoError(t, os.WriteFile(probe, []byte(probeScript), 0755))

	scanScript := `#!/bin/sh
echo spawn >> '` + env.spawnLog + `'
results=""; report=""; arf=""; input=""
while [ $# -gt 0 ]; do
  case "$1" in
    --results) results="$2"; shift 2;;
    --results-arf) arf="$2"; shift 2;;
    --report) report="$2"; shift 2;;
    --*) shift;;
    xccdf|eval|remediate|generate|fix) shift;;
    *) input="$1"; shift;;
  esac
done
` + scanBody + "\n"
	require.NoError(t, os.WriteFile(scan, []byte(scanScript), 0755))

	cfg := model.DefaultConfig().Oscap
	cfg.Path = probe
	cfg.PkexecPath = scan
	cfg.ProbeTimeout = 5 * time.Second
	env.cfg = cfg
	return env
}

const probeOK = `printf '%s' 'OpenSCAP command line tool (oscap) 1.3.7
SCAP Version: 1.3
XCCDF Version: 1.2
'`

func testSession(t *testing.T) oscap.FileSession {
	t.Helper()
	doc := filepath.Join(t.TempDir(), "doc.xml")
	require.NoError(t, os.WriteFile(doc, []byte("<Benchmark/>"), 0644))
	return oscap.FileSession{
		Document:  doc,
		ProfileID: "xccdf_org_profile_1",
	}
}

// evaluate runs the scanner to completion while draining its events.
func evaluate(t *testing.T, s *scanner.Scanner) []scanner.Event {
	t.Helper()
	var events []scanner.Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Evaluate(t.Context())
	}()
	for e := range s.Events() {
		events = append(events, e)
	}
	wg.Wait()
	return events
}

func lastEvent(t *testing.T, events []scanner.Event) scanner.Event {
	t.Helper()
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func TestDryRun(t *testing.T) {
	t.Parallel()
	env := newStubEnv(t, probeOK, "exit 0")

	for _, mode := range []model.ScanMode{
		model.ModeEvaluate,
		model.ModeOnlineRemediation,
		model.ModeOfflineRemediation,
	} {
		t.Run(mode.String(), func(t *testing.T) {
			s := scanner.New(env.cfg, testSession(t), mode).WithDryRun()
			t.Cleanup(func() { _ = s.Close() })

			events := evaluate(t, s)
			done := lastEvent(t, events)
			require.Equal(t, scanner.EventDone, done.Kind)
			require.False(t, done.Cancelled)
			require.Equal(t, scanner.StateCompleted, s.State())
			require.Empty(t, s.Results())
			require.Empty(t, s.Report())
			require.Empty(t, s.ARF())
		})
	}

	// not a single process was spawned across all modes
	require.Zero(t, env.spawnCount(t))
}

func TestCommandLinePreview(t *testing.T) {
	t.Parallel()
	env := newStubEnv(t, probeOK, "exit 0")
	session := testSession(t)

	t.Run("evaluation", func(t *testing.T) {
		t.Parallel()
		s := scanner.New(env.cfg, session, model.ModeEvaluate).WithDryRun()
		args := s.CommandLine()
		require.Equal(t, "oscap", args[0])
		require.NotContains(t, args, "--progress")
		require.Contains(t, args, "--results-arf")
		require.Equal(t, session.Document, args[len(args)-1])
	})

	t.Run("offline remediation", func(t *testing.T) {
		t.Parallel()
		s := scanner.New(env.cfg, session, model.ModeOfflineRemediation).WithDryRun()
		args := s.CommandLine()
		require.Equal(t, "oscap", args[0])
		require.Contains(t, args, "remediate")
		require.NotContains(t, args, "--progress")
	})
}

func TestProbeFailure(t *testing.T) {
	t.Parallel()
	env := newStubEnv(t, "echo 1>&2 'no such oscap'; exit 2", "exit 0")

	s := scanner.New(env.cfg, testSession(t), model.ModeEvaluate)
	t.Cleanup(func() { _ = s.Close() })

	events := evaluate(t, s)
	done := lastEvent(t, events)
	require.Equal(t, scanner.EventDone, done.Kind)
	require.True(t, done.Cancelled)
	require.Equal(t, scanner.StateFailed, s.State())

	var diag string
	for _, e := range events {
		if e.Kind == scanner.EventError {
			diag = e.Message
		}
	}
	require.Contains(t, diag, "no such oscap")
	require.Zero(t, env.spawnCount(t), "main scan must not be spawned")
}

func TestPrerequisiteFailure(t *testing.T) {
	t.Parallel()
	// probe succeeds but reports a version without tailoring support
	env := newStubEnv(t, `printf '%s' 'OpenSCAP command line tool (oscap) 0.9.1'`, "exit 0")

	session := testSession(t)
	session.Tailoring = filepath.Join(t.TempDir(), "tailoring.xml")

	s := scanner.New(env.cfg, session, model.ModeEvaluate)
	t.Cleanup(func() { _ = s.Close() })

	events := evaluate(t, s)
	done := lastEvent(t, events)
	require.True(t, done.Cancelled)
	require.Equal(t, scanner.StateCancelled, s.State())
	require.Zero(t, env.spawnCount(t))
}

func TestSuccessfulEvaluation(t *testing.T) {
	t.Parallel()
	env := newStubEnv(t, probeOK, `
printf '<results>data</results>' > "$results"
printf '<html>report</html>' > "$report"
printf '<arf>bundle</arf>' > "$arf"
echo 'xccdf_org.ssgproject rule pass'
exit 0`)

	s := scanner.New(env.cfg, testSession(t), model.ModeEvaluate).
		WithPollInterval(20 * time.Millisecond)
	t.Cleanup(func() { _ = s.Close() })

	events := evaluate(t, s)
	done := lastEvent(t, events)
	require.Equal(t, scanner.EventDone, done.Kind)
	require.False(t, done.Cancelled)
	require.False(t, s.Cancelled())
	require.Equal(t, scanner.StateCompleted, s.State())

	// byte for byte what the process wrote
	require.Equal(t, []byte("<results>data</results>"), s.Results())
	require.Equal(t, []byte("<html>report</html>"), s.Report())
	require.Equal(t, []byte("<arf>bundle</arf>"), s.ARF())
	require.Contains(t, s.Stdout(), "rule pass")
	require.Equal(t, 1, env.spawnCount(t))
}

func TestArtifactsPreCreated(t *testing.T) {
	t.Parallel()
	// the stub refuses to run when the artifact files do not exist yet
	env := newStubEnv(t, probeOK, `
[ -f "$results" ] || exit 1
[ -f "$report" ] || exit 1
[ -f "$arf" ] || exit 1
printf r > "$results"; printf r > "$report"; printf r > "$arf"
exit 0`)

	for range 2 { // re-running never hits pre-existing file conflicts
		s := scanner.New(env.cfg, testSession(t), model.ModeEvaluate).
			WithPollInterval(20 * time.Millisecond)
		events := evaluate(t, s)
		require.False(t, lastEvent(t, events).Cancelled)
		require.Equal(t, scanner.StateCompleted, s.State())
		require.NoError(t, s.Close())
	}
}

func TestToolReportedError(t *testing.T) {
	t.Parallel()
	env := newStubEnv(t, probeOK, `
printf partial > "$results"
echo 1>&2 'OpenSCAP Error: bad content'
exit 1`)

	s := scanner.New(env.cfg, testSession(t), model.ModeEvaluate).
		WithPollInterval(20 * time.Millisecond)
	t.Cleanup(func() { _ = s.Close() })

	events := evaluate(t, s)
	done := lastEvent(t, events)
	require.True(t, done.Cancelled)
	require.Equal(t, scanner.StateFailed, s.State())

	// partial output files are never read back
	require.Empty(t, s.Results())
	require.Empty(t, s.Report())
	require.Empty(t, s.ARF())
	require.Contains(t, s.Stderr(), "OpenSCAP Error")
}

func TestOtherNonZeroExitIsSuccess(t *testing.T) {
	t.Parallel()
	// oscap reserves exit code 2 for "valid scan with failing rules";
	// only exit code 1 means a tool error
	env := newStubEnv(t, probeOK, `
printf '<results/>' > "$results"
printf '<html/>' > "$report"
printf '<arf/>' > "$arf"
exit 2`)

	s := scanner.New(env.cfg, testSession(t), model.ModeEvaluate).
		WithPollInterval(20 * time.Millisecond)
	t.Cleanup(func() { _ = s.Close() })

	events := evaluate(t, s)
	require.False(t, lastEvent(t, events).Cancelled)
	require.Equal(t, scanner.StateCompleted, s.State())
	require.Equal(t, []byte("<results/>"), s.Results())
}

func TestMidScanCancel(t *testing.T) {
	t.Parallel()
	env := newStubEnv(t, probeOK, `
printf '<results/>' > "$results"
exec sleep 30`)

	s := scanner.New(env.cfg, testSession(t), model.ModeEvaluate).
		WithPollInterval(20 * time.Millisecond)
	t.Cleanup(func() { _ = s.Close() })

	var events []scanner.Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Evaluate(t.Context())
	}()
	for e := range s.Events() {
		events = append(events, e)
		if e.Kind == scanner.EventInfo && e.Message == "Processing..." {
			s.Cancel()
		}
	}
	wg.Wait()

	done := lastEvent(t, events)
	require.Equal(t, scanner.EventDone, done.Kind)
	require.True(t, done.Cancelled)
	require.True(t, s.Cancelled())
	require.Equal(t, scanner.StateCancelled, s.State())

	// no artifacts are read on cancellation
	require.Empty(t, s.Results())
	require.Empty(t, s.ARF())

	var sawCancelNotice bool
	for _, e := range events {
		if e.Kind == scanner.EventInfo && e.Message == "Cancellation was requested! Terminating scanning..." {
			sawCancelNotice = true
		}
	}
	require.True(t, sawCancelNotice)
}

func TestCancelWinsOverCleanExit(t *testing.T) {
	t.Parallel()
	// the stub writes complete artifacts, then waits for the gate file
	// before exiting 0, so cancellation is always requested first
	gate := filepath.Join(t.TempDir(), "gate")
	env := newStubEnv(t, probeOK, `
printf '<results>data</results>' > "$results"
printf '<html/>' > "$report"
printf '<arf/>' > "$arf"
while [ ! -f '`+gate+`' ]; do sleep 0.05; done
exit 0`)

	// a wide poll tick keeps the kill path out of the race: the process
	// exits on its own within the first tick
	s := scanner.New(env.cfg, testSession(t), model.ModeEvaluate).
		WithPollInterval(2 * time.Second)
	t.Cleanup(func() { _ = s.Close() })

	var events []scanner.Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Evaluate(t.Context())
	}()
	for e := range s.Events() {
		events = append(events, e)
		if e.Kind == scanner.EventInfo && e.Message == "Processing..." {
			s.Cancel()
			require.NoError(t, os.WriteFile(gate, nil, 0644))
		}
	}
	wg.Wait()

	done := lastEvent(t, events)
	require.Equal(t, scanner.EventDone, done.Kind)
	require.True(t, done.Cancelled)
	require.Equal(t, scanner.StateCancelled, s.State())

	// the process produced complete artifacts and exited cleanly, the
	// cancelled disposition still wins and nothing is read back
	require.Empty(t, s.Results())
	require.Empty(t, s.Report())
	require.Empty(t, s.ARF())
}

func TestOfflineRemediation(t *testing.T) {
	t.Parallel()
	arf := []byte("<arf>captured bundle bytes</arf>")

	// the stub copies the materialized input aside, the working
	// directory itself is removed when the run finishes
	seen := filepath.Join(t.TempDir(), "seen-input")
	env := newStubEnv(t, probeOK, `
cp "$input" '`+seen+`'
printf '<results/>' > "$results"
printf '<html/>' > "$report"
printf '<arf>new</arf>' > "$arf"
exit 0`)

	s := scanner.New(env.cfg, oscap.FileSession{ProfileID: "p"}, model.ModeOfflineRemediation).
		WithRemediationARF(arf).
		WithPollInterval(20 * time.Millisecond)
	t.Cleanup(func() { _ = s.Close() })

	events := evaluate(t, s)
	require.False(t, lastEvent(t, events).Cancelled)
	require.Equal(t, scanner.StateCompleted, s.State())
	require.Equal(t, []byte("<arf>new</arf>"), s.ARF())

	// the materialized input file held exactly the supplied bytes
	b, err := os.ReadFile(seen)
	require.NoError(t, err)
	require.Equal(t, arf, b)
}

func TestOfflineRemediationWithoutBundle(t *testing.T) {
	t.Parallel()
	env := newStubEnv(t, probeOK, "exit 0")

	s := scanner.New(env.cfg, oscap.FileSession{}, model.ModeOfflineRemediation)
	t.Cleanup(func() { _ = s.Close() })

	events := evaluate(t, s)
	require.True(t, lastEvent(t, events).Cancelled)
	require.Equal(t, scanner.StateCancelled, s.State())
	require.Zero(t, env.spawnCount(t))
}

func TestLaunchFailure(t *testing.T) {
	t.Parallel()
	env := newStubEnv(t, probeOK, "exit 0")
	env.cfg.PkexecPath = filepath.Join(env.dir, "does-not-exist")

	s := scanner.New(env.cfg, testSession(t), model.ModeEvaluate)
	t.Cleanup(func() { _ = s.Close() })

	events := evaluate(t, s)
	done := lastEvent(t, events)
	require.True(t, done.Cancelled)
	require.Equal(t, scanner.StateFailed, s.State())

	var sawError bool
	for _, e := range events {
		if e.Kind == scanner.EventError {
			sawError = true
			require.Contains(t, e.Message, "failed to start")
		}
	}
	require.True(t, sawError)
}
