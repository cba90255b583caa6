package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/scapsuite/scanward/internal/model"
	"github.com/scapsuite/scanward/internal/oscap"
	"github.com/scapsuite/scanward/internal/proc"
)

// ErrNoProfile means the session cannot name a result id, so no
// remediation role can be generated.
var ErrNoProfile = errors.New("profile id is empty, cannot determine the result id for role generation")

// RoleGenerator drives the secondary `oscap xccdf generate fix`
// invocation against a previously captured ARF bundle. It reuses the
// bounded-wait poll discipline of the scanner but is not cancellable:
// role generation is short and blocks the caller until the process
// exits.
type RoleGenerator struct {
	cfg          model.Oscap
	invocation   oscap.Invocation
	session      oscap.Session
	arfPath      string
	pollInterval time.Duration
}

func NewRoleGenerator(cfg model.Oscap, session oscap.Session, arfPath string) *RoleGenerator {
	return &RoleGenerator{
		cfg:          cfg,
		invocation:   oscap.NewInvocation(cfg),
		session:      session,
		arfPath:      arfPath,
		pollInterval: defaultPollInterval,
	}
}

// RoleGenerator derives a generator from a completed scan, consuming the
// ARF bundle the run collected. The scanner must not be Closed while the
// generator runs, the artifact file backs the invocation.
func (s *Scanner) RoleGenerator() (*RoleGenerator, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.state != StateCompleted || s.artifacts == nil {
		return nil, fmt.Errorf("no completed scan to generate a remediation role from")
	}
	g := NewRoleGenerator(s.cfg, s.session, s.artifacts.ARFPath)
	g.pollInterval = s.pollInterval
	return g, nil
}

func (g *RoleGenerator) WithPollInterval(d time.Duration) *RoleGenerator {
	g.pollInterval = d
	return g
}

// Generate produces a remediation role of the given fix type (bash,
// ansible, puppet) at outputPath. Preconditions are verified before any
// process is spawned; on precondition failure the destination file is
// left untouched.
func (g *RoleGenerator) Generate(ctx context.Context, fixType, outputPath string) error {
	profile := g.session.Profile()
	if profile == "" {
		return ErrNoProfile
	}

	info, err := os.Stat(g.arfPath)
	if err != nil {
		return fmt.Errorf("ARF bundle is not readable: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("ARF bundle %s is empty", g.arfPath)
	}

	// Create the destination up front so the elevated oscap process
	// does not create it with unreachable ownership.
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("pre-creating role file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing role file: %w", err)
	}

	args := oscap.RoleArgs(fixType, outputPath, profile, g.arfPath)
	program, argv := g.invocation.Resolve(args)

	workDir, err := NewWorkDir()
	if err != nil {
		return err
	}
	defer func() {
		if err := workDir.Close(); err != nil {
			slog.WarnContext(ctx, "removing working directory failed", "error", err)
		}
	}()

	slog.DebugContext(ctx, "generating remediation role", "program", program, "args", argv, "fix_type", fixType)
	p, err := proc.Start(ctx, proc.Command{
		Path: program,
		Args: argv,
		Dir:  workDir.Path(),
	})
	if err != nil {
		return fmt.Errorf("failed to start the oscap process: %w", err)
	}

	var stderr bytes.Buffer
	for !p.WaitTimeout(g.pollInterval) {
		stderr.Write(p.Stderr().Next())
	}
	stderr.Write(p.Stderr().Next())

	if p.ExitCode() == 1 {
		return fmt.Errorf("remediation role generation failed, exit code of the oscap process was 1\n%s", stderr.String())
	}
	return nil
}
