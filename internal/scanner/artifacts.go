package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ArtifactSet owns the three output files a scan produces: machine
// readable results, human readable report and the ARF bundle. The files
// are created empty before the oscap process starts, so a process
// running under pkexec never creates them with root ownership. The set
// is exclusively owned by one scan run and removed on Close no matter
// how the run ended.
type ArtifactSet struct {
	dir        string
	ResultPath string
	ReportPath string
	ARFPath    string
}

// Artifacts are the collected file contents after a successful run.
type Artifacts struct {
	Results []byte
	Report  []byte
	ARF     []byte
}

func NewArtifactSet() (*ArtifactSet, error) {
	dir, err := os.MkdirTemp("", "scanward-artifacts-*")
	if err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	s := &ArtifactSet{
		dir:        dir,
		ResultPath: filepath.Join(dir, "xccdf-results.xml"),
		ReportPath: filepath.Join(dir, "report.html"),
		ARFPath:    filepath.Join(dir, "arf.xml"),
	}
	if err := s.Prepare(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Prepare (re)creates all three files empty. It is idempotent, existing
// files are truncated rather than treated as conflicts.
func (s *ArtifactSet) Prepare() error {
	for _, path := range []string{s.ResultPath, s.ReportPath, s.ARFPath} {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("pre-creating artifact %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("closing artifact %s: %w", path, err)
		}
	}
	return nil
}

// Collect reads all three files back in full. It is a single transaction:
// the first read failure fails the whole collect.
func (s *ArtifactSet) Collect(ctx context.Context) (Artifacts, error) {
	var a Artifacts
	g, _ := errgroup.WithContext(ctx)
	read := func(path string, dst *[]byte) func() error {
		return func() error {
			b, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading artifact %s: %w", path, err)
			}
			*dst = b
			return nil
		}
	}
	g.Go(read(s.ResultPath, &a.Results))
	g.Go(read(s.ReportPath, &a.Report))
	g.Go(read(s.ARFPath, &a.ARF))
	if err := g.Wait(); err != nil {
		return Artifacts{}, err
	}
	return a, nil
}

func (s *ArtifactSet) Close() error {
	return os.RemoveAll(s.dir)
}

// WorkDir is a uniquely named directory serving as the working directory
// of one external process invocation. Anything the tool writes relative
// to its CWD lands here and is removed with Close.
type WorkDir struct {
	path string
}

func NewWorkDir() (WorkDir, error) {
	path := filepath.Join(os.TempDir(), "scanward-"+uuid.NewString())
	if err := os.Mkdir(path, 0755); err != nil {
		return WorkDir{}, fmt.Errorf("creating working directory: %w", err)
	}
	return WorkDir{path: path}, nil
}

func (w WorkDir) Path() string { return w.path }

func (w WorkDir) Close() error {
	if w.path == "" {
		return nil
	}
	return os.RemoveAll(w.path)
}
