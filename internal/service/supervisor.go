// Package service runs scans unattended: a supervisor event loop
// triggered manually or by a schedule, persisting the artifacts of
// successful runs into sinks. One scan at a time, runs never overlap.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/scapsuite/scanward/internal/model"
	"github.com/scapsuite/scanward/internal/oscap"
	"github.com/scapsuite/scanward/internal/scanner"
)

// Sink persists the artifacts of one successful scan.
type Sink interface {
	Save(ctx context.Context, a scanner.Artifacts) error
}

// SinkCloser is a Sink with a teardown step.
type SinkCloser interface {
	Sink
	Close() error
}

type Supervisor struct {
	cfg       model.Config
	session   oscap.Session
	oneshot   bool
	scheduler gocron.Scheduler
	start     chan struct{}
	sinks     []Sink
}

func NewSupervisor(ctx context.Context, cfg model.Config, session oscap.Session) (*Supervisor, error) {
	sinks, err := sinks(cfg.Service)
	if err != nil {
		return nil, fmt.Errorf("initializing sinks: %w", err)
	}

	supervisor := &Supervisor{
		cfg:     cfg,
		session: session,
		oneshot: cfg.Service.Mode == model.ServiceModeManual,
		start:   make(chan struct{}, 1),
		sinks:   sinks,
	}

	if cfg.Service.Mode == model.ServiceModeTimer {
		scheduler, err := newScheduler(ctx, cfg.Service.Schedule, supervisor.Start)
		if err != nil {
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
		supervisor.scheduler = scheduler
	}

	return supervisor, nil
}

// WithSinks replaces the configured sinks. This method exists for unit
// testing only.
func (s *Supervisor) WithSinks(ctx context.Context, sinks ...Sink) *Supervisor {
	s.closeSinks(ctx)
	s.sinks = sinks
	return s
}

// Start hints the supervisor to run a scan. It never blocks, a pending
// hint coalesces with new ones.
func (s *Supervisor) Start() {
	select {
	case s.start <- struct{}{}:
	default:
	}
}

// Do runs the supervisor event loop until ctx is cancelled. In oneshot
// (manual) mode a single scan is triggered on entry and its error is
// returned, in timer mode errors are only logged.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting the supervisor")

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			err := s.scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down the scheduler has failed", "error", err)
			}
		}()
	}

	defer s.closeSinks(ctx)

	if s.oneshot {
		s.Start()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			err := s.scan(ctx)
			if s.oneshot {
				return err
			}
			if err != nil {
				slog.ErrorContext(ctx, "scan have failed", "error", err)
			}
		}
	}
}

// scan drives one full scanner run, forwarding its notices to the log
// and saving artifacts on success.
func (s *Supervisor) scan(ctx context.Context) error {
	scn := scanner.New(s.cfg.Oscap, s.session, model.ModeEvaluate)
	defer func() {
		if err := scn.Close(); err != nil {
			slog.WarnContext(ctx, "releasing scan artifacts failed", "error", err)
		}
	}()

	// a dying context must cancel the running scan, not wait it out
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			scn.Cancel()
		case <-stop:
		}
	}()

	go scn.Evaluate(ctx)
	for e := range scn.Events() {
		switch e.Kind {
		case scanner.EventInfo:
			slog.InfoContext(ctx, e.Message)
		case scanner.EventError:
			slog.ErrorContext(ctx, e.Message)
		case scanner.EventDone:
			slog.InfoContext(ctx, "scan finished", "cancelled", e.Cancelled)
		}
	}

	if scn.Cancelled() {
		return errors.New("scan did not succeed")
	}

	artifacts := scanner.Artifacts{
		Results: scn.Results(),
		Report:  scn.Report(),
		ARF:     scn.ARF(),
	}
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Save(ctx, artifacts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) closeSinks(ctx context.Context) {
	for _, sink := range s.sinks {
		if closer, ok := sink.(SinkCloser); ok {
			err := closer.Close()
			if err != nil {
				slog.ErrorContext(ctx, "closing sink have failed", "error", err)
			}
		}
	}
	s.sinks = nil
}

func newScheduler(ctx context.Context, cfg model.Schedule, startFunc func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		err := ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	case cfg.Every != "":
		d, err := ParseEvery(cfg.Every)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.every: %w", err)
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "every", d.String())
	default:
		return nil, errors.New("both cron and every are empty")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		job,
		gocron.NewTask(startFunc),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing scheduler job: %w", err)
	}
	return scheduler, nil
}

func sinks(cfg model.Service) ([]Sink, error) {
	if cfg.Dir == "" {
		return []Sink{NewWriteSink(os.Stdout)}, nil
	}
	sink, err := NewDirSink(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return []Sink{sink}, nil
}

// WriteSink streams the ARF bundle of every successful scan to a writer.
type WriteSink struct {
	w io.Writer
}

func NewWriteSink(w io.Writer) WriteSink {
	return WriteSink{w: w}
}

func (s WriteSink) Save(_ context.Context, a scanner.Artifacts) error {
	if s.w == nil {
		s.w = os.Stdout
	}
	_, err := s.w.Write(a.ARF)
	return err
}

// DirSink stores all three artifacts under a timestamped name inside a
// directory.
type DirSink struct {
	root *os.Root
}

func NewDirSink(path string) (*DirSink, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &DirSink{root: root}, nil
}

func (s *DirSink) Save(ctx context.Context, a scanner.Artifacts) error {
	if s.root == nil {
		return errors.New("sink already closed")
	}

	prefix := "scanward-" + time.Now().Format("2006-01-02-15-04-05")
	files := []struct {
		name string
		data []byte
	}{
		{prefix + "-results.xml", a.Results},
		{prefix + "-report.html", a.Report},
		{prefix + "-arf.xml", a.ARF},
	}
	for _, file := range files {
		f, err := s.root.Create(file.name)
		if err != nil {
			return fmt.Errorf("creating %s: %w", file.name, err)
		}
		_, err = f.Write(file.data)
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("saving %s: %w", file.name, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("closing %s: %w", file.name, err)
		}
	}
	slog.InfoContext(ctx, "artifacts saved", "prefix", prefix)
	return nil
}

func (s *DirSink) Close() error {
	if s.root == nil {
		return errors.New("sink already closed")
	}
	err := s.root.Close()
	s.root = nil
	return err
}
