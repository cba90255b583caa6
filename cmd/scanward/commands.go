package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/scapsuite/scanward/internal/model"
	"github.com/scapsuite/scanward/internal/oscap"
	"github.com/scapsuite/scanward/internal/scanner"
	"github.com/scapsuite/scanward/internal/service"

	"github.com/spf13/cobra"
)

func session() oscap.FileSession {
	return oscap.FileSession{
		Document:  flagDocument,
		Tailoring: flagTailoring,
		ProfileID: flagProfile,
	}
}

func doScan(cmd *cobra.Command, _ []string) error {
	mode := model.ModeEvaluate
	if flagRemediate {
		mode = model.ModeOnlineRemediation
	}
	scn := scanner.New(config.Oscap, session(), mode)
	return runScan(cmd.Context(), scn)
}

func doRemediate(cmd *cobra.Command, _ []string) error {
	arf, err := os.ReadFile(flagInputARF)
	if err != nil {
		return fmt.Errorf("reading ARF bundle: %w", err)
	}
	scn := scanner.New(config.Oscap, session(), model.ModeOfflineRemediation).
		WithRemediationARF(arf)
	return runScan(cmd.Context(), scn)
}

// runScan drives one scanner run interactively: notices go to the log,
// an interrupt requests cooperative cancellation, artifacts are stored
// where the output flags point.
func runScan(ctx context.Context, scn *scanner.Scanner) error {
	defer func() {
		if err := scn.Close(); err != nil {
			slog.WarnContext(ctx, "releasing scan artifacts failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		scn.Cancel()
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

	outputs := []struct {
		path string
		data []byte
	}{
		{flagResultsOut, scn.Results()},
		{flagReportOut, scn.Report()},
		{flagARFOut, scn.ARF()},
	}
	for _, out := range outputs {
		if out.path == "" {
			continue
		}
		if err := os.WriteFile(out.path, out.data, 0644); err != nil {
			return fmt.Errorf("saving %s: %w", out.path, err)
		}
		slog.InfoContext(ctx, "artifact saved", "path", out.path)
	}
	return nil
}

func doRole(cmd *cobra.Command, _ []string) error {
	generator := scanner.NewRoleGenerator(config.Oscap, session(), flagInputARF)
	err := generator.Generate(cmd.Context(), flagFixType, flagOutput)
	if err != nil {
		return err
	}
	slog.InfoContext(cmd.Context(), "remediation role generated", "path", flagOutput, "fix_type", flagFixType)
	return nil
}

func doPreview(cmd *cobra.Command, _ []string) error {
	mode := model.ModeEvaluate
	switch {
	case flagOffline && flagRemediate:
		return errors.New("--remediate and --offline-remediation are mutually exclusive")
	case flagOffline:
		mode = model.ModeOfflineRemediation
	case flagRemediate:
		mode = model.ModeOnlineRemediation
	}
	if mode != model.ModeOfflineRemediation && flagDocument == "" {
		return errors.New("--document is required unless previewing offline remediation")
	}

	scn := scanner.New(config.Oscap, session(), mode).WithDryRun()
	fmt.Fprintln(cmd.OutOrStdout(), strings.Join(scn.CommandLine(), " "))
	return nil
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	supervisor, err := service.NewSupervisor(ctx, config, session())
	if err != nil {
		return err
	}
	return supervisor.Do(ctx)
}
