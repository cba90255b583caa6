package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/scapsuite/scanward/internal/log"
	"github.com/scapsuite/scanward/internal/model"
	"github.com/scapsuite/scanward/internal/service"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // default config dir for scanward on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag

	// scan/remediate/role/preview flags
	flagDocument   string
	flagProfile    string
	flagTailoring  string
	flagRemediate  bool
	flagOffline    bool
	flagInputARF   string
	flagFixType    string
	flagOutput     string
	flagResultsOut string
	flagReportOut  string
	flagARFOut     string
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "scanward")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is scanward.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initScanward

	scanCmd.Flags().StringVar(&flagDocument, "document", "", "SCAP document to evaluate")
	scanCmd.Flags().StringVar(&flagProfile, "profile", "", "XCCDF profile id")
	scanCmd.Flags().StringVar(&flagTailoring, "tailoring", "", "tailoring file")
	scanCmd.Flags().BoolVar(&flagRemediate, "remediate", false, "apply fixes during the scan")
	scanCmd.Flags().StringVar(&flagResultsOut, "results", "", "where to store XCCDF results")
	scanCmd.Flags().StringVar(&flagReportOut, "report", "", "where to store the HTML report")
	scanCmd.Flags().StringVar(&flagARFOut, "arf", "", "where to store the ARF bundle")
	_ = scanCmd.MarkFlagRequired("document")

	remediateCmd.Flags().StringVar(&flagInputARF, "arf", "", "previously captured ARF bundle")
	remediateCmd.Flags().StringVar(&flagProfile, "profile", "", "XCCDF profile id")
	remediateCmd.Flags().StringVar(&flagResultsOut, "results", "", "where to store XCCDF results")
	remediateCmd.Flags().StringVar(&flagReportOut, "report", "", "where to store the HTML report")
	remediateCmd.Flags().StringVar(&flagARFOut, "arf-out", "", "where to store the new ARF bundle")
	_ = remediateCmd.MarkFlagRequired("arf")

	roleCmd.Flags().StringVar(&flagInputARF, "arf", "", "ARF bundle with scan results")
	roleCmd.Flags().StringVar(&flagProfile, "profile", "", "XCCDF profile id, used as the result id")
	roleCmd.Flags().StringVar(&flagFixType, "fix-type", "bash", "fix type: bash, ansible or puppet")
	roleCmd.Flags().StringVar(&flagOutput, "output", "", "role file to generate")
	_ = roleCmd.MarkFlagRequired("arf")
	_ = roleCmd.MarkFlagRequired("output")

	previewCmd.Flags().StringVar(&flagDocument, "document", "", "SCAP document to evaluate")
	previewCmd.Flags().StringVar(&flagProfile, "profile", "", "XCCDF profile id")
	previewCmd.Flags().StringVar(&flagTailoring, "tailoring", "", "tailoring file")
	previewCmd.Flags().BoolVar(&flagRemediate, "remediate", false, "apply fixes during the scan")
	previewCmd.Flags().BoolVar(&flagOffline, "offline-remediation", false, "preview the offline remediation invocation")

	runCmd.Flags().StringVar(&flagDocument, "document", "", "SCAP document to evaluate")
	runCmd.Flags().StringVar(&flagProfile, "profile", "", "XCCDF profile id")
	runCmd.Flags().StringVar(&flagTailoring, "tailoring", "", "tailoring file")
	_ = runCmd.MarkFlagRequired("document")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(remediateCmd)
	rootCmd.AddCommand(roleCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("scanward failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "scanward",
	Short:        "Supervises local oscap scans and collects their artifacts",
	SilenceUsage: true,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "scan evaluates a SCAP document with the local oscap tool",
	RunE:  doScan,
}

var remediateCmd = &cobra.Command{
	Use:   "remediate",
	Short: "remediate applies fixes recorded in a previously captured ARF bundle",
	RunE:  doRemediate,
}

var roleCmd = &cobra.Command{
	Use:   "role",
	Short: "role generates a remediation role from an ARF bundle",
	RunE:  doRole,
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "preview prints the oscap command line without executing anything",
	RunE:  doPreview,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run executes scans as configured, manually or on a schedule",
	RunE:  doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of scanward",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("scanward: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("scanward: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initScanward(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("SCANWARDCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "scanward.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "scanward.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		var err error
		config, err = service.Load(configPath)
		if err != nil {
			return err
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	logger, err := log.New(config.Service.Log, config.Service.Verbose)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	slog.Debug("scanward run", "configPath", configPath)
	slog.Debug("scanward run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
