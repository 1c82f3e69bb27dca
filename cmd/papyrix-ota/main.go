package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bigbag/papyrix-ota/internal/config"
	"github.com/bigbag/papyrix-ota/internal/fetch"
	"github.com/bigbag/papyrix-ota/internal/logging"
	"github.com/bigbag/papyrix-ota/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// app carries the state shared by all commands.
type app struct {
	configPath string
	logLevel   string
	logFile    string

	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if a.logLevel != "" {
		level = a.logLevel
	}
	file := cfg.Log.File
	if a.logFile != "" {
		file = a.logFile
	}

	logger, closer, err := logging.NewLogger(os.Stderr, file, level)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a.cfg = cfg
	a.logger = logger
	a.closer = closer
	return nil
}

func (a *app) teardown(cmd *cobra.Command, args []string) {
	if a.closer != nil {
		a.closer.Close()
	}
}

func (a *app) fetcher() *fetch.Fetcher {
	return fetch.New(fetch.S3Config{
		Region:           a.cfg.S3.Region,
		Endpoint:         a.cfg.S3.Endpoint,
		RetryMaxAttempts: a.cfg.S3.RetryMaxAttempts,
	}, fetch.WithLogger(a.logger))
}

func main() {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "papyrix-ota",
		Short: "Over-the-air updates for A/B slot devices",
		Long: `papyrix-ota installs firmware update packages into the inactive slot of
an A/B device and manages the commit/revert cycle that follows.

Device side: apply, serve, receive, commit, revert, boot-state.
Host side:   pack, send, info, list.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: a.teardown,
	}
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config file (YAML, TOML or JSON)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&a.logFile, "log-file", "", "Also write JSON logs to this file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("papyrix-ota %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  a.runList,
	}

	rootCmd.AddCommand(
		a.applyCommand(),
		a.serveCommand(),
		a.receiveCommand(),
		a.commitCommand(),
		a.revertCommand(),
		a.bootStateCommand(),
		a.packCommand(),
		a.sendCommand(),
		a.infoCommand(),
		listCmd,
		versionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListDetailed()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		if p.IsUSB {
			fmt.Printf("  %s  (USB %s:%s %s)\n", p.Name, p.VID, p.PID, p.Product)
			continue
		}
		fmt.Printf("  %s\n", p.Name)
	}

	return nil
}
