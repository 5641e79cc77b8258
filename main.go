//go:build linux

// Command sectorvm boots a PC boot sector in a minimal KVM virtual machine and shows
// its text-mode screen in the terminal.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/c35s/sectorvm/console"
	"github.com/c35s/sectorvm/vmm"
)

const (
	flagConfig   = "config"
	flagMem      = "mem"
	flagLogLevel = "log-level"
	flagLogFile  = "log-file"
	flagRefresh  = "refresh"
	flagStrictIO = "strict-io"
	flagTraceIO  = "trace-io"
	flagHeadless = "headless"
)

// levelTrace sits below debug, for per-exit logging.
const levelTrace = slog.Level(-8)

var rootCmd = &cobra.Command{
	Use:   "sectorvm IMAGE",
	Short: "boot a real-mode boot sector under KVM",
	Long: `sectorvm loads IMAGE (a path, an http(s) URL, or a cpio bundle of images),
copies its first sector to 0000:7c00 and runs it on a single VCPU with a disk
BIOS, a VGA text screen and a keyboard. Type Ctrl-] to quit.`,
	Args:               cobra.ExactArgs(1),
	PersistentPreRunE:  setup,
	PersistentPostRunE: cleanup,
	RunE:               boot,
	SilenceUsage:       true,
}

var (
	logger  *slog.Logger
	logFile *os.File
)

func parseLevel(s string) (slog.Level, error) {
	if strings.ToUpper(s) == "TRACE" {
		return levelTrace, nil
	}

	var level slog.Level

	err := level.UnmarshalText([]byte(s))

	return level, err
}

func setup(cmd *cobra.Command, _ []string) error {
	if path := viper.GetString(flagConfig); path != "" {
		viper.SetConfigFile(path)

		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	level, err := parseLevel(viper.GetString(flagLogLevel))
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}

	var w io.Writer = os.Stderr

	switch path := viper.GetString(flagLogFile); {
	case path != "":
		logFile, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}

		w = logFile

	case !cmd.HasParent() && !viper.GetBool(flagHeadless):
		// the screen owns the terminal
		w = io.Discard
	}

	logOpts := &slog.HandlerOptions{
		Level: level,
	}

	logger = slog.New(slog.NewTextHandler(w, logOpts)).With("command", cmd.Name())

	return nil
}

func cleanup(_ *cobra.Command, _ []string) error {
	if logFile != nil {
		return logFile.Close()
	}

	return nil
}

func init() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`))
	viper.SetEnvPrefix("sectorvm")

	pf := rootCmd.PersistentFlags()
	pf.String(flagConfig, "", "read settings from a yaml, toml or json file")
	pf.String(flagLogLevel, "info", "log level (error, warn, info, debug, trace)")
	pf.String(flagLogFile, "", "append logs to this file instead of stderr")

	f := rootCmd.Flags()
	f.Int(flagMem, vmm.MemSizeDefault>>20, "guest memory in MiB")
	f.Duration(flagRefresh, console.DefaultRefresh, "screen refresh interval")
	f.Bool(flagStrictIO, false, "fail on access to a port with no device")
	f.Bool(flagTraceIO, false, "log every port access at debug level")
	f.Bool(flagHeadless, false, "don't draw the screen; print it when the guest halts")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}

	if err := viper.BindPFlags(f); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
