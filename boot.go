//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/c35s/sectorvm/console"
	"github.com/c35s/sectorvm/os/realmode"
	"github.com/c35s/sectorvm/pc"
	"github.com/c35s/sectorvm/vmm"
)

func boot(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := vmm.Config{
		MemSize:  viper.GetInt(flagMem) << 20,
		Logger:   logger.With("module", "vmm"),
		StrictIO: viper.GetBool(flagStrictIO),
		TraceIO:  viper.GetBool(flagTraceIO),
	}

	m, err := realmode.Setup(ctx, args[0], cfg, os.Stderr)
	if err != nil {
		return err
	}

	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("failed to release the VM", "err", err)
		}
	}()

	logger.Info("booting", "image", args[0], "mem", cfg.MemSize)

	if viper.GetBool(flagHeadless) {
		return headless(ctx, m)
	}

	return interactive(ctx, m)
}

// headless runs the guest to completion and prints its screen.
func headless(ctx context.Context, m *vmm.VM) error {
	runErr := m.Run(ctx)

	text := make([]byte, pc.TextBufferSize)
	if _, err := m.ReadText(text); err != nil {
		return errors.Join(runErr, err)
	}

	if err := console.Dump(os.Stdout, text); err != nil {
		return errors.Join(runErr, err)
	}

	return runErr
}

// interactive draws the guest's screen and forwards stdin as key presses until the
// guest halts or the user quits.
func interactive(ctx context.Context, m *vmm.VM) error {
	fd := int(os.Stdin.Fd())

	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}

		defer func() {
			term.Restore(fd, old)
			fmt.Fprint(os.Stdout, "\r\n")
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	quit := make(chan struct{})

	// stdin reads don't observe ctx, so this goroutine is left behind on exit
	go func() {
		err := console.Input(ctx, m, os.Stdin)
		switch {
		case errors.Is(err, console.ErrQuit):
			close(quit)
			cancel()
		case err != nil && ctx.Err() == nil:
			logger.Warn("stopped reading input", "err", err)
		}
	}()

	eg, egCtx := errgroup.WithContext(ctx)
	displayCtx, stopDisplay := context.WithCancel(egCtx)

	eg.Go(func() error {
		defer stopDisplay()
		return m.Run(egCtx)
	})

	eg.Go(func() error {
		return console.Display(displayCtx, m, console.NewScreen(os.Stdout), viper.GetDuration(flagRefresh))
	})

	err := eg.Wait()

	select {
	case <-quit:
		logger.Info("quit")
		return nil
	default:
	}

	if errors.Is(err, context.Canceled) {
		logger.Info("interrupted")
		return nil
	}

	return err
}
