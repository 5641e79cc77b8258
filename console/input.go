package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"time"

	"github.com/c35s/sectorvm/pc"
)

// keyTimeout bounds how long Input waits for the guest to take a key event before
// sending the next one anyway.
const keyTimeout = 100 * time.Millisecond

// Input translates bytes from r into key presses and releases. Shifted characters
// are wrapped in a left-shift press and release. Bytes with no US-layout scan code
// are dropped. It returns ErrQuit if it reads QuitByte and nil at EOF.
func Input(ctx context.Context, g Guest, r io.Reader) error {
	br := bufio.NewReader(r)

	for {
		c, err := br.ReadByte()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		if c == QuitByte {
			return ErrQuit
		}

		k, ok := pc.LookupASCII(c)
		if !ok {
			continue
		}

		if err := Type(ctx, g, k); err != nil {
			return err
		}
	}
}

type keyEvent struct {
	code     pc.ScanCode
	released bool
}

// Type sends the events for one keystroke, waiting for the guest to take each one.
func Type(ctx context.Context, g Guest, k pc.Keystroke) error {
	events := []keyEvent{{k.Code, false}, {k.Code, true}}
	if k.Shift {
		events = []keyEvent{{pc.KeyLShift, false}, events[0], events[1], {pc.KeyLShift, true}}
	}

	for _, e := range events {
		if err := g.SendKey(e.code, e.released); err != nil {
			return err
		}

		if err := waitDelivered(ctx, g); err != nil {
			return err
		}
	}

	return nil
}

func waitDelivered(ctx context.Context, g Guest) error {
	deadline := time.Now().Add(keyTimeout)

	for g.KeyPending() && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}

	return ctx.Err()
}
