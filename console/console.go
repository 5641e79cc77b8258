// Package console connects a VM's text display and keyboard to a terminal.
package console

import (
	"errors"

	"github.com/c35s/sectorvm/pc"
)

// ErrQuit is returned by Input when the user types QuitByte.
var ErrQuit = errors.New("console: quit")

// QuitByte is Ctrl-]. It is never forwarded to the guest.
const QuitByte = 0x1d

// Guest is the side of a VM the console talks to. *vmm.VM implements it.
type Guest interface {
	ReadText(p []byte) (int, error)
	Cursor() uint16
	SendKey(code pc.ScanCode, released bool) error
	KeyPending() bool
}
