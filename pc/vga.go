package pc

import (
	"fmt"
	"sync"
)

// CRTC register indices selected through VGACtrlPort.
const (
	VGACursorHigh = 0x0e
	VGACursorLow  = 0x0f
)

// VGA emulates the CRTC address/data register pair, limited to the cursor location.
type VGA struct {
	mu     sync.Mutex
	latch  uint8 // 0 until the guest selects a register
	cursor uint16
}

func (v *VGA) IOPorts() []uint16 {
	return []uint16{VGACtrlPort, VGADataPort}
}

func (v *VGA) ReadIOPort(port uint16, data []byte) error {
	if port != VGADataPort {
		return fmt.Errorf("%w: in %#x", ErrUnsupportedIO, port)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.latch {
	case VGACursorHigh:
		fill(data, uint8(v.cursor>>8))
	case VGACursorLow:
		fill(data, uint8(v.cursor))
	default:
		return ErrLatchNotSet
	}

	return nil
}

// WriteIOPort latches a register index on VGACtrlPort or writes the latched register
// on VGADataPort. A 16-bit write to VGACtrlPort does both: the low byte is the index
// and the high byte its value, as on real hardware.
func (v *VGA) WriteIOPort(port uint16, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(data) > 2 || (port == VGADataPort && len(data) > 1) {
		return fmt.Errorf("%w: %d-byte out %#x", ErrUnsupportedIO, len(data), port)
	}

	if port == VGACtrlPort {
		idx := data[0]
		if idx != VGACursorHigh && idx != VGACursorLow {
			return fmt.Errorf("%w: crtc index %#x", ErrUnsupportedIO, idx)
		}

		v.latch = idx

		if len(data) == 1 {
			return nil
		}

		data = data[1:]
	}

	val := data[0]

	switch v.latch {
	case VGACursorHigh:
		v.cursor = v.cursor&0x00ff | uint16(val)<<8
	case VGACursorLow:
		v.cursor = v.cursor&0xff00 | uint16(val)
	default:
		return ErrLatchNotSet
	}

	return nil
}

// Cursor returns the cursor location as a cell offset into the text buffer.
func (v *VGA) Cursor() uint16 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cursor
}

// fill sets data[0] to b and zeroes the rest of a wide access.
func fill(data []byte, b uint8) {
	clear(data)
	data[0] = b
}
