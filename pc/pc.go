// Package pc emulates the handful of legacy PC devices a real-mode boot sector
// expects: a disk BIOS service, the VGA CRTC cursor registers, and a PS/2 keyboard.
package pc

import (
	"errors"
	"fmt"
	"log/slog"
)

// Guest physical memory layout.
const (
	IVTAddr        = 0x0
	BootSectorAddr = 0x7c00
	SectorSize     = 512

	// The disk service stub lives at BIOSStubSegment:BIOSStubOffset.
	BIOSStubSegment = 0xf000
	BIOSStubOffset  = 0x1234
	BIOSStubAddr    = BIOSStubSegment<<4 + BIOSStubOffset

	// DiskServiceVector is the software interrupt the guest issues to read sectors.
	DiskServiceVector = 0x13

	TextBufferAddr = 0xb8000
	TextCols       = 80
	TextRows       = 25
	TextBufferSize = TextCols * TextRows * 2
)

// I/O ports.
const (
	// BIOSTrapPort is written by the BIOS stub to hand a disk service call to the host.
	BIOSTrapPort = 0xe0

	VGACtrlPort = 0x3d4
	VGADataPort = 0x3d5

	KeyboardPort = 0x60
)

var (
	ErrUnsupportedIO           = errors.New("pc: unsupported io")
	ErrLatchNotSet             = errors.New("pc: vga register latch not set")
	ErrUnsupportedBIOSFunction = errors.New("pc: unsupported bios function")
	ErrInvalidSector           = errors.New("pc: invalid sector")
	ErrPortConflict            = errors.New("pc: port claimed by more than one device")
)

// Device is a port-mapped device. Data is the guest's I/O buffer: the bytes written
// by an OUT, or the bytes to fill for an IN. Its length is the access size.
type Device interface {
	IOPorts() []uint16
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// Bus routes port I/O to the device that claims the port.
type Bus struct {
	log   *slog.Logger
	trace bool
	ports map[uint16]Device
}

// NewBus installs the given devices. It fails if two devices claim the same port.
// If trace is set, every access is logged at debug level.
func NewBus(log *slog.Logger, trace bool, devices ...Device) (*Bus, error) {
	b := &Bus{
		log:   log,
		trace: trace,
		ports: make(map[uint16]Device),
	}

	for _, d := range devices {
		for _, p := range d.IOPorts() {
			if _, ok := b.ports[p]; ok {
				return nil, fmt.Errorf("%w: %#x", ErrPortConflict, p)
			}

			b.ports[p] = d
		}
	}

	return b, nil
}

// HandleIO routes an I/O event to the appropriate device.
// It returns (found=false, err=nil) if no device claims the port.
func (b *Bus) HandleIO(port uint16, data []byte, isOut bool) (found bool, err error) {
	dev, ok := b.ports[port]
	if !ok {
		return false, nil
	}

	if isOut {
		err = dev.WriteIOPort(port, data)
	} else {
		err = dev.ReadIOPort(port, data)
	}

	if b.trace {
		b.log.Debug("io", "port", fmt.Sprintf("%#x", port), "out", isOut, "data", fmt.Sprintf("% x", data), "err", err)
	}

	return true, err
}
