//go:build linux

// Package realmode boots a raw boot sector the way a PC BIOS would, minus the BIOS.
package realmode

import (
	"errors"
	"fmt"

	"github.com/c35s/sectorvm/kvm"
	"github.com/c35s/sectorvm/pc"
	"github.com/c35s/sectorvm/vmm"
)

var ErrImageTooSmall = errors.New("realmode: image is smaller than a boot sector")

// Loader prepares the VM to run Image's first sector in real mode at 0000:7c00.
type Loader struct {
	Image []byte
}

// LoadMemory copies the boot sector to BootSectorAddr and installs the disk service
// stub. Nothing is written if the image is too small.
func (l *Loader) LoadMemory(info vmm.VMInfo, mem []byte) error {
	if len(l.Image) < pc.SectorSize {
		return fmt.Errorf("%w: %d < %d bytes", ErrImageTooSmall, len(l.Image), pc.SectorSize)
	}

	if len(mem) < pc.BIOSStubAddr+len(pc.BIOSStub) {
		return fmt.Errorf("realmode: guest memory is too small: %d bytes", len(mem))
	}

	copy(mem[pc.BootSectorAddr:], l.Image[:pc.SectorSize])

	return pc.InstallBIOS(mem)
}

// LoadVCPU zeroes the general-purpose registers and points CS:IP at the boot sector.
func (l *Loader) LoadVCPU(info vmm.VMInfo, slot int, regs *kvm.Regs, sregs *kvm.Sregs) error {
	*regs = kvm.Regs{
		RFlags: 0x2, // bit 1 is reserved and always set
		RIP:    pc.BootSectorAddr,
	}

	sregs.CS.Selector = 0
	sregs.CS.Base = 0

	return nil
}
