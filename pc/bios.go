//go:build linux

package pc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/c35s/sectorvm/kvm"
)

// BIOSStub is the real-mode handler installed for DiskServiceVector. It traps to the
// host with the caller's AX, then returns from the interrupt. The trailing hlt and
// jmp are never reached.
var BIOSStub = []byte{
	0xe7, BIOSTrapPort, // out BIOSTrapPort, ax
	0xcf,       // iret
	0xf4,       // hlt
	0xeb, 0xfd, // jmp $-1
}

// FarPointer packs seg:off the way the IVT stores it.
func FarPointer(seg, off uint16) uint32 {
	return uint32(seg)<<16 | uint32(off)
}

// InstallBIOS writes BIOSStub to BIOSStubAddr and points the DiskServiceVector entry
// of the IVT at it.
func InstallBIOS(mem []byte) error {
	if len(mem) < BIOSStubAddr+len(BIOSStub) {
		return fmt.Errorf("pc: memory too small for bios stub: %d bytes", len(mem))
	}

	copy(mem[BIOSStubAddr:], BIOSStub)

	slot := mem[IVTAddr+DiskServiceVector*4:]
	binary.LittleEndian.PutUint32(slot, FarPointer(BIOSStubSegment, BIOSStubOffset))

	return nil
}

// Registers is the register file of the vcpu that trapped.
type Registers interface {
	GetRegs(regs *kvm.Regs) error
	SetRegs(regs *kvm.Regs) error
}

// BIOSReadSectors is the only disk service function, int 13h AH=02h.
const BIOSReadSectors = 0x02

// Disk services int 13h calls trapped by the BIOS stub from a flat disk image.
//
// On a read, AL is the sector count, CL&0x3f is the 1-based start sector, and BX is
// the destination as a flat guest physical address. The cylinder and head in CH and
// DH, and the drive number in DL, are ignored.
//
// On success AH is set to 0, the BIOS "no error" status, and the other registers are
// left alone, so a caller that did
//
//	mov ax, 0x0201 ; read 1 sector
//	int 0x13
//
// sees AX = 0x0001 on return.
type Disk struct {
	Image []byte
	Mem   io.WriterAt
	Regs  Registers
}

func (d *Disk) IOPorts() []uint16 {
	return []uint16{BIOSTrapPort}
}

func (d *Disk) ReadIOPort(port uint16, data []byte) error {
	return fmt.Errorf("%w: in %#x", ErrUnsupportedIO, port)
}

func (d *Disk) WriteIOPort(port uint16, data []byte) error {
	var regs kvm.Regs
	if err := d.Regs.GetRegs(&regs); err != nil {
		return err
	}

	ah := uint8(regs.RAX >> 8)
	if ah != BIOSReadSectors {
		return fmt.Errorf("%w: ah=%#02x", ErrUnsupportedBIOSFunction, ah)
	}

	var (
		count  = int(uint8(regs.RAX))
		sector = int(uint8(regs.RCX) & 0x3f)
		dst    = int64(uint16(regs.RBX))
	)

	buf, err := d.sectors(sector, count)
	if err != nil {
		return err
	}

	if len(buf) > 0 {
		if _, err := d.Mem.WriteAt(buf, dst); err != nil {
			return fmt.Errorf("pc: disk read to %#x: %w", dst, err)
		}
	}

	regs.RAX &^= 0xff00
	return d.Regs.SetRegs(&regs)
}

// sectors returns up to count sectors of the image starting at the 1-based sector.
// The result is short or empty when the read runs past the end of the image.
func (d *Disk) sectors(sector, count int) ([]byte, error) {
	if sector == 0 {
		return nil, ErrInvalidSector
	}

	off := (sector - 1) * SectorSize
	if off >= len(d.Image) {
		return nil, nil
	}

	n := min(count*SectorSize, len(d.Image)-off)
	return d.Image[off : off+n], nil
}
