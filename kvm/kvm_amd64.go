//go:build linux

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Regs holds a VCPU's general-purpose registers.
// It has the same layout as the C struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFlags        uint64
}

// Sregs holds a VCPU's special registers.
// It has the same layout as the C struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS  Segment
	TR, LDT                 Segment
	GDT, IDT                Dtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	APICBase                uint64
	InterruptBitmap         [((nrInterrupts + 63) / 64)]uint64
}

// Segment has the same layout as the C struct kvm_segment.
type Segment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type                           uint8
	Present, DPL, DB, S, L, G, Avl uint8
	Unusable                       uint8
	_                              byte
}

// Dtable has the same layout as the C struct kvm_dtable.
type Dtable struct {
	Base  uint64
	Limit uint16
	_     [6]byte
}

// CPUIDEntry2 has the same layout as the C struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
	_        [3]uint32
}

// VCPUState has roughly the same layout as struct kvm_run. It lives in memory shared
// with the kernel; the "in" fields are read by KVM on every entry to the guest.
type VCPUState struct {
	RequestInterruptWindow     uint8 // in
	ImmediateExit              uint8 // in
	_                          [6]uint8
	ExitReason                 Exit
	ReadyForInterruptInjection uint8
	IFFlag                     uint8
	_/*flags*/ uint16
	_/*cr8*/ uint64
	_/*apicBase*/ uint64

	// exitData is a union of anonymous structs in the C struct.
	exitData [256]uint8

	_/*kvmValidRegs*/ uint64
	_/*kvmDirtyRegs*/ uint64
	_ [2048]uint8
}

// IOExitData is the result of a KVM_EXIT_IO vmexit. It has the same layout as the "io"
// member of the union of vmexit data in struct kvm_run.
type IOExitData struct {
	IsOut bool
	Size  uint8
	Port  uint16
	Count uint32

	// Offset is the offset of the data buffer from the start of the mmapped
	// VCPUState. The buffer holds Size*Count bytes.
	Offset uint64
}

// kvm_cpuid2 is similar to the C struct kvm_cpuid2. The entries array has a fixed
// size because Go doesn't directly support C flexible array members.
type kvm_cpuid2 struct {
	nent    uint32
	_       uint32
	entries [255]CPUIDEntry2
}

// GetSupportedCPUID "returns x86 cpuid features which are supported by both the hardware
// and kvm in its default configuration."
//
// This ioctl is available if CheckExtension(CapExtCPUID) returns 1.
func GetSupportedCPUID(sys fder) ([]CPUIDEntry2, error) {
	var cpuid kvm_cpuid2
	cpuid.nent = uint32(len(cpuid.entries))

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kGetSupportedCPUID, uintptr(unsafe.Pointer(&cpuid)))
	if errno != 0 {
		return nil, errno
	}

	return cpuid.entries[:cpuid.nent], nil
}

// SetCPUID2 "defines the vcpu responses to the cpuid instruction."
func SetCPUID2(vcpu *VCPU, entries []CPUIDEntry2) error {
	cpuid := kvm_cpuid2{nent: uint32(len(entries))}
	if copy(cpuid.entries[:], entries) != len(entries) {
		return unix.E2BIG
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kSetCPUID2, uintptr(unsafe.Pointer(&cpuid)))
	if errno != 0 {
		return errno
	}

	return nil
}

// GetRegs reads the vcpu's general-purpose registers.
func GetRegs(vcpu *VCPU, regs *Regs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kGetRegs, uintptr(unsafe.Pointer(regs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// SetRegs writes the vcpu's general-purpose registers.
func SetRegs(vcpu *VCPU, regs *Regs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kSetRegs, uintptr(unsafe.Pointer(regs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// GetSregs reads the vcpu's special registers.
func GetSregs(vcpu *VCPU, sregs *Sregs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kGetSregs, uintptr(unsafe.Pointer(sregs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// SetSregs writes the vcpu's special registers.
func SetSregs(vcpu *VCPU, sregs *Sregs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kSetSregs, uintptr(unsafe.Pointer(sregs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// SetTSSAddr "defines the physical address of a three-page region in the guest physical
// address space." It is required on Intel hosts, where it backs real-mode emulation
// when unrestricted guest support is missing.
//
// This ioctl is available if CheckExtension(CapSetTSSAddr) returns 1.
func SetTSSAddr(vm *VM, addr uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kSetTSSAddr, uintptr(addr))
	if errno != 0 {
		return errno
	}

	return nil
}

// SetIdentityMapAddr "defines the physical address of a one-page region in the guest
// physical address space." It fails if it is called after CreateVCPU.
//
// This ioctl is available if CheckExtension(CapSetIdentityMapAddr) returns 1.
func SetIdentityMapAddr(vm *VM, addr uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr)))
	if errno != 0 {
		return errno
	}

	return nil
}

// IOExitData returns data describing the present KVM_EXIT_IO vmexit.
// The result is undefined (but bad) if the exit reason is not KVM_EXIT_IO.
func (s *VCPUState) IOExitData() *IOExitData {
	return (*IOExitData)(unsafe.Pointer(&s.exitData[0]))
}
