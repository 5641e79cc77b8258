//go:build linux

// Package kvm is a thin binding to the Linux KVM ioctl API.
//
// Quoted documentation comes from Documentation/virt/kvm/api.rst.
package kvm

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// StableAPIVersion is the only KVM API version this package speaks.
// "Applications should refuse to run if KVM_GET_API_VERSION returns a value
// other than 12."
const StableAPIVersion = 12

// System is an open handle to /dev/kvm.
type System struct{ *os.File }

// VM is a virtual machine created with CreateVM.
type VM struct{ *os.File }

// VCPU is a virtual CPU created with CreateVCPU.
type VCPU struct{ *os.File }

// UserspaceMemoryRegion has the same layout as the C struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// Interrupt has the same layout as the C struct kvm_interrupt.
type Interrupt struct {
	IRQ uint32
}

// ioctl numbers, from linux/kvm.h

const (
	kGetAPIVersion       = 0xae00
	kCreateVM            = 0xae01
	kCheckExtension      = 0xae03
	kGetVCPUMmapSize     = 0xae04
	kGetSupportedCPUID   = 0xc008ae05
	kCreateVCPU          = 0xae41
	kSetUserMemoryRegion = 0x4020ae46
	kSetTSSAddr          = 0xae47
	kSetIdentityMapAddr  = 0x4008ae48
	kRun                 = 0xae80
	kGetRegs             = 0x8090ae81
	kSetRegs             = 0x4090ae82
	kGetSregs            = 0x8138ae83
	kSetSregs            = 0x4138ae84
	kInterrupt           = 0x4004ae86
	kSetCPUID2           = 0x4008ae90
)

// nrInterrupts is KVM_NR_INTERRUPTS on x86.
const nrInterrupts = 256

type fder interface{ Fd() uintptr }

// Open opens /dev/kvm for reading and writing.
func Open() (*System, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	return &System{f}, nil
}

// GetAPIVersion returns the KVM API version. It should always be StableAPIVersion.
func GetAPIVersion(sys fder) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kGetAPIVersion, 0)
	if errno != 0 {
		return 0, errno
	}

	return int(r), nil
}

// CheckExtension "queries for the availability of a specific extension". It returns
// 0 if the extension is unavailable and a positive, extension-specific value if it is.
// Since CapCheckExtensionVM, the VM handle may be queried as well as the system.
func CheckExtension(f fder, c Cap) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), kCheckExtension, uintptr(c))
	if errno != 0 {
		return 0, errno
	}

	return int(r), nil
}

// CreateVM creates a VM with no VCPUs and no memory.
func CreateVM(sys fder) (*VM, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kCreateVM, 0)
	if errno != 0 {
		return nil, errno
	}

	return &VM{os.NewFile(r, "kvm-vm")}, nil
}

// GetVCPUMmapSize returns the size of the shared region that must be mmapped from a
// VCPU fd to reach its struct kvm_run.
func GetVCPUMmapSize(sys fder) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kGetVCPUMmapSize, 0)
	if errno != 0 {
		return 0, errno
	}

	return int(r), nil
}

// CreateVCPU adds a VCPU with the given id to the VM.
func CreateVCPU(vm *VM, id int) (*VCPU, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kCreateVCPU, uintptr(id))
	if errno != 0 {
		return nil, errno
	}

	return &VCPU{os.NewFile(r, fmt.Sprintf("kvm-vcpu:%d", id))}, nil
}

// SetUserMemoryRegion creates, modifies, or deletes a guest physical memory slot
// backed by host memory at UserspaceAddr.
func SetUserMemoryRegion(vm *VM, region *UserspaceMemoryRegion) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	if errno != 0 {
		return errno
	}

	return nil
}

// Run "runs a guest virtual cpu." It returns when the guest exits to userspace; the
// exit reason is in the VCPU's mmapped VCPUState. It returns EINTR if a signal
// arrived or VCPUState.ImmediateExit was set.
func Run(vcpu *VCPU) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kRun, 0)
	if errno != 0 {
		return errno
	}

	return nil
}

// InjectInterrupt "queues a hardware interrupt vector to be injected" when no
// in-kernel irqchip is present. It must only be called when the guest can take the
// interrupt, typically after a KVM_EXIT_IRQ_WINDOW_OPEN exit.
func InjectInterrupt(vcpu *VCPU, vector uint32) error {
	irq := Interrupt{IRQ: vector}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kInterrupt, uintptr(unsafe.Pointer(&irq)))
	if errno != 0 {
		return errno
	}

	return nil
}
