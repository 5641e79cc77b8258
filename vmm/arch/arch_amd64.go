//go:build linux

// Package arch holds the x86 specifics of running a real-mode guest under KVM.
package arch

import (
	"fmt"
	"unsafe"

	"github.com/c35s/sectorvm/kvm"
)

type Arch struct {
	supportedCPUID []kvm.CPUIDEntry2
}

// Intel hosts without unrestricted guest support emulate real mode with vm86, which
// needs a TSS and an identity-mapped page table somewhere in guest physical memory.
// Both live just below the top of the 32-bit address space, clear of guest RAM.
const (
	IdentityMapAddr = 0xfffbc000
	TSSAddr         = 0xfffbd000
)

// archCaps are the amd64-specific extensions required by ValidateKVM.
var archCaps = []kvm.Cap{
	kvm.CapSetTSSAddr,
	kvm.CapSetIdentityMapAddr,
	kvm.CapExtCPUID,
}

func New(sys *kvm.System) (*Arch, error) {
	supp, err := kvm.GetSupportedCPUID(sys)
	if err != nil {
		return nil, err
	}

	a := Arch{
		supportedCPUID: supp,
	}

	return &a, nil
}

// SetupVM reserves the vm86 support pages. It must be called before any VCPU
// is created.
func (*Arch) SetupVM(vm *kvm.VM) error {
	if err := kvm.SetIdentityMapAddr(vm, IdentityMapAddr); err != nil {
		return fmt.Errorf("set identity map addr: %w", err)
	}

	if err := kvm.SetTSSAddr(vm, TSSAddr); err != nil {
		return fmt.Errorf("set tss addr: %w", err)
	}

	return nil
}

// SetupMemory maps all of mem at guest physical address 0 in slot 0.
func (*Arch) SetupMemory(mem []byte) ([]kvm.UserspaceMemoryRegion, error) {
	if len(mem) == 0 {
		return nil, fmt.Errorf("no memory")
	}

	if uint64(len(mem)) > IdentityMapAddr {
		return nil, fmt.Errorf("memory overlaps the vm86 pages at %#x", IdentityMapAddr)
	}

	rr := []kvm.UserspaceMemoryRegion{
		{
			Slot:          0,
			GuestPhysAddr: 0,
			MemorySize:    uint64(len(mem)),
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
		},
	}

	return rr, nil
}

// SetupVCPU sets the VCPU's cpuid to the default cpuid supported by KVM.
func (a *Arch) SetupVCPU(slot int, vcpu *kvm.VCPU, state *kvm.VCPUState) error {
	return kvm.SetCPUID2(vcpu, a.supportedCPUID)
}
