//go:build linux

package vmm

import (
	"fmt"
	"unsafe"

	"github.com/c35s/sectorvm/kvm"
	"golang.org/x/sys/unix"
)

// proc is the VCPU as the run loop and devices use it.
type proc interface {
	Run() error
	Interrupt(vector uint32) error

	GetRegs(regs *kvm.Regs) error
	SetRegs(regs *kvm.Regs) error
	GetSregs(sregs *kvm.Sregs) error
	SetSregs(sregs *kvm.Sregs) error

	// State returns the state shared with KVM, or nil if it isn't mapped.
	State() *kvm.VCPUState

	// IOData returns the data buffer of the present KVM_EXIT_IO exit.
	IOData() []byte

	// Unmap releases the shared state. Close releases the VCPU itself.
	Unmap() error
	Close() error
}

// vcpu collects a VCPU fd and its mmaped state.
type vcpu struct {
	fd *kvm.VCPU
	mm []byte
}

func (c *vcpu) Run() error {
	return kvm.Run(c.fd)
}

func (c *vcpu) Interrupt(vector uint32) error {
	return kvm.InjectInterrupt(c.fd, vector)
}

func (c *vcpu) GetRegs(regs *kvm.Regs) error {
	if err := kvm.GetRegs(c.fd, regs); err != nil {
		return fmt.Errorf("%w: get regs: %w", ErrRegisterAccess, err)
	}

	return nil
}

func (c *vcpu) SetRegs(regs *kvm.Regs) error {
	if err := kvm.SetRegs(c.fd, regs); err != nil {
		return fmt.Errorf("%w: set regs: %w", ErrRegisterAccess, err)
	}

	return nil
}

func (c *vcpu) GetSregs(sregs *kvm.Sregs) error {
	if err := kvm.GetSregs(c.fd, sregs); err != nil {
		return fmt.Errorf("%w: get sregs: %w", ErrRegisterAccess, err)
	}

	return nil
}

func (c *vcpu) SetSregs(sregs *kvm.Sregs) error {
	if err := kvm.SetSregs(c.fd, sregs); err != nil {
		return fmt.Errorf("%w: set sregs: %w", ErrRegisterAccess, err)
	}

	return nil
}

func (c *vcpu) State() *kvm.VCPUState {
	if len(c.mm) == 0 {
		return nil
	}

	return (*kvm.VCPUState)(unsafe.Pointer(&c.mm[0]))
}

func (c *vcpu) IOData() []byte {
	xd := c.State().IOExitData()
	n := uint64(xd.Size) * uint64(xd.Count)
	return c.mm[xd.Offset : xd.Offset+n]
}

func (c *vcpu) Unmap() error {
	if c.mm == nil {
		return nil
	}

	err := unix.Munmap(c.mm)
	c.mm = nil
	return err
}

func (c *vcpu) Close() error {
	return c.fd.Close()
}
