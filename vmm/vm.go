//go:build linux

// Package vmm runs a single-VCPU KVM virtual machine with legacy PC devices attached.
package vmm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/c35s/sectorvm/kvm"
	"github.com/c35s/sectorvm/pc"
	"github.com/c35s/sectorvm/vmm/arch"
	"golang.org/x/sys/unix"
)

// Config describes a new VM.
type Config struct {

	// MemSize is the size of the VM's memory in bytes.
	// It must be a multiple of the host's page size.
	// If MemSize is 0, the VM will have 2M of memory.
	MemSize int

	// Disk backs the BIOS disk service. Sector 1 is the boot sector.
	Disk []byte

	// Loader configures the VM's memory and registers.
	Loader Loader

	// Arch, if set, is called to do arch-specific setup during VM creation.
	// If Arch is nil, a default implementation is used. Setting Arch is
	// probably only useful for testing, debugging, and development.
	Arch Arch

	// Logger receives VM diagnostics. If Logger is nil, slog.Default is used.
	Logger *slog.Logger

	// StrictIO makes an access to a port with no device a fatal error.
	// By default such writes are dropped and reads return 0xff.
	StrictIO bool

	// TraceIO logs every port access at debug level.
	TraceIO bool
}

// VMInfo describes a configured VM in a form useful to the Loader.
// It is passed to the Loader's LoadMemory and LoadVCPU methods.
type VMInfo struct {

	// MemSize is the size of the VM's memory in bytes.
	// It is a multiple of the host's page size.
	MemSize int

	// NumCPU is the number of VCPUs attached to the VM. It's always 1.
	NumCPU int
}

type Loader interface {

	// LoadMemory prepares the VM's memory before it boots.
	LoadMemory(info VMInfo, mem []byte) error

	// LoadVCPU prepares a VCPU before the VM boots.
	LoadVCPU(info VMInfo, slot int, regs *kvm.Regs, sregs *kvm.Sregs) error
}

type Arch interface {

	// SetupVM is called after the VM is created.
	SetupVM(vm *kvm.VM) error

	// SetupMemory is called after the VM's memory is allocated.
	// It partitions the memory into regions.
	SetupMemory(mem []byte) ([]kvm.UserspaceMemoryRegion, error)

	// SetupVCPU is called after the VCPU is created and mmaped.
	// It sets up arch-specific features like cpuid.
	SetupVCPU(slot int, vcpu *kvm.VCPU, state *kvm.VCPUState) error
}

// VM is a virtual machine. A nil field means the resource was never acquired or
// has been released.
type VM struct {
	log      *slog.Logger
	strictIO bool

	sys *kvm.System
	fd  *kvm.VM

	bus *pc.Bus
	vga *pc.VGA
	kbd *pc.Keyboard
	irq *pc.IRQ

	// mu guards cpu, the "in" fields of its shared state, and mem.
	mu  sync.Mutex
	cpu proc
	mem *memory

	runMu   sync.Mutex // held while Run is looping
	closeMu sync.Mutex
	stop    atomic.Bool
	tid     atomic.Int32 // thread running the loop, 0 if none
}

const (
	MemSizeMin     = 1 << 20 // 1M
	MemSizeDefault = 2 << 20 // 2M
	MemSizeMax     = 3 << 30 // 3G, below the vm86 support pages
)

var (
	ErrOpenKVM             = errors.New("vm: KVM is not available")
	ErrCompat              = errors.New("vm: incompatible KVM")
	ErrConfig              = errors.New("vm: invalid config")
	ErrGetVCPUMmapSize     = errors.New("vm: get VCPU mmap size failed")
	ErrCreate              = errors.New("vm: create failed")
	ErrSetup               = errors.New("vm: setup failed")
	ErrAllocMemory         = errors.New("vm: memory allocation failed")
	ErrSetupMemory         = errors.New("vm: memory setup failed")
	ErrLoadMemory          = errors.New("vm: memory load failed")
	ErrSetUserMemoryRegion = errors.New("vm: set user memory region failed")
	ErrCreateVCPU          = errors.New("vm: VCPU create failed")
	ErrMmapVCPU            = errors.New("vm: VCPU mmap failed")
	ErrSetupVCPU           = errors.New("vm: VCPU setup failed")
	ErrLoadVCPU            = errors.New("vm: VCPU load failed")
	ErrSetupDevices        = errors.New("vm: device setup failed")
	ErrRegisterAccess      = errors.New("vm: register access failed")
	ErrRun                 = errors.New("vm: run failed")
	ErrInject              = errors.New("vm: interrupt injection failed")
	ErrUnexpectedExit      = errors.New("vm: unexpected exit")
	ErrStopped             = errors.New("vm: stopped")
	ErrRunning             = errors.New("vm: already running")
	ErrClosed              = errors.New("vm: closed")
)

// New creates a new VM, attaches its devices, and loads it with cfg.Loader.
// If New fails, everything it acquired is released.
func New(cfg Config) (_ *VM, err error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	m := &VM{
		log:      cfg.Logger,
		strictIO: cfg.StrictIO,
	}

	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	if m.sys, err = kvm.Open(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenKVM, err)
	}

	if err := arch.ValidateKVM(m.sys); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompat, err)
	}

	// default arch
	if cfg.Arch == nil {
		a, err := arch.New(m.sys)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCompat, err)
		}

		cfg.Arch = a
	}

	if m.fd, err = kvm.CreateVM(m.sys); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreate, err)
	}

	if err := cfg.Arch.SetupVM(m.fd); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	if err := m.allocMemory(cfg); err != nil {
		return nil, err
	}

	if err := m.createVCPU(cfg); err != nil {
		return nil, err
	}

	if err := m.attachDevices(cfg); err != nil {
		return nil, err
	}

	if err := m.load(cfg.Loader); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *VM) allocMemory(cfg Config) error {
	mem, err := unix.Mmap(-1, 0, cfg.MemSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return fmt.Errorf("%w: %w", ErrAllocMemory, err)
	}

	m.mem = &memory{
		buf:     mem,
		release: func() error { return unix.Munmap(mem) },
	}

	// a hint: KSM may share identical guest pages
	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		m.log.Debug("madvise mergeable", "err", err)
	}

	mrs, err := cfg.Arch.SetupMemory(mem)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSetupMemory, err)
	}

	for _, mr := range mrs {
		if err := kvm.SetUserMemoryRegion(m.fd, &mr); err != nil {
			return fmt.Errorf("%w: slot %d: %w", ErrSetUserMemoryRegion, mr.Slot, err)
		}
	}

	return nil
}

func (m *VM) createVCPU(cfg Config) error {
	const slot = 0

	fd, err := kvm.CreateVCPU(m.fd, slot)
	if err != nil {
		return fmt.Errorf("%w: slot %d: %w", ErrCreateVCPU, slot, err)
	}

	c := &vcpu{fd: fd}
	m.cpu = c

	mmsz, err := kvm.GetVCPUMmapSize(m.sys)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGetVCPUMmapSize, err)
	}

	c.mm, err = unix.Mmap(int(fd.Fd()), 0, mmsz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		return fmt.Errorf("%w: slot %d: %w", ErrMmapVCPU, slot, err)
	}

	if err := cfg.Arch.SetupVCPU(slot, c.fd, c.State()); err != nil {
		return fmt.Errorf("%w: slot %d: %w", ErrSetupVCPU, slot, err)
	}

	return nil
}

// attachDevices installs the PC devices on the port bus. The disk reads registers
// from the VCPU and writes into guest memory.
func (m *VM) attachDevices(cfg Config) error {
	m.irq = new(pc.IRQ)
	m.vga = new(pc.VGA)
	m.kbd = &pc.Keyboard{IRQ: m.irq}

	disk := &pc.Disk{
		Image: cfg.Disk,
		Mem:   m.mem,
		Regs:  m.cpu,
	}

	bus, err := pc.NewBus(m.log, cfg.TraceIO, disk, m.vga, m.kbd)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSetupDevices, err)
	}

	m.bus = bus
	return nil
}

func (m *VM) load(l Loader) error {
	info := VMInfo{
		MemSize: m.mem.Len(),
		NumCPU:  1,
	}

	if err := l.LoadMemory(info, m.mem.buf); err != nil {
		return fmt.Errorf("%w: %w", ErrLoadMemory, err)
	}

	const slot = 0

	var (
		regs  kvm.Regs
		sregs kvm.Sregs
	)

	err := func() error {
		if err := m.cpu.GetRegs(&regs); err != nil {
			return err
		}

		if err := m.cpu.GetSregs(&sregs); err != nil {
			return err
		}

		if err := l.LoadVCPU(info, slot, &regs, &sregs); err != nil {
			return err
		}

		if err := m.cpu.SetRegs(&regs); err != nil {
			return err
		}

		return m.cpu.SetSregs(&sregs)
	}()

	if err != nil {
		return fmt.Errorf("%w: slot %d: %w", ErrLoadVCPU, slot, err)
	}

	return nil
}

// Close stops the VM if it is running, waits for Run to return, and releases the
// VCPU's shared state, guest memory, the VCPU, the VM, and the KVM handle, in that
// order. It is safe to call more than once, and on a VM that New only partly built.
func (m *VM) Close() error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	m.Stop()

	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.mu.Lock()
	cpu := m.cpu
	m.cpu = nil
	m.mu.Unlock()

	var errs []error

	if cpu != nil {
		errs = append(errs, cpu.Unmap())
	}

	m.mu.Lock()
	mem := m.mem
	m.mem = nil
	m.mu.Unlock()

	if mem != nil {
		errs = append(errs, mem.Close())
	}

	if cpu != nil {
		errs = append(errs, cpu.Close())
	}

	if m.fd != nil {
		errs = append(errs, m.fd.Close())
		m.fd = nil
	}

	if m.sys != nil {
		errs = append(errs, m.sys.Close())
		m.sys = nil
	}

	return errors.Join(errs...)
}

func (cfg Config) validate() error {
	if pgsz := os.Getpagesize(); cfg.MemSize%pgsz != 0 {
		return fmt.Errorf("memory size must be a multiple of the host page size (%d)", pgsz)
	}

	if cfg.MemSize < MemSizeMin {
		return fmt.Errorf("memory is too small: %d < %d", cfg.MemSize, MemSizeMin)
	}

	if cfg.MemSize > MemSizeMax {
		return fmt.Errorf("memory is too large: %d > %d", cfg.MemSize, MemSizeMax)
	}

	if cfg.Loader == nil {
		return errors.New("loader is not set")
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MemSize == 0 {
		cfg.MemSize = MemSizeDefault
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}
