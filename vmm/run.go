//go:build linux

package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/c35s/sectorvm/kvm"
	"github.com/c35s/sectorvm/pc"
	"golang.org/x/sys/unix"
)

// Run runs the VM until the guest halts, which is not an error, or until ctx is done
// or Stop is called, which return ctx.Err() or ErrStopped. Any other exit the VM
// can't handle is fatal: the guest is not resumed and Close must still be called.
func (m *VM) Run(ctx context.Context) error {
	if !m.runMu.TryLock() {
		return ErrRunning
	}

	defer m.runMu.Unlock()

	m.mu.Lock()
	cpu := m.cpu
	m.mu.Unlock()

	if cpu == nil {
		return ErrClosed
	}

	// KVM_RUN must always be issued from the same thread, and Stop signals it by tid.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	m.tid.Store(int32(unix.Gettid()))
	defer m.tid.Store(0)

	release := context.AfterFunc(ctx, m.Stop)
	defer release()

	for {
		if m.stop.Load() || ctx.Err() != nil {
			if err := ctx.Err(); err != nil {
				return err
			}

			return ErrStopped
		}

		if err := cpu.Run(); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return fmt.Errorf("%w: %w", ErrRun, err)
		}

		state := cpu.State()

		switch state.ExitReason {
		case kvm.ExitHLT:
			m.log.Debug("guest halted")
			return nil

		case kvm.ExitIO:
			if err := m.handleIO(cpu); err != nil {
				return err
			}

		case kvm.ExitIRQWindowOpen:
			if err := m.inject(cpu); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: %v", ErrUnexpectedExit, state.ExitReason)
		}
	}
}

// Stop asks a running VM to return from Run. A VCPU blocked in the guest is kicked
// out with a signal, and the next entry is skipped. Stop is permanent.
func (m *VM) Stop() {
	m.stop.Store(true)

	m.mu.Lock()
	if m.cpu != nil {
		if state := m.cpu.State(); state != nil {
			state.ImmediateExit = 1
		}
	}
	m.mu.Unlock()

	m.kick()
}

// kick interrupts KVM_RUN on the loop's thread, if there is one. Go catches
// SIGUSR1 and does nothing with it, but the ioctl returns EINTR.
func (m *VM) kick() {
	if tid := m.tid.Load(); tid != 0 {
		unix.Tgkill(unix.Getpid(), int(tid), unix.SIGUSR1)
	}
}

func (m *VM) handleIO(cpu proc) error {
	var (
		xd   = cpu.State().IOExitData()
		data = cpu.IOData()
	)

	found, err := m.bus.HandleIO(xd.Port, data, xd.IsOut)
	if err != nil {
		return fmt.Errorf("vm: io port %#x: %w", xd.Port, err)
	}

	if found {
		return nil
	}

	if m.strictIO {
		return fmt.Errorf("%w: port %#x", pc.ErrUnsupportedIO, xd.Port)
	}

	m.log.Debug("unhandled io", "port", fmt.Sprintf("%#x", xd.Port), "out", xd.IsOut, "size", xd.Size)

	if !xd.IsOut {
		for i := range data {
			data[i] = 0xff
		}
	}

	return nil
}

// inject delivers the pending interrupt, if any, now that the guest can take it.
func (m *VM) inject(cpu proc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cpu.State().RequestInterruptWindow = 0

	vec, ok := m.irq.Take()
	if !ok {
		return nil
	}

	if err := cpu.Interrupt(uint32(vec)); err != nil {
		return fmt.Errorf("%w: vector %#x: %w", ErrInject, vec, err)
	}

	return nil
}

// SendKey queues a key event for the guest's keyboard. An event that hasn't been
// delivered yet is replaced. See KeyPending.
func (m *VM) SendKey(code pc.ScanCode, released bool) error {
	m.mu.Lock()

	if m.cpu == nil {
		m.mu.Unlock()
		return ErrClosed
	}

	m.kbd.Press(code, released)
	m.cpu.State().RequestInterruptWindow = 1
	m.mu.Unlock()

	// the guest may be spinning without exits
	m.kick()

	return nil
}

// KeyPending reports whether a key event is still waiting for delivery.
func (m *VM) KeyPending() bool {
	return m.irq.Pending()
}

// ReadText copies the text-mode display buffer into p: TextCols*TextRows cells of a
// character byte followed by an attribute byte.
func (m *VM) ReadText(p []byte) (int, error) {
	m.mu.Lock()
	mem := m.mem
	m.mu.Unlock()

	if mem == nil {
		return 0, ErrClosed
	}

	n, err := mem.ReadAt(p[:min(len(p), pc.TextBufferSize)], pc.TextBufferAddr)
	if err == io.EOF && n == 0 {
		return 0, ErrClosed
	}

	return n, err
}

// Cursor returns the VGA cursor location as a cell offset into the text buffer.
func (m *VM) Cursor() uint16 {
	return m.vga.Cursor()
}
