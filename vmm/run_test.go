//go:build linux

package vmm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/c35s/sectorvm/kvm"
	"github.com/c35s/sectorvm/pc"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

// step is one scripted return from fakeProc.Run.
type step struct {
	exit kvm.Exit
	io   kvm.IOExitData
	data []byte
	err  error
	do   func()

	// injectErr fails a KVM_INTERRUPT issued while handling this exit
	injectErr error
}

type fakeProc struct {
	state kvm.VCPUState
	regs  kvm.Regs
	data  []byte

	script   []step
	runs     int
	cur      step
	regsErr  error
	injected []uint32
	unmapped int
	closed   int
}

func (p *fakeProc) Run() error {
	if p.runs >= len(p.script) {
		return errors.New("fake: script exhausted")
	}

	s := p.script[p.runs]
	p.runs++
	p.cur = s

	if s.do != nil {
		s.do()
	}

	p.state.ExitReason = s.exit
	*p.state.IOExitData() = s.io
	p.data = s.data

	return s.err
}

func (p *fakeProc) Interrupt(vector uint32) error {
	if p.cur.injectErr != nil {
		return p.cur.injectErr
	}

	p.injected = append(p.injected, vector)
	return nil
}

func (p *fakeProc) GetRegs(regs *kvm.Regs) error {
	if p.regsErr != nil {
		return p.regsErr
	}

	*regs = p.regs
	return nil
}

func (p *fakeProc) SetRegs(regs *kvm.Regs) error    { p.regs = *regs; return nil }
func (p *fakeProc) GetSregs(sregs *kvm.Sregs) error { return nil }
func (p *fakeProc) SetSregs(sregs *kvm.Sregs) error { return nil }
func (p *fakeProc) State() *kvm.VCPUState           { return &p.state }
func (p *fakeProc) IOData() []byte                  { return p.data }
func (p *fakeProc) Unmap() error                    { p.unmapped++; return nil }
func (p *fakeProc) Close() error                    { p.closed++; return nil }

func newTestVM(t *testing.T, p *fakeProc, cfg Config) *VM {
	t.Helper()

	m := &VM{
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		strictIO: cfg.StrictIO,
		cpu:      p,
		mem:      &memory{buf: make([]byte, MemSizeMin)},
	}

	if err := m.attachDevices(cfg); err != nil {
		t.Fatal(err)
	}

	return m
}

func out(port uint16, data ...byte) step {
	return step{
		exit: kvm.ExitIO,
		io:   kvm.IOExitData{IsOut: true, Size: uint8(len(data)), Port: port, Count: 1},
		data: data,
	}
}

func in(port uint16, size int) step {
	return step{
		exit: kvm.ExitIO,
		io:   kvm.IOExitData{Size: uint8(size), Port: port, Count: 1},
		data: make([]byte, size),
	}
}

var hlt = step{exit: kvm.ExitHLT}

func TestRunHalt(t *testing.T) {
	p := &fakeProc{script: []step{hlt}}
	m := newTestVM(t, p, Config{})

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if p.runs != 1 {
		t.Fatalf("runs %d != 1", p.runs)
	}
}

func TestRunEINTR(t *testing.T) {
	p := &fakeProc{script: []step{{err: unix.EINTR}, hlt}}
	m := newTestVM(t, p, Config{})

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if p.runs != 2 {
		t.Fatalf("runs %d != 2", p.runs)
	}
}

func TestRunError(t *testing.T) {
	p := &fakeProc{script: []step{{err: unix.EFAULT}, hlt}}
	m := newTestVM(t, p, Config{})

	err := m.Run(context.Background())
	if !errors.Is(err, ErrRun) || !errors.Is(err, unix.EFAULT) {
		t.Fatalf("%v is not ErrRun(EFAULT)", err)
	}

	if p.runs != 1 {
		t.Fatalf("guest resumed after a fatal error: runs %d != 1", p.runs)
	}
}

func TestRunUnexpectedExit(t *testing.T) {
	p := &fakeProc{script: []step{{exit: kvm.ExitShutdown}, hlt}}
	m := newTestVM(t, p, Config{})

	if err := m.Run(context.Background()); !errors.Is(err, ErrUnexpectedExit) {
		t.Fatalf("%v is not ErrUnexpectedExit", err)
	}
}

func TestRunVGA(t *testing.T) {
	p := &fakeProc{script: []step{
		out(pc.VGACtrlPort, pc.VGACursorHigh),
		out(pc.VGADataPort, 0xab),
		out(pc.VGACtrlPort, pc.VGACursorLow),
		out(pc.VGADataPort, 0xcd),
		hlt,
	}}

	m := newTestVM(t, p, Config{})

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if c := m.Cursor(); c != 0xabcd {
		t.Fatalf("cursor %#x != 0xabcd", c)
	}
}

func TestRunDeviceError(t *testing.T) {
	p := &fakeProc{script: []step{out(pc.VGADataPort, 0xab), hlt}}
	m := newTestVM(t, p, Config{})

	if err := m.Run(context.Background()); !errors.Is(err, pc.ErrLatchNotSet) {
		t.Fatalf("%v is not ErrLatchNotSet", err)
	}
}

func TestRunDisk(t *testing.T) {
	disk := append(bytes.Repeat([]byte{1}, pc.SectorSize), bytes.Repeat([]byte{2}, pc.SectorSize)...)

	p := &fakeProc{
		regs:   kvm.Regs{RAX: 0x0201, RBX: 0x8000, RCX: 0x0002},
		script: []step{out(pc.BIOSTrapPort, 0x01, 0x02), hlt},
	}

	m := newTestVM(t, p, Config{Disk: disk, TraceIO: true})

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := m.mem.buf[0x8000 : 0x8000+pc.SectorSize]
	if diff := cmp.Diff(disk[pc.SectorSize:], got); diff != "" {
		t.Fatalf("sector 2 mismatch (-want +got):\n%s", diff)
	}

	if p.regs.RAX != 0x0001 {
		t.Fatalf("rax %#x != 0x1", p.regs.RAX)
	}
}

func TestRunUnhandledIO(t *testing.T) {
	rd := in(0x21, 1)

	p := &fakeProc{script: []step{out(0x20, 0x11), rd, hlt}}
	m := newTestVM(t, p, Config{})

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if rd.data[0] != 0xff {
		t.Fatalf("unhandled read %#x != 0xff", rd.data[0])
	}

	p = &fakeProc{script: []step{out(0x20, 0x11), hlt}}
	m = newTestVM(t, p, Config{StrictIO: true})

	if err := m.Run(context.Background()); !errors.Is(err, pc.ErrUnsupportedIO) {
		t.Fatalf("%v is not ErrUnsupportedIO", err)
	}
}

func TestRunInjectKey(t *testing.T) {
	rd := in(pc.KeyboardPort, 1)

	p := &fakeProc{script: []step{{exit: kvm.ExitIRQWindowOpen}, rd, hlt}}
	m := newTestVM(t, p, Config{})

	if err := m.SendKey(pc.KeyA, false); err != nil {
		t.Fatal(err)
	}

	if err := m.SendKey(pc.KeyB, true); err != nil {
		t.Fatal(err)
	}

	if p.state.RequestInterruptWindow != 1 {
		t.Fatal("interrupt window not requested")
	}

	if !m.KeyPending() {
		t.Fatal("key is not pending")
	}

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]uint32{pc.KeyboardVector}, p.injected); diff != "" {
		t.Fatalf("injected vectors mismatch (-want +got):\n%s", diff)
	}

	if p.state.RequestInterruptWindow != 0 {
		t.Fatal("interrupt window still requested")
	}

	if m.KeyPending() {
		t.Fatal("key still pending after delivery")
	}

	if want := uint8(pc.KeyB) | 0x80; rd.data[0] != want {
		t.Fatalf("scan code %#x != %#x", rd.data[0], want)
	}
}

func TestRunInjectError(t *testing.T) {
	p := &fakeProc{script: []step{
		{exit: kvm.ExitIRQWindowOpen, injectErr: unix.EINVAL},
		hlt,
	}}

	m := newTestVM(t, p, Config{})

	if err := m.SendKey(pc.KeyA, false); err != nil {
		t.Fatal(err)
	}

	err := m.Run(context.Background())
	if !errors.Is(err, ErrInject) || !errors.Is(err, unix.EINVAL) {
		t.Fatalf("%v is not ErrInject wrapping EINVAL", err)
	}

	if p.runs != 1 {
		t.Fatalf("guest resumed after a failed injection: %d runs", p.runs)
	}

	if len(p.injected) != 0 {
		t.Fatalf("vectors %v recorded as injected", p.injected)
	}
}

func TestRunDiskRegsError(t *testing.T) {
	errRegs := errors.New("get regs")

	p := &fakeProc{
		regsErr: errRegs,
		script:  []step{out(pc.BIOSTrapPort, 0x01, 0x02), hlt},
	}

	m := newTestVM(t, p, Config{Disk: make([]byte, pc.SectorSize)})

	if err := m.Run(context.Background()); !errors.Is(err, errRegs) {
		t.Fatalf("%v does not wrap the register error", err)
	}

	if p.runs != 1 {
		t.Fatalf("guest resumed after a failed disk call: %d runs", p.runs)
	}
}

func TestRunContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := &fakeProc{script: []step{{do: cancel, err: unix.EINTR}, hlt}}
	m := newTestVM(t, p, Config{})

	if err := m.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("%v is not context.Canceled", err)
	}

	if p.runs != 1 {
		t.Fatalf("runs %d != 1", p.runs)
	}
}

func TestStop(t *testing.T) {
	p := &fakeProc{script: []step{hlt}}
	m := newTestVM(t, p, Config{})

	m.Stop()

	if p.state.ImmediateExit != 1 {
		t.Fatal("immediate exit not set")
	}

	if err := m.Run(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("%v is not ErrStopped", err)
	}

	if p.runs != 0 {
		t.Fatalf("stopped vm ran %d times", p.runs)
	}
}

func TestRunning(t *testing.T) {
	m := newTestVM(t, &fakeProc{script: []step{hlt}}, Config{})

	m.runMu.Lock()
	defer m.runMu.Unlock()

	if err := m.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("%v is not ErrRunning", err)
	}
}

func TestReadText(t *testing.T) {
	m := newTestVM(t, &fakeProc{}, Config{})

	copy(m.mem.buf[pc.TextBufferAddr:], []byte{'h', 0x07, 'i', 0x1f})

	buf := make([]byte, pc.TextBufferSize+100)
	n, err := m.ReadText(buf)
	if err != nil {
		t.Fatal(err)
	}

	if n != pc.TextBufferSize {
		t.Fatalf("read %d bytes != %d", n, pc.TextBufferSize)
	}

	if diff := cmp.Diff([]byte{'h', 0x07, 'i', 0x1f}, buf[:4]); diff != "" {
		t.Fatalf("text mismatch (-want +got):\n%s", diff)
	}
}

func TestCloseIdempotent(t *testing.T) {
	p := &fakeProc{}
	m := newTestVM(t, p, Config{})

	for i := range 3 {
		if err := m.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}

	if p.unmapped != 1 || p.closed != 1 {
		t.Fatalf("unmapped %d, closed %d times", p.unmapped, p.closed)
	}

	if m.cpu != nil || m.mem != nil || m.fd != nil || m.sys != nil {
		t.Fatal("closed vm holds resources")
	}

	if err := m.Run(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("run: %v is not ErrClosed", err)
	}

	if err := m.SendKey(pc.KeyA, false); !errors.Is(err, ErrClosed) {
		t.Fatalf("send key: %v is not ErrClosed", err)
	}

	if _, err := m.ReadText(make([]byte, 10)); !errors.Is(err, ErrClosed) {
		t.Fatalf("read text: %v is not ErrClosed", err)
	}
}

func TestClosePartial(t *testing.T) {
	pipe := func() *os.File {
		r, w, err := os.Pipe()
		if err != nil {
			t.Fatal(err)
		}

		w.Close()
		return r
	}

	mem, err := unix.Mmap(-1, 0, os.Getpagesize(),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)

	if err != nil {
		t.Fatal(err)
	}

	partial := []*VM{
		{},
		{sys: &kvm.System{File: pipe()}},
		{sys: &kvm.System{File: pipe()}, fd: &kvm.VM{File: pipe()}},
		{
			sys: &kvm.System{File: pipe()},
			fd:  &kvm.VM{File: pipe()},
			mem: &memory{buf: mem, release: func() error { return unix.Munmap(mem) }},
		},
		{
			sys: &kvm.System{File: pipe()},
			fd:  &kvm.VM{File: pipe()},
			cpu: &vcpu{fd: &kvm.VCPU{File: pipe()}},
		},
	}

	for i, m := range partial {
		if err := m.Close(); err != nil {
			t.Fatalf("vm %d: first close: %v", i, err)
		}

		if err := m.Close(); err != nil {
			t.Fatalf("vm %d: second close: %v", i, err)
		}

		if m.cpu != nil || m.mem != nil || m.fd != nil || m.sys != nil {
			t.Fatalf("vm %d: closed vm holds resources", i)
		}
	}
}
