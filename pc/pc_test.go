package pc_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/c35s/sectorvm/pc"
)

func TestVGACursorRoundTrip(t *testing.T) {
	var vga pc.VGA

	writes := []struct {
		port uint16
		val  byte
	}{
		{pc.VGACtrlPort, pc.VGACursorHigh},
		{pc.VGADataPort, 0xab},
		{pc.VGACtrlPort, pc.VGACursorLow},
		{pc.VGADataPort, 0xcd},
	}

	for _, w := range writes {
		if err := vga.WriteIOPort(w.port, []byte{w.val}); err != nil {
			t.Fatalf("out %#x, %#x: %v", w.port, w.val, err)
		}
	}

	if c := vga.Cursor(); c != 0xabcd {
		t.Fatalf("cursor %#x != 0xabcd", c)
	}

	var got uint16
	for _, idx := range []byte{pc.VGACursorHigh, pc.VGACursorLow} {
		if err := vga.WriteIOPort(pc.VGACtrlPort, []byte{idx}); err != nil {
			t.Fatal(err)
		}

		data := make([]byte, 1)
		if err := vga.ReadIOPort(pc.VGADataPort, data); err != nil {
			t.Fatal(err)
		}

		got = got<<8 | uint16(data[0])
	}

	if got != 0xabcd {
		t.Fatalf("read back %#x != 0xabcd", got)
	}
}

func TestVGALatchNotSet(t *testing.T) {
	var vga pc.VGA

	if err := vga.WriteIOPort(pc.VGADataPort, []byte{0x12}); !errors.Is(err, pc.ErrLatchNotSet) {
		t.Fatalf("write without latch: %v", err)
	}

	if err := vga.ReadIOPort(pc.VGADataPort, make([]byte, 1)); !errors.Is(err, pc.ErrLatchNotSet) {
		t.Fatalf("read without latch: %v", err)
	}

	if c := vga.Cursor(); c != 0 {
		t.Fatalf("cursor %#x changed by a rejected write", c)
	}
}

func TestVGAUnsupported(t *testing.T) {
	var vga pc.VGA

	if err := vga.WriteIOPort(pc.VGACtrlPort, []byte{0x0a}); !errors.Is(err, pc.ErrUnsupportedIO) {
		t.Fatalf("select cursor start register: %v", err)
	}

	if err := vga.ReadIOPort(pc.VGACtrlPort, make([]byte, 1)); !errors.Is(err, pc.ErrUnsupportedIO) {
		t.Fatalf("read ctrl port: %v", err)
	}
}

func TestVGAWordWrite(t *testing.T) {
	var vga pc.VGA

	// mov ax, 0x120e; out dx, ax, then mov ax, 0x340f; out dx, ax
	for _, data := range [][]byte{{pc.VGACursorHigh, 0x12}, {pc.VGACursorLow, 0x34}} {
		if err := vga.WriteIOPort(pc.VGACtrlPort, data); err != nil {
			t.Fatalf("out %#x, % x: %v", pc.VGACtrlPort, data, err)
		}
	}

	if c := vga.Cursor(); c != 0x1234 {
		t.Fatalf("cursor %#x != 0x1234", c)
	}

	data := make([]byte, 1)
	if err := vga.ReadIOPort(pc.VGADataPort, data); err != nil {
		t.Fatal(err)
	}

	if data[0] != 0x34 {
		t.Fatalf("latched register reads %#x != 0x34", data[0])
	}
}

func TestVGAWideWriteRejected(t *testing.T) {
	var vga pc.VGA

	if err := vga.WriteIOPort(pc.VGACtrlPort, []byte{pc.VGACursorLow}); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		port uint16
		data []byte
	}{
		{pc.VGADataPort, []byte{0x12, 0x34}},
		{pc.VGADataPort, []byte{0x12, 0x34, 0x56, 0x78}},
		{pc.VGACtrlPort, []byte{pc.VGACursorHigh, 0x12, 0, 0}},
	} {
		if err := vga.WriteIOPort(tt.port, tt.data); !errors.Is(err, pc.ErrUnsupportedIO) {
			t.Errorf("out %#x, % x: %v is not ErrUnsupportedIO", tt.port, tt.data, err)
		}
	}

	if c := vga.Cursor(); c != 0 {
		t.Fatalf("cursor %#x changed by a rejected write", c)
	}
}

func TestIRQOverwrite(t *testing.T) {
	for code := range pc.ScanCode(0x80) {
		for _, released := range []bool{false, true} {
			var (
				irq pc.IRQ
				kbd = pc.Keyboard{IRQ: &irq}
			)

			if irq.Pending() {
				t.Fatal("new irq is pending")
			}

			kbd.Press(code, released)
			kbd.Press(pc.KeyB, true)

			vec, ok := irq.Take()
			if !ok || vec != pc.KeyboardVector {
				t.Fatalf("%#x/%v: take: %#x, %v", code, released, vec, ok)
			}

			if _, ok := irq.Take(); ok {
				t.Fatalf("%#x/%v: second take found an interrupt", code, released)
			}

			data := []byte{0, 0xff}
			if err := kbd.ReadIOPort(pc.KeyboardPort, data); err != nil {
				t.Fatal(err)
			}

			if want := byte(pc.KeyB) | 0x80; data[0] != want || data[1] != 0 {
				t.Fatalf("%#x/%v: keyboard data % x != %#x 00", code, released, data, want)
			}
		}
	}
}

func TestKeyboardRejectsWrites(t *testing.T) {
	kbd := pc.Keyboard{IRQ: new(pc.IRQ)}
	if err := kbd.WriteIOPort(pc.KeyboardPort, []byte{0xff}); !errors.Is(err, pc.ErrUnsupportedIO) {
		t.Fatal(err)
	}
}

type recorder struct {
	ports []uint16
	outs  int
	ins   int
}

func (r *recorder) IOPorts() []uint16                          { return r.ports }
func (r *recorder) ReadIOPort(port uint16, data []byte) error  { r.ins++; return nil }
func (r *recorder) WriteIOPort(port uint16, data []byte) error { r.outs++; return nil }

func TestBus(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := &recorder{ports: []uint16{0x10, 0x11}}
	bus, err := pc.NewBus(log, true, r)
	if err != nil {
		t.Fatal(err)
	}

	if found, err := bus.HandleIO(0x10, []byte{1}, true); !found || err != nil {
		t.Fatalf("out 0x10: %v, %v", found, err)
	}

	if found, err := bus.HandleIO(0x11, []byte{1}, false); !found || err != nil {
		t.Fatalf("in 0x11: %v, %v", found, err)
	}

	if found, err := bus.HandleIO(0x12, []byte{1}, true); found || err != nil {
		t.Fatalf("out 0x12: %v, %v", found, err)
	}

	if r.outs != 1 || r.ins != 1 {
		t.Fatalf("outs=%d ins=%d", r.outs, r.ins)
	}

	if _, err := pc.NewBus(log, false, r, &recorder{ports: []uint16{0x11}}); !errors.Is(err, pc.ErrPortConflict) {
		t.Fatalf("conflicting devices: %v", err)
	}
}

func TestLookupASCII(t *testing.T) {
	tests := []struct {
		c    byte
		want pc.Keystroke
	}{
		{'a', pc.Keystroke{Code: pc.KeyA}},
		{'A', pc.Keystroke{Code: pc.KeyA, Shift: true}},
		{'1', pc.Keystroke{Code: pc.Key1}},
		{'!', pc.Keystroke{Code: pc.Key1, Shift: true}},
		{' ', pc.Keystroke{Code: pc.KeySpace}},
		{'\r', pc.Keystroke{Code: pc.KeyEnter}},
		{0x7f, pc.Keystroke{Code: pc.KeyBackspace}},
		{'/', pc.Keystroke{Code: pc.KeySlash}},
		{'?', pc.Keystroke{Code: pc.KeySlash, Shift: true}},
		{'"', pc.Keystroke{Code: pc.KeyQuote, Shift: true}},
	}

	for _, tt := range tests {
		got, ok := pc.LookupASCII(tt.c)
		if !ok || got != tt.want {
			t.Errorf("LookupASCII(%q) = %+v, %v; want %+v", tt.c, got, ok, tt.want)
		}
	}

	if _, ok := pc.LookupASCII(0x01); ok {
		t.Error("ctrl-a has a keystroke")
	}
}
