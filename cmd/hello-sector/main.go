//go:build linux

// hello-sector boots a built-in boot sector that writes a greeting to the screen and
// halts, then prints the screen.
package main

import (
	"context"
	"os"

	"github.com/c35s/sectorvm/console"
	"github.com/c35s/sectorvm/os/realmode"
	"github.com/c35s/sectorvm/pc"
	"github.com/c35s/sectorvm/vmm"
)

func main() {
	img := make([]byte, pc.SectorSize)
	copy(img, greeter("hello, sector"))
	img[510], img[511] = 0x55, 0xaa

	cfg := vmm.Config{
		Loader: &realmode.Loader{Image: img},
		Disk:   img,
	}

	m, err := vmm.New(cfg)
	if err != nil {
		panic(err)
	}

	defer m.Close()

	if err := m.Run(context.TODO()); err != nil {
		panic(err)
	}

	text := make([]byte, pc.TextBufferSize)
	if _, err := m.ReadText(text); err != nil {
		panic(err)
	}

	if err := console.Dump(os.Stdout, text); err != nil {
		panic(err)
	}
}

// greeter assembles code that stores msg in the top row of the text buffer.
func greeter(msg string) []byte {
	code := []byte{
		0xb8, 0x00, 0xb8, // mov ax, 0xb800
		0x8e, 0xc0, // mov es, ax
	}

	for i := range len(msg) {
		off := uint16(i * 2)
		code = append(code, 0x26, 0xc7, 0x06, byte(off), byte(off>>8), msg[i], 0x07) // mov word [es:off], 0x07xx
	}

	return append(code, 0xf4) // hlt
}
