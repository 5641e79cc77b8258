package console

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/c35s/sectorvm/pc"
	"github.com/charmbracelet/x/ansi"
)

// DefaultRefresh redraws the screen about 30 times a second.
const DefaultRefresh = 33 * time.Millisecond

// Screen draws VGA text-mode frames on an ANSI terminal.
type Screen struct {
	w      io.Writer
	frame  bytes.Buffer
	text   []byte
	cursor uint16
	drawn  bool
}

func NewScreen(w io.Writer) *Screen {
	return &Screen{
		w:    w,
		text: make([]byte, pc.TextBufferSize),
	}
}

// Render draws text, a buffer of character/attribute pairs, and moves the terminal
// cursor to the given cell. Frames identical to the last one are skipped.
func (s *Screen) Render(text []byte, cursor uint16) error {
	text = text[:min(len(text), pc.TextBufferSize)]

	if s.drawn && cursor == s.cursor && bytes.Equal(text, s.text[:len(text)]) {
		return nil
	}

	s.frame.Reset()
	if !s.drawn {
		s.frame.WriteString(ansi.EraseEntireScreen)
	}

	for row := range pc.TextRows {
		s.frame.WriteString(ansi.CursorPosition(1, row+1))

		attr := -1
		for col := range pc.TextCols {
			i := (row*pc.TextCols + col) * 2
			if i+1 >= len(text) {
				break
			}

			if a := int(text[i+1]); a != attr {
				attr = a
				s.frame.WriteString(style(text[i+1]))
			}

			s.frame.WriteByte(printable(text[i]))
		}

		s.frame.WriteString(ansi.ResetStyle)
	}

	col, row := int(cursor)%pc.TextCols, int(cursor)/pc.TextCols
	s.frame.WriteString(ansi.CursorPosition(col+1, min(row, pc.TextRows-1)+1))

	if _, err := s.w.Write(s.frame.Bytes()); err != nil {
		return err
	}

	copy(s.text, text)
	s.cursor = cursor
	s.drawn = true

	return nil
}

// Display renders the guest's screen every refresh until ctx is done.
func Display(ctx context.Context, g Guest, s *Screen, refresh time.Duration) error {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}

	tick := time.NewTicker(refresh)
	defer tick.Stop()

	text := make([]byte, pc.TextBufferSize)
	draw := func() error {
		n, err := g.ReadText(text)
		if err != nil {
			return err
		}

		return s.Render(text[:n], g.Cursor())
	}

	for {
		if err := draw(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			// the guest may have drawn since the last tick
			return draw()
		case <-tick.C:
		}
	}
}

// Dump writes text as plain lines, one per screen row, with trailing blanks trimmed.
func Dump(w io.Writer, text []byte) error {
	var b bytes.Buffer
	for row := range pc.TextRows {
		line := make([]byte, 0, pc.TextCols)
		for col := range pc.TextCols {
			i := (row*pc.TextCols + col) * 2
			if i >= len(text) {
				break
			}

			line = append(line, printable(text[i]))
		}

		b.Write(bytes.TrimRight(line, " "))
		b.WriteByte('\n')
	}

	_, err := w.Write(b.Bytes())
	return err
}

// style returns the SGR sequence for a VGA attribute byte: background in the high
// nibble, foreground in the low nibble.
func style(attr byte) string {
	return ansi.Style{}.
		ForegroundColor(ansi.BasicColor(vgaToANSI(attr & 0x0f))).
		BackgroundColor(ansi.BasicColor(vgaToANSI(attr >> 4))).
		String()
}

// vgaToANSI maps a VGA palette index to the ANSI colour of the same name.
// VGA orders the low three bits blue, green, red; ANSI orders them red, green, blue.
func vgaToANSI(c byte) uint8 {
	return c&0x8 | c&0x1<<2 | c&0x2 | c&0x4>>2
}

func printable(c byte) byte {
	if c < 0x20 || c >= 0x7f {
		return ' '
	}

	return c
}
