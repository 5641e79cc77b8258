package pc

// ScanCode is a PS/2 set 1 make code.
type ScanCode uint8

const (
	KeyError        ScanCode = 0x00
	KeyEsc          ScanCode = 0x01
	Key1            ScanCode = 0x02
	Key2            ScanCode = 0x03
	Key3            ScanCode = 0x04
	Key4            ScanCode = 0x05
	Key5            ScanCode = 0x06
	Key6            ScanCode = 0x07
	Key7            ScanCode = 0x08
	Key8            ScanCode = 0x09
	Key9            ScanCode = 0x0a
	Key0            ScanCode = 0x0b
	KeyMinus        ScanCode = 0x0c
	KeyEqual        ScanCode = 0x0d
	KeyBackspace    ScanCode = 0x0e
	KeyTab          ScanCode = 0x0f
	KeyQ            ScanCode = 0x10
	KeyW            ScanCode = 0x11
	KeyE            ScanCode = 0x12
	KeyR            ScanCode = 0x13
	KeyT            ScanCode = 0x14
	KeyY            ScanCode = 0x15
	KeyU            ScanCode = 0x16
	KeyI            ScanCode = 0x17
	KeyO            ScanCode = 0x18
	KeyP            ScanCode = 0x19
	KeyBracketOpen  ScanCode = 0x1a
	KeyBracketClose ScanCode = 0x1b
	KeyEnter        ScanCode = 0x1c
	KeyLCtrl        ScanCode = 0x1d
	KeyA            ScanCode = 0x1e
	KeyS            ScanCode = 0x1f
	KeyD            ScanCode = 0x20
	KeyF            ScanCode = 0x21
	KeyG            ScanCode = 0x22
	KeyH            ScanCode = 0x23
	KeyJ            ScanCode = 0x24
	KeyK            ScanCode = 0x25
	KeyL            ScanCode = 0x26
	KeySemicolon    ScanCode = 0x27
	KeyQuote        ScanCode = 0x28
	KeyBacktick     ScanCode = 0x29
	KeyLShift       ScanCode = 0x2a
	KeyBackslash    ScanCode = 0x2b
	KeyZ            ScanCode = 0x2c
	KeyX            ScanCode = 0x2d
	KeyC            ScanCode = 0x2e
	KeyV            ScanCode = 0x2f
	KeyB            ScanCode = 0x30
	KeyN            ScanCode = 0x31
	KeyM            ScanCode = 0x32
	KeyComma        ScanCode = 0x33
	KeyDot          ScanCode = 0x34
	KeySlash        ScanCode = 0x35
	KeyRShift       ScanCode = 0x36
	KeyKeypadStar   ScanCode = 0x37
	KeyLAlt         ScanCode = 0x38
	KeySpace        ScanCode = 0x39
)

// Keystroke is a scan code and whether shift must be held to produce it.
type Keystroke struct {
	Code  ScanCode
	Shift bool
}

var (
	asciiLower = "??1234567890-=??qwertyuiop[]??asdfghjkl;'`?\\zxcvbnm,./??? "
	asciiUpper = "??!@#$%^&*()_+??QWERTYUIOP{}??ASDFGHJKL:\"~?|ZXCVBNM<>???? "

	keystrokes = buildKeystrokes()
)

func buildKeystrokes() map[byte]Keystroke {
	m := map[byte]Keystroke{
		'\r': {Code: KeyEnter},
		'\n': {Code: KeyEnter},
		'\t': {Code: KeyTab},
		0x7f: {Code: KeyBackspace},
		0x08: {Code: KeyBackspace},
		0x1b: {Code: KeyEsc},
		'?':  {Code: KeySlash, Shift: true},
	}

	for i := range len(asciiLower) {
		if c := asciiLower[i]; c != '?' {
			m[c] = Keystroke{Code: ScanCode(i)}
		}

		if c := asciiUpper[i]; c != '?' {
			if _, ok := m[c]; !ok {
				m[c] = Keystroke{Code: ScanCode(i), Shift: true}
			}
		}
	}

	return m
}

// LookupASCII returns the keystroke that types c on a US layout.
func LookupASCII(c byte) (Keystroke, bool) {
	k, ok := keystrokes[c]
	return k, ok
}
