package pc

import (
	"fmt"
	"sync"
)

// KeyboardVector is the vector the guest handles IRQ1 on once it has remapped the
// master PIC to 0x20.
const KeyboardVector = 0x21

// IRQ is a single pending interrupt slot. A new Raise overwrites an interrupt that
// has not been taken yet.
type IRQ struct {
	mu      sync.Mutex
	raised  bool
	vector  uint8
	payload uint8
}

// Raise makes vector pending with the given payload byte.
func (q *IRQ) Raise(vector, payload uint8) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.raised = true
	q.vector = vector
	q.payload = payload
}

// Take returns the pending vector and clears it. The payload stays readable so the
// guest's handler can fetch it after delivery.
func (q *IRQ) Take() (vector uint8, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.raised {
		return 0, false
	}

	q.raised = false
	return q.vector, true
}

// Pending reports whether an interrupt is waiting for delivery.
func (q *IRQ) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.raised
}

// Payload returns the payload of the last raised interrupt.
func (q *IRQ) Payload() uint8 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.payload
}

// Keyboard is a PS/2 keyboard that reports set 1 scan codes on KeyboardPort.
type Keyboard struct {
	IRQ *IRQ
}

// Press raises KeyboardVector for the given key. Released keys have the high bit set.
func (k *Keyboard) Press(code ScanCode, released bool) {
	b := uint8(code)
	if released {
		b |= 0x80
	}

	k.IRQ.Raise(KeyboardVector, b)
}

func (k *Keyboard) IOPorts() []uint16 {
	return []uint16{KeyboardPort}
}

func (k *Keyboard) ReadIOPort(port uint16, data []byte) error {
	fill(data, k.IRQ.Payload())
	return nil
}

func (k *Keyboard) WriteIOPort(port uint16, data []byte) error {
	return fmt.Errorf("%w: out %#x", ErrUnsupportedIO, port)
}
