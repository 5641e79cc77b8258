//go:build linux

package vmm

import (
	"fmt"
	"io"
	"sync"
)

// memory is guest physical memory as seen from the host. Device emulation writes
// it from the run loop while a display reads it from another goroutine.
type memory struct {
	mu      sync.RWMutex
	buf     []byte
	release func() error
}

func (m *memory) Len() int {
	return len(m.buf)
}

func (m *memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off < 0 || off >= int64(len(m.buf)) {
		return 0, io.EOF
	}

	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func (m *memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, fmt.Errorf("write of %d bytes at %#x is outside guest memory", len(p), off)
	}

	return copy(m.buf[off:], p), nil
}

func (m *memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.release != nil {
		err = m.release()
	}

	m.buf = nil
	m.release = nil

	return err
}
