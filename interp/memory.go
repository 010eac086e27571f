package interp

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/vmcore/vmerrors"
)

// Memory is the guest memory subsystem as seen by the core. Values are
// transferred little endian; big-endian guests byte swap around it.
type Memory interface {
	Read(addr uint64, size int) (uint64, error)
	Write(addr uint64, value uint64, size int) error
	Translate(vaddr uint64) (uint64, error)
}

// CodeFetcher is implemented by memories that can hand out raw code bytes to a
// decoder.
type CodeFetcher interface {
	Fetch(addr uint64, buf []byte) (int, error)
}

// FlatMemory is a single contiguous identity-mapped region. It is not
// synchronized: concurrent vCPUs must not write the same bytes.
type FlatMemory struct {
	base    uint64
	data    []byte
	onWrite func(addr uint64, size int)
}

func NewFlatMemory(base uint64, size int) *FlatMemory {
	return &FlatMemory{base: base, data: make([]byte, size)}
}

// OnWrite installs a hook called after every guest write, used to drive
// self-modifying code invalidation.
func (m *FlatMemory) OnWrite(fn func(addr uint64, size int)) {
	m.onWrite = fn
}

func (m *FlatMemory) Base() uint64 { return m.base }
func (m *FlatMemory) Size() int    { return len(m.data) }

func (m *FlatMemory) offset(addr uint64, size int) (uint64, error) {
	if addr < m.base || addr-m.base+uint64(size) > uint64(len(m.data)) || addr+uint64(size) < addr {
		return 0, fmt.Errorf("%w: %#x/%d", vmerrors.ErrMemoryFault, addr, size)
	}
	return addr - m.base, nil
}

func checkSize(size int) error {
	switch size {
	case 1, 2, 4, 8:
		return nil
	}
	return fmt.Errorf("%w: bad access size %d", vmerrors.ErrMemoryFault, size)
}

func (m *FlatMemory) Read(addr uint64, size int) (uint64, error) {
	if err := checkSize(size); err != nil {
		return 0, err
	}
	off, err := m.offset(addr, size)
	if err != nil {
		return 0, err
	}
	b := m.data[off : off+uint64(size)]
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (m *FlatMemory) Write(addr uint64, value uint64, size int) error {
	if err := checkSize(size); err != nil {
		return err
	}
	off, err := m.offset(addr, size)
	if err != nil {
		return err
	}
	b := m.data[off : off+uint64(size)]
	switch size {
	case 1:
		b[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(value))
	default:
		binary.LittleEndian.PutUint64(b, value)
	}
	if m.onWrite != nil {
		m.onWrite(addr, size)
	}
	return nil
}

func (m *FlatMemory) Translate(vaddr uint64) (uint64, error) {
	if _, err := m.offset(vaddr, 1); err != nil {
		return 0, err
	}
	return vaddr, nil
}

// Fetch copies up to len(buf) bytes starting at addr.
func (m *FlatMemory) Fetch(addr uint64, buf []byte) (int, error) {
	off, err := m.offset(addr, 1)
	if err != nil {
		return 0, err
	}
	return copy(buf, m.data[off:]), nil
}

// LoadBytes copies raw bytes (a program image) into memory without firing the
// write hook.
func (m *FlatMemory) LoadBytes(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off, err := m.offset(addr, len(data))
	if err != nil {
		return err
	}
	copy(m.data[off:], data)
	return nil
}

// WriteBytes is LoadBytes followed by the write hook, as a guest store of
// len(data) bytes would do.
func (m *FlatMemory) WriteBytes(addr uint64, data []byte) error {
	if err := m.LoadBytes(addr, data); err != nil {
		return err
	}
	if m.onWrite != nil && len(data) > 0 {
		m.onWrite(addr, len(data))
	}
	return nil
}

// Clone returns an independent copy without the write hook.
func (m *FlatMemory) Clone() *FlatMemory {
	return &FlatMemory{base: m.base, data: append([]byte(nil), m.data...)}
}

// Bytes exposes the backing store for comparisons in tests and reports.
func (m *FlatMemory) Bytes() []byte { return m.data }
