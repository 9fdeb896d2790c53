package flash

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Erased is the value of every byte after a sector erase.
const Erased = 0xFF

var (
	ErrOutOfRange = errors.New("address out of range")
	ErrUnaligned  = errors.New("address not word-aligned")
	ErrNotErased  = errors.New("program would set cleared bits")
	ErrSector     = errors.New("invalid sector")
)

// Device is the raw flash primitive: byte reads, word programming and sector
// erase. Implementations report failures; they never retry.
type Device interface {
	ReadAt(p []byte, addr uint32) (int, error)
	ProgramWord(addr uint32, word uint32) error
	EraseSector(index int) error
}

// Stats counts the flash-modifying operations a Memory has performed.
type Stats struct {
	Erases   int
	Programs int
}

// Memory is an in-memory NOR flash. Programming can only clear bits; setting
// a bit back to one needs a sector erase.
type Memory struct {
	mu     sync.Mutex
	layout Layout
	start  uint32
	data   []byte
	stats  Stats
}

// NewMemory returns a fully erased flash covering every sector of layout.
func NewMemory(layout Layout) *Memory {
	m := &Memory{
		layout: layout,
		start:  layout.FlashStart(),
		data:   make([]byte, layout.FlashEnd()-layout.FlashStart()),
	}
	for i := range m.data {
		m.data[i] = Erased
	}
	return m
}

// Layout returns the layout the memory was built from.
func (m *Memory) Layout() Layout {
	return m.layout
}

func (m *Memory) offset(addr uint32, n int) (int, error) {
	if addr < m.start || uint64(addr-m.start)+uint64(n) > uint64(len(m.data)) {
		return 0, errors.Wrapf(ErrOutOfRange, "0x%08X+%d", addr, n)
	}
	return int(addr - m.start), nil
}

// ReadAt implements Device.
func (m *Memory) ReadAt(p []byte, addr uint32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	off, err := m.offset(addr, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, m.data[off:]), nil
}

// ProgramWord implements Device.
func (m *Memory) ProgramWord(addr uint32, word uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if addr%WordSize != 0 {
		return errors.Wrapf(ErrUnaligned, "0x%08X", addr)
	}
	off, err := m.offset(addr, WordSize)
	if err != nil {
		return err
	}

	old := binary.LittleEndian.Uint32(m.data[off:])
	if old&word != word {
		return errors.Wrapf(ErrNotErased, "0x%08X: have 0x%08X, want 0x%08X", addr, old, word)
	}
	binary.LittleEndian.PutUint32(m.data[off:], word)
	m.stats.Programs++
	return nil
}

// EraseSector implements Device.
func (m *Memory) EraseSector(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.layout.Sectors) {
		return errors.Wrapf(ErrSector, "%d", index)
	}
	s := m.layout.Sectors[index]
	off := int(s.Base - m.start)
	for i := off; i < off+int(s.Size); i++ {
		m.data[i] = Erased
	}
	m.stats.Erases++
	return nil
}

// Stats returns the operation counters.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Patch overwrites bytes directly, the way a debug probe would. It bypasses
// the NOR programming rules and is not counted in Stats.
func (m *Memory) Patch(addr uint32, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	off, err := m.offset(addr, len(p))
	if err != nil {
		return err
	}
	copy(m.data[off:], p)
	return nil
}

// Load replaces the whole flash content with an image previously written by
// Save.
func (m *Memory) Load(r io.Reader) error {
	buf := make([]byte, len(m.data))
	if _, err := io.ReadFull(r, buf); err != nil {
		return errors.Wrap(err, "load flash image")
	}

	m.mu.Lock()
	m.data = buf
	m.mu.Unlock()
	return nil
}

// Save writes the whole flash content.
func (m *Memory) Save(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := w.Write(m.data)
	return errors.Wrap(err, "save flash image")
}
