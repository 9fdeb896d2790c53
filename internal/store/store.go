// Package store owns every flash write the update system makes: the
// metadata record and the staging and execution regions.
package store

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/iap-flasher/internal/flash"
	"github.com/bigbag/iap-flasher/internal/logging"
)

const copyChunk = 1024

var (
	// ErrFlash matches every failure reported by the flash device.
	ErrFlash = errors.New("flash operation failed")

	ErrTransition  = errors.New("invalid metadata flag transition")
	ErrInvalidMeta = errors.New("invalid metadata record")
	ErrOutOfRegion = errors.New("access outside region")
)

// FlashError wraps a device failure with the operation and address.
type FlashError struct {
	Op   string
	Addr uint32
	Err  error
}

func (e *FlashError) Error() string {
	return fmt.Sprintf("flash %s at 0x%08X: %v", e.Op, e.Addr, e.Err)
}

func (e *FlashError) Unwrap() error {
	return e.Err
}

// Is reports ErrFlash as a match so callers can classify without unwrapping.
func (e *FlashError) Is(target error) bool {
	return target == ErrFlash
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// Store performs metadata and region operations on a flash device.
type Store struct {
	dev    flash.Device
	layout flash.Layout
	log    logrus.FieldLogger
}

// New creates a Store over dev using the regions in layout.
func New(dev flash.Device, layout flash.Layout, opts ...Option) *Store {
	s := &Store{
		dev:    dev,
		layout: layout,
		log:    logging.Discard(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Layout returns the flash layout.
func (s *Store) Layout() flash.Layout {
	return s.layout
}

// Device returns the underlying flash device.
func (s *Store) Device() flash.Device {
	return s.dev
}

// StagingCapacity returns the size of the staging region in bytes.
func (s *Store) StagingCapacity() uint32 {
	return s.layout.Staging.Size
}

// ExecutionCapacity returns the size of the execution region in bytes.
func (s *Store) ExecutionCapacity() uint32 {
	return s.layout.Execution.Size
}

// ReadMeta reads the record as stored. The flag is not interpreted.
func (s *Store) ReadMeta() (Metadata, error) {
	b := make([]byte, flash.MetaSize)
	if _, err := s.dev.ReadAt(b, s.layout.MetaAddr); err != nil {
		return Metadata{}, &FlashError{Op: "read", Addr: s.layout.MetaAddr, Err: err}
	}
	return DecodeMetadata(b), nil
}

// WriteMeta replaces the record. The flag transition must be allowed and a
// VALID record must describe an image that fits both regions.
//
// The containing sector is read, erased and reprogrammed with the flag word
// last. Power loss between the erase and the flag program leaves an EMPTY
// record, so the loader sees either the old state or no pending update.
func (s *Store) WriteMeta(m Metadata) error {
	cur, err := s.ReadMeta()
	if err != nil {
		return err
	}
	if !transitionAllowed(cur.Flag, m.Flag) {
		return errors.Wrapf(ErrTransition, "%s -> %s", cur.Flag, m.Flag)
	}
	if m.Flag == FlagValid {
		if m.ImageSize == 0 || m.ImageSize > s.StagingCapacity() || m.ImageSize > s.ExecutionCapacity() {
			return errors.Wrapf(ErrInvalidMeta, "image size %d", m.ImageSize)
		}
	}

	if err := s.rewriteRecord(m); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"flag":    m.Flag.String(),
		"size":    m.ImageSize,
		"crc":     fmt.Sprintf("0x%08X", m.ImageCRC),
		"version": m.Version,
	}).Info("metadata written")
	return nil
}

// ClearFlagToDone flips a VALID record to DONE, keeping the other fields.
func (s *Store) ClearFlagToDone() error {
	cur, err := s.ReadMeta()
	if err != nil {
		return err
	}
	if cur.Flag != FlagValid {
		return errors.Wrapf(ErrTransition, "%s -> %s", cur.Flag, FlagDone)
	}
	cur.Flag = FlagDone
	if err := s.rewriteRecord(cur); err != nil {
		return err
	}
	s.log.WithField("version", cur.Version).Info("metadata marked done")
	return nil
}

func (s *Store) rewriteRecord(m Metadata) error {
	idx, ok := s.layout.SectorIndex(s.layout.MetaAddr)
	if !ok {
		return errors.Wrapf(ErrOutOfRegion, "metadata address 0x%08X", s.layout.MetaAddr)
	}
	sec := s.layout.Sectors[idx]

	buf := make([]byte, sec.Size)
	if _, err := s.dev.ReadAt(buf, sec.Base); err != nil {
		return &FlashError{Op: "read", Addr: sec.Base, Err: err}
	}
	recOff := s.layout.MetaAddr - sec.Base
	copy(buf[recOff:], m.Encode())

	if err := s.dev.EraseSector(idx); err != nil {
		return &FlashError{Op: "erase", Addr: sec.Base, Err: err}
	}

	for off := uint32(0); off < sec.Size; off += flash.WordSize {
		if off == recOff {
			continue
		}
		if err := s.programWord(sec.Base+off, binary.LittleEndian.Uint32(buf[off:])); err != nil {
			return err
		}
	}
	return s.programWord(sec.Base+recOff, uint32(m.Flag))
}

// programWord skips fully erased words; they already read back as 0xFFFFFFFF.
func (s *Store) programWord(addr, word uint32) error {
	if word == 0xFFFFFFFF {
		return nil
	}
	if err := s.dev.ProgramWord(addr, word); err != nil {
		return &FlashError{Op: "program", Addr: addr, Err: err}
	}
	return nil
}

// EraseExecutionRegion erases every sector of the execution region.
func (s *Store) EraseExecutionRegion() error {
	return s.eraseRegion("execution", s.layout.Execution)
}

// EraseStagingRegion erases every sector of the staging region.
func (s *Store) EraseStagingRegion() error {
	return s.eraseRegion("staging", s.layout.Staging)
}

func (s *Store) eraseRegion(name string, r flash.Region) error {
	sectors, err := s.layout.SectorsFor(r)
	if err != nil {
		return errors.Wrapf(err, "%s region", name)
	}
	for _, idx := range sectors {
		if err := s.dev.EraseSector(idx); err != nil {
			return &FlashError{Op: "erase", Addr: s.layout.Sectors[idx].Base, Err: err}
		}
	}
	s.log.WithField("region", name).WithField("sectors", len(sectors)).Debug("region erased")
	return nil
}

// ProgramStaging writes data at offset inside the staging region. A trailing
// partial word is padded with 0xFF, the erased value.
func (s *Store) ProgramStaging(offset uint32, data []byte) error {
	if offset%flash.WordSize != 0 {
		return errors.Wrapf(flash.ErrUnaligned, "staging offset %d", offset)
	}
	if !s.layout.Staging.Contains(s.layout.Staging.Start+offset, uint32(len(data))) {
		return errors.Wrapf(ErrOutOfRegion, "staging offset %d length %d", offset, len(data))
	}
	return s.programWords(s.layout.Staging.Start+offset, data, flash.Erased)
}

// CopyStagingToExecution copies size bytes from the staging region to the
// execution region. The final partial word is zero-padded.
func (s *Store) CopyStagingToExecution(size uint32) error {
	if size > s.StagingCapacity() || size > s.ExecutionCapacity() {
		return errors.Wrapf(ErrOutOfRegion, "copy size %d", size)
	}

	buf := make([]byte, copyChunk)
	for done := uint32(0); done < size; {
		n := size - done
		if n > copyChunk {
			n = copyChunk
		}
		src := s.layout.Staging.Start + done
		if _, err := s.dev.ReadAt(buf[:n], src); err != nil {
			return &FlashError{Op: "read", Addr: src, Err: err}
		}
		if err := s.programWords(s.layout.Execution.Start+done, buf[:n], 0x00); err != nil {
			return err
		}
		done += n
	}
	s.log.WithField("size", size).Debug("staging copied to execution")
	return nil
}

func (s *Store) programWords(addr uint32, data []byte, pad byte) error {
	for i := 0; i < len(data); i += flash.WordSize {
		var w [flash.WordSize]byte
		n := copy(w[:], data[i:])
		for j := n; j < flash.WordSize; j++ {
			w[j] = pad
		}
		a := addr + uint32(i)
		if err := s.dev.ProgramWord(a, binary.LittleEndian.Uint32(w[:])); err != nil {
			return &FlashError{Op: "program", Addr: a, Err: err}
		}
	}
	return nil
}

// ComputeCRC returns the CRC-32 of length bytes at start.
func (s *Store) ComputeCRC(start, length uint32) (uint32, error) {
	crc, err := flash.Checksum(s.dev, start, length)
	if err != nil {
		return 0, &FlashError{Op: "read", Addr: start, Err: err}
	}
	return crc, nil
}
