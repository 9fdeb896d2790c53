package store

import (
	"encoding/binary"
	"fmt"

	"github.com/bigbag/iap-flasher/internal/flash"
)

// Flag marks where the staged image is in its update cycle.
type Flag uint32

const (
	FlagEmpty Flag = 0xFFFFFFFF // no pending update (erased flash)
	FlagValid Flag = 0xA5A5A5A5 // staged image awaiting commit
	FlagDone  Flag = 0x55AA55AA // staged image already copied
)

func (f Flag) String() string {
	switch f {
	case FlagEmpty:
		return "EMPTY"
	case FlagValid:
		return "VALID"
	case FlagDone:
		return "DONE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%08X)", uint32(f))
	}
}

// effective maps unknown flag values to FlagEmpty.
func (f Flag) effective() Flag {
	switch f {
	case FlagValid, FlagDone:
		return f
	default:
		return FlagEmpty
	}
}

// Metadata is the persistent record shared by the update agent and the
// first-stage loader.
type Metadata struct {
	Flag      Flag
	ImageSize uint32
	ImageCRC  uint32
	Version   uint32
	Reserved  [4]uint32
}

// Encode returns the on-flash representation: eight little-endian words.
func (m Metadata) Encode() []byte {
	b := make([]byte, flash.MetaSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(m.Flag))
	binary.LittleEndian.PutUint32(b[4:8], m.ImageSize)
	binary.LittleEndian.PutUint32(b[8:12], m.ImageCRC)
	binary.LittleEndian.PutUint32(b[12:16], m.Version)
	for i, r := range m.Reserved {
		binary.LittleEndian.PutUint32(b[16+4*i:], r)
	}
	return b
}

// DecodeMetadata parses a record. b must hold at least flash.MetaSize bytes.
func DecodeMetadata(b []byte) Metadata {
	m := Metadata{
		Flag:      Flag(binary.LittleEndian.Uint32(b[0:4])),
		ImageSize: binary.LittleEndian.Uint32(b[4:8]),
		ImageCRC:  binary.LittleEndian.Uint32(b[8:12]),
		Version:   binary.LittleEndian.Uint32(b[12:16]),
	}
	for i := range m.Reserved {
		m.Reserved[i] = binary.LittleEndian.Uint32(b[16+4*i:])
	}
	return m
}

// transitionAllowed enforces EMPTY -> VALID -> DONE -> EMPTY, with a fresh
// VALID accepted from any state.
func transitionAllowed(from, to Flag) bool {
	switch to {
	case FlagValid:
		return true
	case FlagDone:
		return from.effective() == FlagValid
	case FlagEmpty:
		return from.effective() != FlagValid
	default:
		return false
	}
}
