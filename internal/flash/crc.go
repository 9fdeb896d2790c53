package flash

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

const crcChunk = 1024

// Checksum computes the CRC-32 (IEEE, as zlib) of length bytes starting at
// start.
func Checksum(dev Device, start, length uint32) (uint32, error) {
	var crc uint32
	buf := make([]byte, crcChunk)

	for done := uint32(0); done < length; {
		n := length - done
		if n > crcChunk {
			n = crcChunk
		}
		if _, err := dev.ReadAt(buf[:n], start+done); err != nil {
			return 0, errors.Wrapf(err, "crc read at 0x%08X", start+done)
		}
		crc = crc32.Update(crc, crc32.IEEETable, buf[:n])
		done += n
	}
	return crc, nil
}

// ReadWord reads one little-endian word.
func ReadWord(dev Device, addr uint32) (uint32, error) {
	var b [WordSize]byte
	if _, err := dev.ReadAt(b[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
