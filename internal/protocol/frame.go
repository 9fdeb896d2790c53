package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

var (
	ErrFrameCRC        = errors.New("frame CRC mismatch")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum length")
)

// Frame is one decoded protocol frame.
type Frame struct {
	Cmd     byte
	Seq     byte
	Payload []byte
}

// FrameError reports a frame the receiver discarded.
type FrameError struct {
	Cmd    byte
	Seq    byte
	Length uint16
	Err    error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame cmd=0x%02X seq=%d len=%d: %v", e.Cmd, e.Seq, e.Length, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// StatusError is a non-OK acknowledgment.
type StatusError struct {
	Cmd    byte
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s rejected: %s (0x%02X)", CommandName(e.Cmd), StatusMessage(e.Status), byte(e.Status))
}

// Checksum computes the frame CRC-32 over cmd, seq, the little-endian
// length and the payload.
func Checksum(cmd, seq byte, payload []byte) uint32 {
	hdr := [4]byte{cmd, seq}
	binary.LittleEndian.PutUint16(hdr[2:], uint16(len(payload)))

	crc := crc32.Update(0, crc32.IEEETable, hdr[:])
	return crc32.Update(crc, crc32.IEEETable, payload)
}

// Encode serializes the frame to wire bytes.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadLen {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes", len(f.Payload))
	}

	// Frame format:
	// 0-1: head (0x55 0xAA)
	// 2: command
	// 3: sequence
	// 4-5: payload length (little-endian)
	// 6+: payload
	// last 4: crc32 (little-endian)
	out := make([]byte, HeaderSize+len(f.Payload)+TrailerSize)
	out[0] = Head1
	out[1] = Head2
	out[2] = f.Cmd
	out[3] = f.Seq
	binary.LittleEndian.PutUint16(out[4:6], uint16(len(f.Payload)))
	copy(out[HeaderSize:], f.Payload)
	binary.LittleEndian.PutUint32(out[HeaderSize+len(f.Payload):], Checksum(f.Cmd, f.Seq, f.Payload))

	return out, nil
}

// WriteFrame encodes a frame and writes it in one call.
func WriteFrame(w io.Writer, cmd, seq byte, payload []byte) error {
	f := Frame{Cmd: cmd, Seq: seq, Payload: payload}
	b, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return errors.Wrapf(err, "write %s frame", CommandName(cmd))
}

// WriteAck sends an ACK frame echoing cmd and seq.
func WriteAck(w io.Writer, cmd, seq byte, status Status) error {
	return WriteFrame(w, CmdAck, 0, AckData(cmd, seq, status))
}
