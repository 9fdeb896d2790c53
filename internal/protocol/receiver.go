package protocol

import "encoding/binary"

type rxState int

const (
	stateHead1 rxState = iota
	stateHead2
	stateCmd
	stateSeq
	stateLenLow
	stateLenHigh
	stateData
	stateCrc
)

// Receiver is the byte-at-a-time frame parser. It is driven by a single
// producer and holds no locks.
type Receiver struct {
	state    rxState
	cmd      byte
	seq      byte
	length   uint16
	buf      [MaxPayloadLen]byte
	index    int
	crc      [TrailerSize]byte
	crcIndex int
}

// Reset drops any partial frame.
func (r *Receiver) Reset() {
	r.state = stateHead1
}

// Feed consumes one byte. It returns a frame when the byte completes a valid
// one, a *FrameError when it completes a frame that must be discarded, and
// (nil, nil) otherwise. After a frame or an error the receiver is back to
// scanning for the header.
func (r *Receiver) Feed(b byte) (*Frame, error) {
	switch r.state {
	case stateHead1:
		if b == Head1 {
			r.state = stateHead2
		}

	case stateHead2:
		switch b {
		case Head2:
			r.state = stateCmd
		case Head1:
			// The byte that broke the match may itself start a header.
			r.state = stateHead2
		default:
			r.state = stateHead1
		}

	case stateCmd:
		r.cmd = b
		r.state = stateSeq

	case stateSeq:
		r.seq = b
		r.state = stateLenLow

	case stateLenLow:
		r.length = uint16(b)
		r.state = stateLenHigh

	case stateLenHigh:
		r.length |= uint16(b) << 8
		if r.length > MaxPayloadLen {
			r.Reset()
			return nil, &FrameError{Cmd: r.cmd, Seq: r.seq, Length: r.length, Err: ErrPayloadTooLarge}
		}
		r.index = 0
		r.crcIndex = 0
		if r.length == 0 {
			r.state = stateCrc
		} else {
			r.state = stateData
		}

	case stateData:
		r.buf[r.index] = b
		r.index++
		if r.index >= int(r.length) {
			r.state = stateCrc
		}

	case stateCrc:
		r.crc[r.crcIndex] = b
		r.crcIndex++
		if r.crcIndex < TrailerSize {
			return nil, nil
		}
		r.Reset()

		payload := r.buf[:r.length]
		if binary.LittleEndian.Uint32(r.crc[:]) != Checksum(r.cmd, r.seq, payload) {
			return nil, &FrameError{Cmd: r.cmd, Seq: r.seq, Length: r.length, Err: ErrFrameCRC}
		}
		f := &Frame{Cmd: r.cmd, Seq: r.seq, Payload: make([]byte, r.length)}
		copy(f.Payload, payload)
		return f, nil

	default:
		r.Reset()
	}
	return nil, nil
}
