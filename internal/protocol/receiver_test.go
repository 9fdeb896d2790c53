package protocol

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/pkg/errors"
)

// feedAll feeds every byte and collects frames and errors in order.
func feedAll(r *Receiver, data []byte) ([]*Frame, []error) {
	var frames []*Frame
	var errs []error
	for _, b := range data {
		f, err := r.Feed(b)
		if f != nil {
			frames = append(frames, f)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return frames, errs
}

func mustEncode(t *testing.T, cmd, seq byte, payload []byte) []byte {
	t.Helper()
	f := Frame{Cmd: cmd, Seq: seq, Payload: payload}
	b, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return b
}

func TestChecksum_CoversHeaderAndPayload(t *testing.T) {
	payload := []byte{0x10, 0x20, 0x30}
	raw := []byte{CmdData, 5, 3, 0, 0x10, 0x20, 0x30}

	if got, want := Checksum(CmdData, 5, payload), crc32.ChecksumIEEE(raw); got != want {
		t.Errorf("Checksum() = 0x%08X, want 0x%08X", got, want)
	}
}

func TestFrame_Encode_Format(t *testing.T) {
	payload := []byte{0xAA, 0xBB}
	encoded := mustEncode(t, CmdStartUpdate, 9, payload)

	if len(encoded) != 6+len(payload)+4 {
		t.Fatalf("Encode() length = %d, want %d", len(encoded), 6+len(payload)+4)
	}
	if encoded[0] != Head1 || encoded[1] != Head2 {
		t.Errorf("Encode() head = 0x%02X 0x%02X, want 0x55 0xAA", encoded[0], encoded[1])
	}
	if encoded[2] != CmdStartUpdate || encoded[3] != 9 {
		t.Errorf("Encode() cmd/seq = 0x%02X/%d, want 0x02/9", encoded[2], encoded[3])
	}
	if n := binary.LittleEndian.Uint16(encoded[4:6]); n != 2 {
		t.Errorf("Encode() length field = %d, want 2", n)
	}
	if !bytes.Equal(encoded[6:8], payload) {
		t.Errorf("Encode() payload = %v, want %v", encoded[6:8], payload)
	}
	if crc := binary.LittleEndian.Uint32(encoded[8:]); crc != Checksum(CmdStartUpdate, 9, payload) {
		t.Errorf("Encode() crc = 0x%08X, want 0x%08X", crc, Checksum(CmdStartUpdate, 9, payload))
	}
}

func TestFrame_Encode_TooLarge(t *testing.T) {
	f := Frame{Cmd: CmdData, Payload: make([]byte, MaxPayloadLen+1)}
	if _, err := f.Encode(); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Encode() error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestReceiver_RoundTrip(t *testing.T) {
	large := make([]byte, MaxPayloadLen)
	for i := range large {
		large[i] = byte(i * 31)
	}

	tests := []struct {
		cmd     byte
		seq     byte
		payload []byte
	}{
		{CmdHandshake, 0, nil},
		{CmdQueryVersion, 1, []byte{}},
		{CmdData, 255, []byte{Head1, Head2, Head1}},
		{CmdStartUpdate, 17, StartUpdateData(1024, 0x12345678, 7)},
		{CmdData, 3, large},
	}

	var r Receiver
	for _, tc := range tests {
		frames, errs := feedAll(&r, mustEncode(t, tc.cmd, tc.seq, tc.payload))
		if len(errs) != 0 {
			t.Fatalf("Feed() errors = %v", errs)
		}
		if len(frames) != 1 {
			t.Fatalf("Feed() frames = %d, want 1", len(frames))
		}
		f := frames[0]
		if f.Cmd != tc.cmd || f.Seq != tc.seq || !bytes.Equal(f.Payload, tc.payload) {
			t.Errorf("decoded cmd=0x%02X seq=%d len=%d, want cmd=0x%02X seq=%d len=%d",
				f.Cmd, f.Seq, len(f.Payload), tc.cmd, tc.seq, len(tc.payload))
		}
	}
}

func TestReceiver_PayloadIsCopied(t *testing.T) {
	var r Receiver
	first, _ := feedAll(&r, mustEncode(t, CmdData, 1, []byte{1, 2, 3, 4, 5}))
	feedAll(&r, mustEncode(t, CmdData, 2, []byte{9, 9, 9, 9, 9}))

	if !bytes.Equal(first[0].Payload, []byte{1, 2, 3, 4, 5}) {
		t.Errorf("first payload = %v, changed by a later frame", first[0].Payload)
	}
}

func TestReceiver_StrayHead1(t *testing.T) {
	frame := mustEncode(t, CmdHandshake, 4, []byte("hi"))

	preambles := [][]byte{
		{Head1},
		{Head1, Head1, Head1},
		{0x00, Head1, 0x13, Head1},
		{Head2, Head1, 0x00},
	}
	for _, pre := range preambles {
		var r Receiver
		frames, errs := feedAll(&r, append(append([]byte{}, pre...), frame...))
		if len(errs) != 0 || len(frames) != 1 {
			t.Errorf("preamble % X: frames = %d errors = %v, want 1 frame", pre, len(frames), errs)
			continue
		}
		if frames[0].Seq != 4 || string(frames[0].Payload) != "hi" {
			t.Errorf("preamble % X: decoded %+v", pre, frames[0])
		}
	}
}

func TestReceiver_Oversize(t *testing.T) {
	var r Receiver
	bogus := []byte{Head1, Head2, CmdData, 7, 0x01, 0x04} // length 1025

	frames, errs := feedAll(&r, bogus)
	if len(frames) != 0 {
		t.Fatalf("oversize header produced %d frames", len(frames))
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrPayloadTooLarge) {
		t.Fatalf("errors = %v, want one ErrPayloadTooLarge", errs)
	}
	var fe *FrameError
	if !errors.As(errs[0], &fe) || fe.Cmd != CmdData || fe.Seq != 7 || fe.Length != 1025 {
		t.Errorf("FrameError = %+v, want cmd=DATA seq=7 len=1025", fe)
	}

	// Whatever followed the bogus header is scanned as fresh input.
	junk := bytes.Repeat([]byte{0x00}, 2000)
	good := mustEncode(t, CmdEndUpdate, 8, nil)
	frames, errs = feedAll(&r, append(junk, good...))
	if len(errs) != 0 || len(frames) != 1 || frames[0].Cmd != CmdEndUpdate {
		t.Errorf("after resync: frames = %v errors = %v, want END_UPDATE", frames, errs)
	}
}

func TestReceiver_CRCMismatch(t *testing.T) {
	var r Receiver
	bad := mustEncode(t, CmdData, 12, []byte{1, 2, 3, 4, 5})
	bad[len(bad)-1] ^= 0x01

	frames, errs := feedAll(&r, bad)
	if len(frames) != 0 {
		t.Fatalf("corrupt frame produced %d frames", len(frames))
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrFrameCRC) {
		t.Fatalf("errors = %v, want one ErrFrameCRC", errs)
	}
	var fe *FrameError
	if !errors.As(errs[0], &fe) || fe.Cmd != CmdData || fe.Seq != 12 {
		t.Errorf("FrameError = %+v, want cmd=DATA seq=12", fe)
	}

	frames, _ = feedAll(&r, mustEncode(t, CmdHandshake, 13, nil))
	if len(frames) != 1 {
		t.Errorf("frame after CRC error: got %d frames, want 1", len(frames))
	}
}

// Flip every bit of an encoded frame and check that none produces a frame
// with different contents.
func TestReceiver_SingleBitErrors(t *testing.T) {
	payload := []byte("test-payload-for-crc")
	encoded := mustEncode(t, CmdData, 1, payload)

	for i := 2; i < len(encoded); i++ {
		for bit := 0; bit < 8; bit++ {
			mut := append([]byte{}, encoded...)
			mut[i] ^= 1 << bit

			var r Receiver
			frames, _ := feedAll(&r, mut)
			for _, f := range frames {
				if f.Cmd == CmdData && f.Seq == 1 && bytes.Equal(f.Payload, payload) {
					continue
				}
				t.Fatalf("bit flip at byte %d bit %d produced frame %+v", i, bit, f)
			}
		}
	}
}

func TestWriteAck(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteAck(&buf, CmdStartUpdate, 3, StatusParamError); err != nil {
		t.Fatalf("WriteAck() error = %v", err)
	}

	var r Receiver
	frames, errs := feedAll(&r, buf.Bytes())
	if len(errs) != 0 || len(frames) != 1 {
		t.Fatalf("frames = %d errors = %v", len(frames), errs)
	}
	f := frames[0]
	if f.Cmd != CmdAck || f.Seq != 0 {
		t.Errorf("ack frame cmd=0x%02X seq=%d, want ACK seq 0", f.Cmd, f.Seq)
	}
	ack, err := ParseAck(f.Payload)
	if err != nil {
		t.Fatalf("ParseAck() error = %v", err)
	}
	if ack != (Ack{Status: StatusParamError, Cmd: CmdStartUpdate, Seq: 3}) {
		t.Errorf("ParseAck() = %+v", ack)
	}
}
