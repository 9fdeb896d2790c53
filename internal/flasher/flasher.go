package flasher

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/iap-flasher/internal/flash"
	"github.com/bigbag/iap-flasher/internal/logging"
	"github.com/bigbag/iap-flasher/internal/protocol"
)

// Defaults match the device's UART agent.
const (
	DefaultChunkSize    = 512
	DefaultRetries      = 5
	DefaultAckTimeout   = 2 * time.Second
	DefaultEraseTimeout = 10 * time.Second

	// MaxChunkSize is the largest chunk that fits a DATA frame.
	MaxChunkSize = protocol.MaxPayloadLen - protocol.DataOffsetSize

	handshakePayload = "PC_HANDSHAKE"
	pollInterval     = 100 * time.Millisecond
)

var (
	ErrTimeout         = errors.New("timeout waiting for response")
	ErrUnexpectedReply = errors.New("unexpected reply")
	ErrChunkSize       = errors.New("invalid chunk size")
)

// Link is the byte stream to the device. ReadWithTimeout returns 0, nil
// when nothing arrived in time.
type Link interface {
	io.Writer
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Flush() error
}

// ProgressCallback is called to report upload progress in chunks.
type ProgressCallback func(current, total int)

// Option configures a Flasher.
type Option func(*Flasher)

// WithChunkSize sets the DATA chunk size. It must be a multiple of 4.
func WithChunkSize(n int) Option {
	return func(f *Flasher) {
		f.chunkSize = n
	}
}

// WithRetries sets how many times a frame is sent before giving up.
func WithRetries(n int) Option {
	return func(f *Flasher) {
		f.retries = n
	}
}

// WithAckTimeout sets how long to wait for each reply.
func WithAckTimeout(d time.Duration) Option {
	return func(f *Flasher) {
		f.ackTimeout = d
	}
}

// WithEraseTimeout sets how long to wait for the START_UPDATE reply, which
// comes after the staging region is erased.
func WithEraseTimeout(d time.Duration) Option {
	return func(f *Flasher) {
		f.eraseTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(f *Flasher) {
		f.log = log
	}
}

// Flasher drives an update over a Link.
type Flasher struct {
	link     Link
	progress ProgressCallback
	log      logrus.FieldLogger

	chunkSize    int
	retries      int
	ackTimeout   time.Duration
	eraseTimeout time.Duration

	seq      byte
	attempts int
	rx       protocol.Receiver
	pending  []byte
}

// New creates a new Flasher for the given link.
func New(link Link, opts ...Option) *Flasher {
	f := &Flasher{
		link:         link,
		log:          logging.Discard(),
		chunkSize:    DefaultChunkSize,
		retries:      DefaultRetries,
		ackTimeout:   DefaultAckTimeout,
		eraseTimeout: DefaultEraseTimeout,
	}
	for _, o := range opts {
		o(f)
	}
	if f.retries < 1 {
		f.retries = 1
	}
	return f
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
}

// reportProgress calls the progress callback if set.
func (f *Flasher) reportProgress(current, total int) {
	if f.progress != nil {
		f.progress(current, total)
	}
}

func (f *Flasher) nextSeq() byte {
	s := f.seq
	f.seq++
	return s
}

// Connect performs the handshake and returns the device identification.
func (f *Flasher) Connect() (string, error) {
	f.link.Flush()
	f.pending = nil
	f.rx.Reset()

	reply, err := f.exchange(protocol.CmdHandshake, []byte(handshakePayload), f.ackTimeout, f.retries)
	if err != nil {
		return "", errors.Wrap(err, "handshake")
	}
	return string(bytes.TrimRight(reply.Payload, "\x00")), nil
}

// QueryVersion returns the version recorded in the device's metadata.
func (f *Flasher) QueryVersion() (uint32, error) {
	reply, err := f.exchange(protocol.CmdQueryVersion, nil, f.ackTimeout, f.retries)
	if err != nil {
		return 0, errors.Wrap(err, "query version")
	}
	return protocol.ParseVersion(reply.Payload)
}

// Update uploads image and asks the device to commit it as version. After
// a successful return the device verifies the image and resets on its own.
func (f *Flasher) Update(image []byte, version uint32) error {
	if len(image) == 0 {
		return errors.New("image is empty")
	}
	if f.chunkSize <= 0 || f.chunkSize > MaxChunkSize || f.chunkSize%flash.WordSize != 0 {
		return errors.Wrapf(ErrChunkSize, "%d (must be a multiple of %d up to %d)", f.chunkSize, flash.WordSize, MaxChunkSize)
	}

	size := uint32(len(image))
	crc := crc32.ChecksumIEEE(image)

	f.log.WithFields(logrus.Fields{
		"size":    size,
		"crc":     fmt.Sprintf("0x%08X", crc),
		"version": version,
	}).Info("starting update")

	start := protocol.StartUpdateData(size, crc, version)
	if _, err := f.exchange(protocol.CmdStartUpdate, start, f.eraseTimeout, 1); err != nil {
		return errors.Wrap(err, "start update")
	}

	total := (len(image) + f.chunkSize - 1) / f.chunkSize
	for i := 0; i < total; i++ {
		off := i * f.chunkSize
		end := off + f.chunkSize
		if end > len(image) {
			end = len(image)
		}

		payload := protocol.DataData(uint32(off), image[off:end])
		if _, err := f.exchange(protocol.CmdData, payload, f.ackTimeout, f.retries); err != nil {
			return errors.Wrapf(err, "data chunk %d at offset %d", i, off)
		}
		f.reportProgress(i+1, total)
	}

	if _, err := f.exchange(protocol.CmdEndUpdate, nil, f.ackTimeout, f.retries); err != nil {
		if !f.endAlreadyAccepted(err) {
			return errors.Wrap(err, "end update")
		}
		f.log.WithError(err).Warn("end update reply lost, device is already verifying")
	}
	return nil
}

// endAlreadyAccepted reports whether err is a state rejection of a resent
// END_UPDATE. The first END moved the session out of receiving and only
// its ack was lost.
func (f *Flasher) endAlreadyAccepted(err error) bool {
	var se *protocol.StatusError
	return f.attempts > 1 && errors.As(err, &se) && se.Status == protocol.StatusStateError
}

// exchange sends one frame and waits for its reply, resending on timeout
// or on a frame CRC rejection. The sequence number is kept across resends.
func (f *Flasher) exchange(cmd byte, payload []byte, timeout time.Duration, attempts int) (*protocol.Frame, error) {
	seq := f.nextSeq()
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		f.attempts = attempt + 1
		if attempt > 0 {
			f.log.WithError(lastErr).WithFields(logrus.Fields{
				"cmd":     protocol.CommandName(cmd),
				"seq":     seq,
				"attempt": attempt + 1,
			}).Warn("resending frame")
		}

		if err := protocol.WriteFrame(f.link, cmd, seq, payload); err != nil {
			return nil, err
		}

		reply, err := f.awaitReply(cmd, seq, timeout)
		if err == nil {
			return reply, nil
		}
		lastErr = err

		var se *protocol.StatusError
		switch {
		case errors.Is(err, ErrTimeout):
		case errors.As(err, &se) && se.Status == protocol.StatusFrameCRC:
		default:
			return nil, err
		}
	}
	return nil, lastErr
}

// awaitReply reads frames until the reply to cmd/seq arrives. Handshake and
// version queries are answered under their own command; everything else is
// acknowledged.
func (f *Flasher) awaitReply(cmd, seq byte, timeout time.Duration) (*protocol.Frame, error) {
	deadline := time.Now().Add(timeout)

	for {
		fr, err := f.readFrame(deadline)
		if err != nil {
			return nil, err
		}

		switch {
		case fr.Cmd == protocol.CmdAck:
			ack, err := protocol.ParseAck(fr.Payload)
			if err != nil {
				f.log.WithError(err).Debug("malformed ack ignored")
				continue
			}
			if ack.Cmd != cmd || ack.Seq != seq {
				f.log.WithFields(logrus.Fields{
					"cmd": protocol.CommandName(ack.Cmd),
					"seq": ack.Seq,
				}).Debug("stale ack ignored")
				continue
			}
			if err := ack.Err(); err != nil {
				return nil, err
			}
			if cmd == protocol.CmdHandshake || cmd == protocol.CmdQueryVersion {
				return nil, errors.Wrapf(ErrUnexpectedReply, "ack to %s", protocol.CommandName(cmd))
			}
			return fr, nil

		case fr.Cmd == cmd && fr.Seq == seq:
			return fr, nil

		default:
			f.log.WithFields(logrus.Fields{
				"cmd": protocol.CommandName(fr.Cmd),
				"seq": fr.Seq,
			}).Debug("unrelated frame ignored")
		}
	}
}

// readFrame returns the next valid frame from the link. Corrupt frames are
// skipped.
func (f *Flasher) readFrame(deadline time.Time) (*protocol.Frame, error) {
	buf := make([]byte, 256)
	for {
		for len(f.pending) > 0 {
			b := f.pending[0]
			f.pending = f.pending[1:]
			fr, err := f.rx.Feed(b)
			if err != nil {
				f.log.WithError(err).Debug("corrupt frame from device")
				continue
			}
			if fr != nil {
				return fr, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		if remaining > pollInterval {
			remaining = pollInterval
		}

		n, err := f.link.ReadWithTimeout(buf, remaining)
		if n > 0 {
			f.pending = append(f.pending, buf[:n]...)
		}
		if err != nil && n == 0 {
			return nil, errors.Wrap(err, "read link")
		}
	}
}
