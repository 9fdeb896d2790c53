// Package update implements the application-side update session: it stages
// an incoming image, verifies it, records it for the loader and resets.
package update

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/iap-flasher/internal/flash"
	"github.com/bigbag/iap-flasher/internal/logging"
	"github.com/bigbag/iap-flasher/internal/store"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrState            = errors.New("operation not allowed in current state")
	ErrVerify           = errors.New("staged image CRC mismatch")
)

// State is the session state as seen by the dispatcher.
type State string

const (
	StateIdle            State = "idle"
	StateReceiving       State = "receiving"
	StateFinishRequested State = "finish_requested"
	StateFinished        State = "finished"
)

const (
	evStart    = "start"
	evFinish   = "finish"
	evAbort    = "abort"
	evComplete = "complete"
)

// Deferred processing steps run by ProcessDeferred.
const (
	stepNone int32 = iota
	stepVerifying
	stepWriteMeta
	stepDone
)

// Resetter restarts the device once the staged image is recorded.
type Resetter interface {
	SystemReset()
}

// ResetFunc adapts a function to Resetter.
type ResetFunc func()

func (f ResetFunc) SystemReset() { f() }

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Session) {
		s.log = log
	}
}

// Session tracks one image transfer. Start, ReceiveChunk and RequestFinish
// are called from the byte-arrival goroutine; ProcessDeferred runs in the
// background goroutine.
type Session struct {
	st    *store.Store
	reset Resetter
	log   logrus.FieldLogger
	fsm   *fsm.FSM

	mu        sync.Mutex
	totalSize uint32
	imageCRC  uint32
	version   uint32
	received  uint32
	failure   error

	armed atomic.Bool
	step  atomic.Int32
}

// New creates an idle session writing through st.
func New(st *store.Store, reset Resetter, opts ...Option) *Session {
	s := &Session{
		st:    st,
		reset: reset,
		log:   logging.Discard(),
	}
	for _, o := range opts {
		o(s)
	}

	s.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evStart, Src: []string{string(StateIdle), string(StateReceiving)}, Dst: string(StateReceiving)},
			{Name: evFinish, Src: []string{string(StateReceiving)}, Dst: string(StateFinishRequested)},
			{Name: evAbort, Src: []string{string(StateReceiving), string(StateFinishRequested)}, Dst: string(StateIdle)},
			{Name: evComplete, Src: []string{string(StateFinishRequested)}, Dst: string(StateFinished)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.WithFields(logrus.Fields{
					"event": e.Event,
					"from":  e.Src,
					"to":    e.Dst,
				}).Debug("session state changed")
			},
		},
	)
	return s
}

// State returns the current session state.
func (s *Session) State() State {
	return State(s.fsm.Current())
}

// ReceivedSize returns the highest offset+length programmed so far.
func (s *Session) ReceivedSize() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// TotalSize returns the image size announced by Start.
func (s *Session) TotalSize() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

// Armed reports whether deferred verify and commit work is pending.
func (s *Session) Armed() bool {
	return s.armed.Load()
}

// Failure returns the error that ended the last deferred run, if any.
func (s *Session) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// fire applies an event. Re-entering the same state is not an error.
func (s *Session) fire(event string) error {
	err := s.fsm.Event(context.Background(), event)
	if err == nil {
		return nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return errors.Wrapf(ErrState, "%s in state %s", event, s.fsm.Current())
}

// Start begins a new transfer of totalSize bytes, erasing the staging region.
// A transfer already in progress is discarded.
func (s *Session) Start(totalSize, crc, version uint32) error {
	if !s.fsm.Can(evStart) {
		return errors.Wrapf(ErrState, "start in state %s", s.fsm.Current())
	}
	if totalSize == 0 || totalSize > s.st.StagingCapacity() || totalSize > s.st.ExecutionCapacity() {
		return errors.Wrapf(ErrInvalidParameter, "image size %d", totalSize)
	}

	if err := s.st.EraseStagingRegion(); err != nil {
		if s.State() == StateReceiving {
			_ = s.fire(evAbort)
		}
		return errors.Wrap(err, "erase staging")
	}

	s.mu.Lock()
	s.totalSize = totalSize
	s.imageCRC = crc
	s.version = version
	s.received = 0
	s.failure = nil
	s.mu.Unlock()

	if err := s.fire(evStart); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"size":    totalSize,
		"crc":     fmt.Sprintf("0x%08X", crc),
		"version": version,
	}).Info("update started")
	return nil
}

// ReceiveChunk programs data at offset within the staged image. Chunks may
// arrive in any order and may be retransmitted.
func (s *Session) ReceiveChunk(offset uint32, data []byte) error {
	if s.State() != StateReceiving {
		return errors.Wrapf(ErrState, "data in state %s", s.fsm.Current())
	}

	s.mu.Lock()
	total := s.totalSize
	s.mu.Unlock()

	n := uint32(len(data))
	switch {
	case n == 0:
		return errors.Wrap(ErrInvalidParameter, "empty chunk")
	case offset%flash.WordSize != 0:
		return errors.Wrapf(ErrInvalidParameter, "offset %d not word aligned", offset)
	case uint64(offset)+uint64(n) > uint64(total):
		return errors.Wrapf(ErrInvalidParameter, "chunk %d+%d exceeds image size %d", offset, n, total)
	}

	if err := s.st.ProgramStaging(offset, data); err != nil {
		return errors.Wrapf(err, "program chunk at %d", offset)
	}

	s.mu.Lock()
	if end := offset + n; end > s.received {
		s.received = end
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"offset": offset, "size": n}).Debug("chunk programmed")
	return nil
}

// RequestFinish arms the deferred verify and commit once every byte has
// been received. No flash work happens here.
func (s *Session) RequestFinish() error {
	if s.State() != StateReceiving {
		return errors.Wrapf(ErrState, "finish in state %s", s.fsm.Current())
	}

	s.mu.Lock()
	received, total := s.received, s.totalSize
	s.mu.Unlock()
	if received != total {
		return errors.Wrapf(ErrState, "received %d of %d bytes", received, total)
	}

	if err := s.fire(evFinish); err != nil {
		return err
	}
	s.step.Store(stepVerifying)
	s.armed.Store(true)
	s.log.Info("update finish requested")
	return nil
}

// ProcessDeferred runs one step of verify, metadata write and reset. It
// returns true while more work remains.
func (s *Session) ProcessDeferred(ctx context.Context) bool {
	if !s.armed.Load() {
		return false
	}
	if ctx.Err() != nil {
		return true
	}

	s.mu.Lock()
	total, crc, version := s.totalSize, s.imageCRC, s.version
	s.mu.Unlock()

	switch s.step.Load() {
	case stepVerifying:
		got, err := s.st.ComputeCRC(s.st.Layout().Staging.Start, total)
		if err != nil {
			s.fail(errors.Wrap(err, "verify staging"))
			return false
		}
		if got != crc {
			s.fail(errors.Wrapf(ErrVerify, "computed 0x%08X, expected 0x%08X", got, crc))
			return false
		}
		s.step.Store(stepWriteMeta)

	case stepWriteMeta:
		meta := store.Metadata{
			Flag:      store.FlagValid,
			ImageSize: total,
			ImageCRC:  crc,
			Version:   version,
		}
		if err := s.st.WriteMeta(meta); err != nil {
			s.fail(errors.Wrap(err, "write metadata"))
			return false
		}
		s.step.Store(stepDone)

	case stepDone:
		if err := s.fire(evComplete); err != nil {
			s.fail(err)
			return false
		}
		s.step.Store(stepNone)
		s.armed.Store(false)
		s.log.WithField("version", version).Info("update recorded, resetting")
		s.reset.SystemReset()
		return false

	default:
		s.fail(errors.Wrapf(ErrState, "deferred step %d", s.step.Load()))
		return false
	}
	return true
}

// fail disarms deferred processing and returns the session to idle.
func (s *Session) fail(err error) {
	s.armed.Store(false)
	s.step.Store(stepNone)
	_ = s.fire(evAbort)

	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()

	s.log.WithError(err).Warn("update aborted")
}
