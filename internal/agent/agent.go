// Package agent is the application-resident side of the update protocol. It
// turns received bytes into frames, dispatches them to the update session
// and answers on the same link.
package agent

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/iap-flasher/internal/logging"
	"github.com/bigbag/iap-flasher/internal/protocol"
	"github.com/bigbag/iap-flasher/internal/store"
	"github.com/bigbag/iap-flasher/internal/update"
)

// DefaultIdleInterval is how often RunIdle advances deferred work.
const DefaultIdleInterval = 10 * time.Millisecond

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(a *Agent) {
		a.log = log
	}
}

// WithIdent overrides the handshake identification string. A trailing NUL
// is appended on the wire.
func WithIdent(ident string) Option {
	return func(a *Agent) {
		a.ident = append([]byte(ident), 0)
	}
}

// Agent serves one link. Serve and RunIdle are meant to run in separate
// goroutines.
type Agent struct {
	session *update.Session
	st      *store.Store
	out     io.Writer
	log     logrus.FieldLogger
	ident   []byte

	rx  protocol.Receiver
	wmu sync.Mutex
}

// New creates an agent answering on out.
func New(session *update.Session, st *store.Store, out io.Writer, opts ...Option) *Agent {
	a := &Agent{
		session: session,
		st:      st,
		out:     out,
		log:     logging.Discard(),
		ident:   []byte(protocol.Identification),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Serve feeds bytes from src until ctx is done or src fails. io.EOF ends
// Serve without error.
func (a *Agent) Serve(ctx context.Context, src io.ByteReader) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := src.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "read link")
		}
		a.HandleByte(b)
	}
}

// HandleByte feeds one received byte through the frame receiver.
func (a *Agent) HandleByte(b byte) {
	f, err := a.rx.Feed(b)
	if err != nil {
		var fe *protocol.FrameError
		if errors.As(err, &fe) {
			a.log.WithError(err).Warn("frame discarded")
			a.ack(fe.Cmd, fe.Seq, protocol.StatusFrameCRC)
		}
		return
	}
	if f != nil {
		a.dispatch(f)
	}
}

// RunIdle advances deferred verify and commit work one step per tick until
// ctx is done.
func (a *Agent) RunIdle(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultIdleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.session.ProcessDeferred(ctx)
		}
	}
}

func (a *Agent) dispatch(f *protocol.Frame) {
	log := a.log.WithFields(logrus.Fields{
		"cmd": protocol.CommandName(f.Cmd),
		"seq": f.Seq,
		"len": len(f.Payload),
	})
	log.Debug("frame received")

	switch f.Cmd {
	case protocol.CmdHandshake:
		a.send(protocol.CmdHandshake, f.Seq, a.ident)

	case protocol.CmdStartUpdate:
		su, err := protocol.ParseStartUpdate(f.Payload)
		if err != nil {
			a.ack(f.Cmd, f.Seq, protocol.StatusParamError)
			return
		}
		a.reply(f, a.session.Start(su.TotalSize, su.CRC, su.Version))

	case protocol.CmdData:
		if len(f.Payload) < protocol.DataOffsetSize {
			a.ack(f.Cmd, f.Seq, protocol.StatusParamError)
			return
		}
		if a.session.State() != update.StateReceiving {
			a.ack(f.Cmd, f.Seq, protocol.StatusStateError)
			return
		}
		offset, chunk, err := protocol.ParseData(f.Payload)
		if err != nil {
			a.ack(f.Cmd, f.Seq, protocol.StatusParamError)
			return
		}
		a.reply(f, a.session.ReceiveChunk(offset, chunk))

	case protocol.CmdEndUpdate:
		a.reply(f, a.session.RequestFinish())

	case protocol.CmdQueryVersion:
		meta, err := a.st.ReadMeta()
		if err != nil {
			a.reply(f, err)
			return
		}
		a.send(protocol.CmdQueryVersion, f.Seq, protocol.VersionData(meta.Version))

	default:
		log.Debug("unknown command ignored")
	}
}

// reply acknowledges f with the status for err.
func (a *Agent) reply(f *protocol.Frame, err error) {
	status := StatusFor(err)
	if err != nil {
		a.log.WithError(err).WithField("status", protocol.StatusMessage(status)).
			Warnf("%s rejected", protocol.CommandName(f.Cmd))
	}
	a.ack(f.Cmd, f.Seq, status)
}

// StatusFor maps a session or store error to the wire status.
func StatusFor(err error) protocol.Status {
	switch {
	case err == nil:
		return protocol.StatusOK
	case errors.Is(err, update.ErrInvalidParameter):
		return protocol.StatusParamError
	case errors.Is(err, update.ErrState):
		return protocol.StatusStateError
	default:
		return protocol.StatusFlashError
	}
}

func (a *Agent) ack(cmd, seq byte, status protocol.Status) {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	if err := protocol.WriteAck(a.out, cmd, seq, status); err != nil {
		a.log.WithError(err).Warn("ack not sent")
	}
}

func (a *Agent) send(cmd, seq byte, payload []byte) {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	if err := protocol.WriteFrame(a.out, cmd, seq, payload); err != nil {
		a.log.WithError(err).Warn("reply not sent")
	}
}
