// Package boot is the first-stage loader: it commits a staged image to the
// execution region and hands control to the application.
package boot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/iap-flasher/internal/flash"
	"github.com/bigbag/iap-flasher/internal/logging"
	"github.com/bigbag/iap-flasher/internal/store"
)

// Blink periods of the error-indication loop.
const (
	NoAppBlinkPeriod   = 100 * time.Millisecond
	FailureBlinkPeriod = 500 * time.Millisecond
)

var (
	ErrNoApplication = errors.New("no application in execution region")
	ErrJumpReturned  = errors.New("application entry returned")
)

// Platform is the processor-level control transfer. Jump does not return
// when the hand-off succeeds.
type Platform interface {
	DisableInterrupts()
	DeinitPeripherals()
	SetVectorTable(addr uint32)
	SetStackPointer(sp uint32)
	Jump(entry uint32)
}

// Indicator is the status LED.
type Indicator interface {
	Toggle()
}

// Outcome reports what CheckAndCommit did.
type Outcome int

const (
	OutcomeNothingPending Outcome = iota
	OutcomeInvalidMeta
	OutcomeStagingCorrupt
	OutcomeCopyFailed
	OutcomeVerifyFailed
	OutcomeFlagFailed
	OutcomeCommitted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNothingPending:
		return "nothing pending"
	case OutcomeInvalidMeta:
		return "invalid metadata"
	case OutcomeStagingCorrupt:
		return "staging corrupt"
	case OutcomeCopyFailed:
		return "copy failed"
	case OutcomeVerifyFailed:
		return "verify failed"
	case OutcomeFlagFailed:
		return "flag update failed"
	case OutcomeCommitted:
		return "committed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Loader) {
		l.log = log
	}
}

// WithBlinkPeriods overrides the error-indication periods.
func WithBlinkPeriods(noApp, failure time.Duration) Option {
	return func(l *Loader) {
		l.noAppPeriod = noApp
		l.failurePeriod = failure
	}
}

// Loader runs once per boot.
type Loader struct {
	st     *store.Store
	layout flash.Layout
	p      Platform
	led    Indicator
	log    logrus.FieldLogger

	noAppPeriod   time.Duration
	failurePeriod time.Duration

	mu      sync.Mutex
	outcome Outcome
}

// New creates a loader.
func New(st *store.Store, layout flash.Layout, p Platform, led Indicator, opts ...Option) *Loader {
	l := &Loader{
		st:            st,
		layout:        layout,
		p:             p,
		led:           led,
		log:           logging.Discard(),
		noAppPeriod:   NoAppBlinkPeriod,
		failurePeriod: FailureBlinkPeriod,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// CheckAndCommit copies a VALID staged image into the execution region.
// Only a verified copy marks the record DONE; every other outcome leaves the
// record as it was, so the same commit is retried on the next boot.
func (l *Loader) CheckAndCommit() Outcome {
	meta, err := l.st.ReadMeta()
	if err != nil {
		l.log.WithError(err).Warn("metadata unreadable")
		return l.report(OutcomeInvalidMeta, meta)
	}
	if meta.Flag != store.FlagValid {
		l.mu.Lock()
		l.outcome = OutcomeNothingPending
		l.mu.Unlock()
		return OutcomeNothingPending
	}

	if meta.ImageSize == 0 ||
		meta.ImageSize > l.layout.Staging.Size ||
		meta.ImageSize > l.layout.Execution.Size {
		return l.report(OutcomeInvalidMeta, meta)
	}

	crc, err := l.st.ComputeCRC(l.layout.Staging.Start, meta.ImageSize)
	if err != nil || crc != meta.ImageCRC {
		return l.report(OutcomeStagingCorrupt, meta)
	}

	if err := l.st.EraseExecutionRegion(); err != nil {
		l.log.WithError(err).Warn("execution erase failed")
		return l.report(OutcomeCopyFailed, meta)
	}
	if err := l.st.CopyStagingToExecution(meta.ImageSize); err != nil {
		l.log.WithError(err).Warn("image copy failed")
		return l.report(OutcomeCopyFailed, meta)
	}

	crc, err = l.st.ComputeCRC(l.layout.Execution.Start, meta.ImageSize)
	if err != nil || crc != meta.ImageCRC {
		return l.report(OutcomeVerifyFailed, meta)
	}

	if err := l.st.ClearFlagToDone(); err != nil {
		l.log.WithError(err).Warn("metadata flag update failed")
		return l.report(OutcomeFlagFailed, meta)
	}
	return l.report(OutcomeCommitted, meta)
}

// LastOutcome returns the result of the most recent CheckAndCommit.
func (l *Loader) LastOutcome() Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outcome
}

func (l *Loader) report(o Outcome, meta store.Metadata) Outcome {
	l.mu.Lock()
	l.outcome = o
	l.mu.Unlock()

	entry := l.log.WithFields(logrus.Fields{
		"outcome": o.String(),
		"size":    meta.ImageSize,
		"crc":     fmt.Sprintf("0x%08X", meta.ImageCRC),
		"version": meta.Version,
	})
	if o == OutcomeCommitted {
		entry.Info("update committed")
	} else {
		entry.Warn("update not committed")
	}
	return o
}

// Vector returns the initial stack pointer and entry point stored at the
// start of the execution region.
func (l *Loader) Vector() (sp, entry uint32, err error) {
	base := l.layout.Execution.Start
	if sp, err = flash.ReadWord(l.st.Device(), base); err != nil {
		return 0, 0, errors.Wrap(err, "read stack pointer")
	}
	if entry, err = flash.ReadWord(l.st.Device(), base+flash.WordSize); err != nil {
		return 0, 0, errors.Wrap(err, "read entry point")
	}
	return sp, entry, nil
}

// JumpToApp hands control to the application. It only returns on failure:
// ErrNoApplication when the stack pointer is outside RAM, ErrJumpReturned
// when the entry point came back.
func (l *Loader) JumpToApp() error {
	sp, entry, err := l.Vector()
	if err != nil {
		return err
	}
	if sp < l.layout.RAM.Start || sp > l.layout.RAM.End() {
		return errors.Wrapf(ErrNoApplication, "stack pointer 0x%08X", sp)
	}

	l.log.WithFields(logrus.Fields{
		"sp":    fmt.Sprintf("0x%08X", sp),
		"entry": fmt.Sprintf("0x%08X", entry),
	}).Info("jumping to application")

	l.p.DisableInterrupts()
	l.p.DeinitPeripherals()
	l.p.SetVectorTable(l.layout.Execution.Start)
	l.p.SetStackPointer(sp)
	l.p.Jump(entry)

	return errors.Wrapf(ErrJumpReturned, "entry 0x%08X", entry)
}

// BlinkPeriod returns the indication period for a jump failure.
func (l *Loader) BlinkPeriod(err error) time.Duration {
	if errors.Is(err, ErrNoApplication) {
		return l.noAppPeriod
	}
	return l.failurePeriod
}

// Run commits any staged image and jumps to the application. If control
// comes back it blinks the indicator until ctx is done and returns the
// failure.
func (l *Loader) Run(ctx context.Context) error {
	l.CheckAndCommit()
	err := l.JumpToApp()

	period := l.BlinkPeriod(err)
	l.log.WithError(err).WithField("period", period).Error("no application started")

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return err
		case <-ticker.C:
			l.led.Toggle()
		}
	}
}
