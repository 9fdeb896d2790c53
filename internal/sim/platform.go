package sim

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// LED counts indicator toggles.
type LED struct {
	on      atomic.Bool
	toggles atomic.Int64
}

// Toggle flips the LED.
func (l *LED) Toggle() {
	l.on.Store(!l.on.Load())
	l.toggles.Add(1)
}

// On reports whether the LED is lit.
func (l *LED) On() bool {
	return l.on.Load()
}

// Toggles returns how many times the LED changed state.
func (l *LED) Toggles() int {
	return int(l.toggles.Load())
}

// platform records the hand-off. Jump ends the calling goroutine, so the
// loader never sees control come back.
type platform struct {
	log    logrus.FieldLogger
	vtor   uint32
	sp     uint32
	entry  uint32
	jumped chan struct{}
}

func newPlatform(log logrus.FieldLogger) *platform {
	return &platform{log: log, jumped: make(chan struct{})}
}

func (p *platform) DisableInterrupts() {
	p.log.Debug("interrupts disabled")
}

func (p *platform) DeinitPeripherals() {
	p.log.Debug("peripherals released")
}

func (p *platform) SetVectorTable(addr uint32) {
	p.vtor = addr
}

func (p *platform) SetStackPointer(sp uint32) {
	p.sp = sp
}

func (p *platform) Jump(entry uint32) {
	p.entry = entry
	p.log.WithField("entry", fmt.Sprintf("0x%08X", entry)).Debug("control transferred")
	close(p.jumped)
	runtime.Goexit()
}
