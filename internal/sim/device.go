// Package sim runs the device side on the host: the NOR flash model, the
// first-stage loader, and the application's update agent, connected to the
// host tools over an in-memory UART.
package sim

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/iap-flasher/internal/agent"
	"github.com/bigbag/iap-flasher/internal/boot"
	"github.com/bigbag/iap-flasher/internal/flash"
	"github.com/bigbag/iap-flasher/internal/logging"
	"github.com/bigbag/iap-flasher/internal/store"
	"github.com/bigbag/iap-flasher/internal/update"
)

// DefaultBlinkWindow is how long Boot watches the error-indication loop
// before giving up on a device that did not start an application.
const DefaultBlinkWindow = time.Second

var (
	ErrNotRunning = errors.New("no application running")
)

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(d *Device) {
		d.log = log
	}
}

// WithIdent sets the handshake identification the application answers with.
func WithIdent(ident string) Option {
	return func(d *Device) {
		d.ident = ident
	}
}

// WithIdleInterval sets the application's idle-loop period.
func WithIdleInterval(interval time.Duration) Option {
	return func(d *Device) {
		d.idle = interval
	}
}

// WithBlinkWindow sets how long Boot watches a failed boot.
func WithBlinkWindow(window time.Duration) Option {
	return func(d *Device) {
		d.blinkWindow = window
	}
}

// BootResult describes one power-on.
type BootResult struct {
	Outcome boot.Outcome
	SP      uint32
	Entry   uint32
	// Err is the failure the loader indicated; nil when the application
	// started.
	Err    error
	Blinks int
}

// Started reports whether control reached the application.
func (r BootResult) Started() bool {
	return r.Err == nil
}

// Device is a simulated board.
type Device struct {
	mem    *flash.Memory
	layout flash.Layout
	st     *store.Store
	log    logrus.FieldLogger
	led    LED

	ident       string
	idle        time.Duration
	blinkWindow time.Duration

	mu    sync.Mutex
	boots int
	app   *application
}

// New creates a device around mem.
func New(mem *flash.Memory, opts ...Option) *Device {
	d := &Device{
		mem:         mem,
		layout:      mem.Layout(),
		log:         logging.Discard(),
		idle:        agent.DefaultIdleInterval,
		blinkWindow: DefaultBlinkWindow,
	}
	for _, o := range opts {
		o(d)
	}
	d.st = store.New(mem, d.layout, store.WithLogger(d.log.WithField("component", "store")))
	return d
}

// Memory returns the flash.
func (d *Device) Memory() *flash.Memory {
	return d.mem
}

// Store returns the metadata store over the flash.
func (d *Device) Store() *store.Store {
	return d.st
}

// LED returns the status indicator.
func (d *Device) LED() *LED {
	return &d.led
}

// Boots returns the number of power-ons so far.
func (d *Device) Boots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.boots
}

// SeedApplication programs a minimal vector table into an empty execution
// region, the way a factory image would be loaded with a debug probe. It
// reports whether anything was written.
func (d *Device) SeedApplication() (bool, error) {
	ram := d.layout.RAM
	sp, err := flash.ReadWord(d.mem, d.layout.Execution.Start)
	if err != nil {
		return false, err
	}
	if sp >= ram.Start && sp <= ram.End() {
		return false, nil
	}

	vec := make([]byte, 2*flash.WordSize)
	binary.LittleEndian.PutUint32(vec[0:], ram.End())
	binary.LittleEndian.PutUint32(vec[4:], d.layout.Execution.Start+uint32(len(vec))|1)
	if err := d.mem.Patch(d.layout.Execution.Start, vec); err != nil {
		return false, err
	}
	d.log.Info("factory application seeded")
	return true, nil
}

// Boot powers the device on. A running application is stopped first. When
// the loader hands off, the application's agent starts and runs until the
// next reset or until ctx is done.
func (d *Device) Boot(ctx context.Context) BootResult {
	d.shutdown()

	d.mu.Lock()
	d.boots++
	n := d.boots
	d.mu.Unlock()

	log := d.log.WithField("boot", n)
	p := newPlatform(log.WithField("component", "cpu"))
	l := boot.New(d.st, d.layout, p, &d.led, boot.WithLogger(log.WithField("component", "boot")))

	bctx, cancel := context.WithTimeout(ctx, d.blinkWindow)
	defer cancel()

	blinks := d.led.Toggles()
	errc := make(chan error, 1)
	go func() {
		errc <- l.Run(bctx)
	}()

	select {
	case <-p.jumped:
		d.startApp(ctx, log)
		return BootResult{Outcome: l.LastOutcome(), SP: p.sp, Entry: p.entry}
	case err := <-errc:
		return BootResult{Outcome: l.LastOutcome(), Err: err, Blinks: d.led.Toggles() - blinks}
	}
}

// Link returns the host end of the running application's UART.
func (d *Device) Link() (*Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.app == nil {
		return nil, ErrNotRunning
	}
	return d.app.host, nil
}

// WaitReset blocks until the running application resets the device.
func (d *Device) WaitReset(ctx context.Context) error {
	d.mu.Lock()
	a := d.app
	d.mu.Unlock()
	if a == nil {
		return ErrNotRunning
	}

	select {
	case <-a.reset:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close powers the device off.
func (d *Device) Close() error {
	d.shutdown()
	return nil
}

func (d *Device) shutdown() {
	d.mu.Lock()
	a := d.app
	d.app = nil
	d.mu.Unlock()
	if a != nil {
		a.stop()
	}
}

// application is the firmware running after a successful hand-off.
type application struct {
	host   *Link
	conn   net.Conn
	cancel context.CancelFunc
	reset  chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (d *Device) startApp(ctx context.Context, log logrus.FieldLogger) {
	hostConn, devConn := net.Pipe()
	actx, cancel := context.WithCancel(ctx)
	a := &application{
		host:   &Link{conn: hostConn},
		conn:   devConn,
		cancel: cancel,
		reset:  make(chan struct{}),
	}

	session := update.New(d.st, update.ResetFunc(a.systemReset),
		update.WithLogger(log.WithField("component", "session")))
	opts := []agent.Option{agent.WithLogger(log.WithField("component", "agent"))}
	if d.ident != "" {
		opts = append(opts, agent.WithIdent(d.ident))
	}
	tx := newTxQueue(log.WithField("component", "uart"))
	ag := agent.New(session, d.st, tx, opts...)

	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		if err := ag.Serve(actx, bufio.NewReader(devConn)); err != nil && actx.Err() == nil {
			log.WithError(err).Debug("uart closed")
		}
	}()
	go func() {
		defer a.wg.Done()
		ag.RunIdle(actx, d.idle)
	}()
	go func() {
		defer a.wg.Done()
		tx.drain(actx, devConn)
	}()

	d.mu.Lock()
	d.app = a
	d.mu.Unlock()
}

// systemReset is called from the idle loop once the commit record is
// written.
func (a *application) systemReset() {
	a.once.Do(func() {
		close(a.reset)
	})
	a.cancel()
	a.conn.Close()
}

func (a *application) stop() {
	a.cancel()
	a.conn.Close()
	a.host.Close()
	a.wg.Wait()
}

// LoadFlash reads a flash image saved by SaveFlash. A missing file yields
// an erased flash.
func LoadFlash(path string, layout flash.Layout) (*flash.Memory, error) {
	mem := flash.NewMemory(layout)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return mem, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := mem.Load(f); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return mem, nil
}

// SaveFlash writes the whole flash to path.
func SaveFlash(path string, mem *flash.Memory) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := mem.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
