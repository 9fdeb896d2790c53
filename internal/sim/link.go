package sim

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const flushWindow = 10 * time.Millisecond

// Link is the host end of the simulated UART. It satisfies flasher.Link.
type Link struct {
	conn net.Conn
}

// Write sends bytes to the device. It blocks until the device has read them.
func (l *Link) Write(p []byte) (int, error) {
	return l.conn.Write(p)
}

// ReadWithTimeout reads whatever the device sent. It returns 0, nil when
// nothing arrived in time, like a serial port read.
func (l *Link) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if err := l.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := l.conn.Read(buf)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

// Flush discards pending device output.
func (l *Link) Flush() error {
	buf := make([]byte, 256)
	for {
		n, err := l.ReadWithTimeout(buf, flushWindow)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// Close disconnects the host.
func (l *Link) Close() error {
	return l.conn.Close()
}

// txDepth is how many device writes the transmit queue holds.
const txDepth = 64

// txQueue is the device's UART transmitter. Writes never block; once the
// queue is full further writes are dropped, as bytes are lost on a real
// receiver overrun.
type txQueue struct {
	ch  chan []byte
	log logrus.FieldLogger
}

func newTxQueue(log logrus.FieldLogger) *txQueue {
	return &txQueue{ch: make(chan []byte, txDepth), log: log}
}

func (q *txQueue) Write(p []byte) (int, error) {
	select {
	case q.ch <- append([]byte(nil), p...):
	default:
		q.log.WithField("len", len(p)).Warn("uart overrun, output dropped")
	}
	return len(p), nil
}

// drain moves queued output onto conn until ctx is done or conn fails.
func (q *txQueue) drain(ctx context.Context, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-q.ch:
			if _, err := conn.Write(b); err != nil {
				return
			}
		}
	}
}
