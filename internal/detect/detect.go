package detect

import (
	"fmt"
	"time"

	"github.com/bigbag/iap-flasher/internal/flasher"
	"github.com/bigbag/iap-flasher/internal/serial"
)

const probeTimeout = 300 * time.Millisecond

// Result represents a device that answered the handshake.
type Result struct {
	Port       string
	Ident      string
	Version    uint32
	HasVersion bool
	PortInfo   serial.PortInfo
}

// DetectDevice probes every port and returns the first device that answers
// the handshake.
func DetectDevice(baudRate int) (*Result, error) {
	ports, err := serial.ListPortDetails()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, info := range ports {
		result, err := tryPort(info, baudRate)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no update agent found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no update agent found")
}

// DetectOnPort probes a specific port.
func DetectOnPort(portName string, baudRate int) (*Result, error) {
	return tryPort(serial.PortInfo{Name: portName}, baudRate)
}

// ListDevices probes all ports and returns every device that answered.
func ListDevices(baudRate int) ([]Result, error) {
	ports, err := serial.ListPortDetails()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, info := range ports {
		result, err := tryPort(info, baudRate)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

func tryPort(info serial.PortInfo, baudRate int) (*Result, error) {
	port, err := serial.Open(info.Name, baudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	res, err := Probe(port, flasher.WithAckTimeout(probeTimeout), flasher.WithRetries(2))
	if err != nil {
		return nil, err
	}
	res.Port = info.Name
	res.PortInfo = info
	return res, nil
}

// Probe runs the handshake and version query over an open link.
func Probe(link flasher.Link, opts ...flasher.Option) (*Result, error) {
	f := flasher.New(link, opts...)

	ident, err := f.Connect()
	if err != nil {
		return nil, err
	}

	res := &Result{Ident: ident}
	// A missing version reply still identifies the device.
	if v, err := f.QueryVersion(); err == nil {
		res.Version = v
		res.HasVersion = true
	}
	return res, nil
}
