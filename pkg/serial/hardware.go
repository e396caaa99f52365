package serial

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	bugst "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Default line settings. USB CDC ignores the baud rate, but the OS driver
// still wants one.
const (
	DefaultBaudRate    = 115200
	DefaultReadTimeout = 500 * time.Millisecond
)

// Hardware is a [Driver] for physical serial ports.
type Hardware struct {
	// BaudRate defaults to [DefaultBaudRate].
	BaudRate int

	// ReadTimeout bounds each Read. Defaults to [DefaultReadTimeout].
	ReadTimeout time.Duration
}

var _ Driver = Hardware{}

// Open implements [Driver].
func (h Hardware) Open(_ context.Context, name string) (Port, error) {
	baud := h.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	timeout := h.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	p, err := bugst.Open(name, &bugst.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", name, err)
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("serial: set read timeout on %s: %w", name, err)
	}
	return &hardwarePort{port: p, closed: make(chan struct{})}, nil
}

// Ports implements [Driver].
func (Hardware) Ports(context.Context) ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serial: enumerate ports: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Name:         d.Name,
			Description:  d.Product,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
		})
	}
	return out, nil
}

// hardwarePort adapts a go.bug.st port to [Port].
type hardwarePort struct {
	port bugst.Port

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Read returns [os.ErrDeadlineExceeded] when the read timeout elapses with
// no data, which go.bug.st reports as a zero-length successful read.
func (p *hardwarePort) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if err != nil {
		select {
		case <-p.closed:
			return n, ErrClosed
		default:
		}
		return n, err
	}
	if n == 0 && len(b) > 0 {
		return 0, os.ErrDeadlineExceeded
	}
	return n, nil
}

// Close closes the underlying port once.
func (p *hardwarePort) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.closeErr = p.port.Close()
	})
	return p.closeErr
}
