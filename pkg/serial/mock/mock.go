// Package mock provides in-memory implementations of [serial.Driver] and
// [serial.Port] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	port := mock.NewPort(frame.Encode(f))
//	drv := &mock.Driver{OpenResult: port}
//	p, err := drv.Open(ctx, "COM3")
package mock

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/ccdscope/pkg/serial"
)

// ─── Port ─────────────────────────────────────────────────────────────────────

// DefaultIdleTimeout is how long Read waits for fed data before reporting
// an idle timeout.
const DefaultIdleTimeout = 5 * time.Millisecond

// Port is a mock [serial.Port]. Bytes handed to [NewPort] or [Port.Feed]
// are returned by Read in order. With nothing buffered, Read returns
// ReadError if set, otherwise waits up to IdleTimeout and returns
// [os.ErrDeadlineExceeded].
type Port struct {
	mu      sync.Mutex
	pending []byte
	closed  bool
	wake    chan struct{}

	// IdleTimeout defaults to [DefaultIdleTimeout].
	IdleTimeout time.Duration

	// ReadError is returned once the buffered data is exhausted.
	ReadError error

	// CloseError is returned by Close.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// BytesRead counts the bytes delivered by Read.
	BytesRead int
}

var _ serial.Port = (*Port)(nil)

// NewPort returns a port that will deliver chunks in order.
func NewPort(chunks ...[]byte) *Port {
	p := &Port{wake: make(chan struct{}, 1)}
	for _, c := range chunks {
		p.pending = append(p.pending, c...)
	}
	return p
}

// Feed appends b to the data Read will deliver.
func (p *Port) Feed(b []byte) {
	p.mu.Lock()
	p.pending = append(p.pending, b...)
	p.mu.Unlock()
	p.signal()
}

func (p *Port) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Read implements [serial.Port].
func (p *Port) Read(b []byte) (int, error) {
	if n, ok, err := p.tryRead(b); ok {
		return n, err
	}

	p.mu.Lock()
	idle := p.IdleTimeout
	p.mu.Unlock()
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	t := time.NewTimer(idle)
	defer t.Stop()
	select {
	case <-p.wake:
		if n, ok, err := p.tryRead(b); ok {
			return n, err
		}
	case <-t.C:
	}
	return 0, os.ErrDeadlineExceeded
}

func (p *Port) tryRead(b []byte) (int, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, true, serial.ErrClosed
	}
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.BytesRead += n
		return n, true, nil
	}
	if p.ReadError != nil {
		return 0, true, p.ReadError
	}
	return 0, false, nil
}

// Close implements [serial.Port]. Returns CloseError.
func (p *Port) Close() error {
	p.mu.Lock()
	p.CallCountClose++
	p.closed = true
	err := p.CloseError
	p.mu.Unlock()
	p.signal()
	return err
}

// Closes returns how many times Close was called.
func (p *Port) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountClose
}

// ─── Driver ───────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Driver.Open] invocation.
type OpenCall struct {
	// Name is the port name passed to Open.
	Name string
}

// Driver is a mock [serial.Driver].
type Driver struct {
	mu sync.Mutex

	// OpenResult is the port returned by Open. When OpenResults is non-empty
	// its head is returned instead and removed.
	OpenResult  serial.Port
	OpenResults []serial.Port

	// OpenError is the error returned by Open.
	OpenError error

	// PortsResult and PortsError are returned by Ports.
	PortsResult []serial.PortInfo
	PortsError  error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall
}

var _ serial.Driver = (*Driver)(nil)

// Open implements [serial.Driver].
func (d *Driver) Open(_ context.Context, name string) (serial.Port, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Name: name})
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	if len(d.OpenResults) > 0 {
		p := d.OpenResults[0]
		d.OpenResults = d.OpenResults[1:]
		return p, nil
	}
	return d.OpenResult, nil
}

// Ports implements [serial.Driver].
func (d *Driver) Ports(context.Context) ([]serial.PortInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.PortsResult, d.PortsError
}

// Calls returns a copy of the recorded Open calls.
func (d *Driver) Calls() []OpenCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]OpenCall, len(d.OpenCalls))
	copy(out, d.OpenCalls)
	return out
}
