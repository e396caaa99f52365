// Package serial defines the byte-stream device abstraction the receiver reads
// frames from, together with port discovery.
//
// The two primary abstractions are:
//
//   - [Driver] opens a named port and lists the ports it can see.
//   - [Port] is an open device. Read blocks for at most the driver's idle
//     timeout; an idle read returns an error whose Timeout method reports true
//     (normally [os.ErrDeadlineExceeded]).
//
// [Hardware] drives real USB CDC devices through go.bug.st/serial and
// [Simulator] produces a synthetic frame stream for running without a sensor.
// Test doubles live in serial/mock.
package serial

import (
	"context"
	"errors"
	"io"
	"strings"
)

var (
	// ErrNoPort is returned when auto-detection finds no port at all.
	ErrNoPort = errors.New("serial: no port found")

	// ErrClosed is returned by Read on a port that has been closed.
	ErrClosed = errors.New("serial: port closed")
)

// Port is an open byte-stream device. Close must be safe to call more than
// once and must unblock a pending Read.
type Port interface {
	io.ReadCloser
}

// PortInfo describes a port found during enumeration.
type PortInfo struct {
	// Name is the OS device name passed to [Driver.Open] (COM3, /dev/ttyACM0).
	Name string

	// Description is the human-readable product string, if any.
	Description string

	// IsUSB reports whether the port is a USB device. VID, PID and
	// SerialNumber are only set for USB ports.
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
}

// Driver is the entry point for a device family.
//
// Implementations must be safe for concurrent use.
type Driver interface {
	// Open opens the named port. ctx governs the open attempt only.
	Open(ctx context.Context, name string) (Port, error)

	// Ports lists the ports currently available.
	Ports(ctx context.Context) ([]PortInfo, error)
}

// stmVendorID is the USB vendor ID of STMicroelectronics.
const stmVendorID = "0483"

// SelectPort picks the port most likely to be the sensor board: the first
// port whose description mentions "STM" or "USB Serial" or whose vendor is
// STMicroelectronics, otherwise the first port. Returns [ErrNoPort] when
// ports is empty.
func SelectPort(ports []PortInfo) (string, error) {
	for _, p := range ports {
		if strings.Contains(p.Description, "STM") ||
			strings.Contains(p.Description, "USB Serial") ||
			strings.EqualFold(p.VID, stmVendorID) {
			return p.Name, nil
		}
	}
	if len(ports) > 0 {
		return ports[0].Name, nil
	}
	return "", ErrNoPort
}

// Detect lists the ports of d and applies [SelectPort].
func Detect(ctx context.Context, d Driver) (string, error) {
	ports, err := d.Ports(ctx)
	if err != nil {
		return "", err
	}
	return SelectPort(ports)
}
