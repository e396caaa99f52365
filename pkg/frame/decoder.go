package frame

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// readBufferSize is large enough to hold two complete frames.
const readBufferSize = 2 * Size

var (
	// ErrReadTimeout is returned when the source stayed idle for one read
	// timeout. The decoder is back in [Searching]; call Next again.
	ErrReadTimeout = errors.New("frame: read timeout")

	// ErrShortBody is returned when the stream stalled or closed after a
	// marker but before a complete body arrived. The consumed bytes are
	// forfeited and the decoder is back in [Searching].
	ErrShortBody = errors.New("frame: short body")
)

// IsSyncLoss reports whether err is a recoverable decode failure. Any other
// non-nil error returned by [Decoder.Next] means the source is unusable.
func IsSyncLoss(err error) bool {
	return errors.Is(err, ErrReadTimeout) || errors.Is(err, ErrShortBody)
}

// SyncState is the decoder's position relative to a frame boundary.
type SyncState int

const (
	// Searching scans for the first marker byte.
	Searching SyncState = iota

	// HaveFirstMarkerByte has consumed 0xCD and expects 0xAB.
	HaveFirstMarkerByte

	// ReadingBody has matched the marker and is reading the fixed body.
	ReadingBody
)

// String returns the human-readable name of the state.
func (s SyncState) String() string {
	switch s {
	case Searching:
		return "searching"
	case HaveFirstMarkerByte:
		return "have-first-marker-byte"
	case ReadingBody:
		return "reading-body"
	default:
		return "unknown"
	}
}

// timeoutError matches errors such as os.ErrDeadlineExceeded that describe
// an idle line rather than a broken one.
type timeoutError interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	var t timeoutError
	return errors.As(err, &t) && t.Timeout()
}

// DecoderOption configures a [Decoder].
type DecoderOption func(*Decoder)

// WithClock overrides the clock used to stamp decoded frames.
func WithClock(now func() time.Time) DecoderOption {
	return func(d *Decoder) {
		if now != nil {
			d.now = now
		}
	}
}

// Decoder recovers frames from a byte stream that may start mid-frame and may
// contain corruption.
//
// The source signals an idle line by returning an error whose Timeout method
// reports true (os.ErrDeadlineExceeded does). io.EOF and every other error
// are treated as fatal.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	r     *bufio.Reader
	now   func() time.Time
	state SyncState
	body  [BodySize]byte

	consumed uint64
	decoded  uint64
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		r:   bufio.NewReaderSize(r, readBufferSize),
		now: time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// State returns the current sync state.
func (d *Decoder) State() SyncState {
	return d.state
}

// Discarded returns the number of bytes consumed that did not end up in a
// decoded frame.
func (d *Decoder) Discarded() uint64 {
	return d.consumed - d.decoded*Size
}

// Next scans for the next marker and decodes the frame that follows it.
//
// Marker detection is byte-at-a-time. A 0xCD that is not followed by 0xAB
// discards only the 0xCD; the following byte is examined again, so a marker
// that overlaps a false start is still found.
//
// On [ErrReadTimeout] or [ErrShortBody] no frame is produced and the next
// call resumes scanning with fresh bytes. ctx is checked between bytes; a
// body read in progress is never interrupted by ctx.
func (d *Decoder) Next(ctx context.Context) (Frame, error) {
	d.state = Searching
	for {
		if err := ctx.Err(); err != nil {
			d.state = Searching
			return Frame{}, err
		}

		b, err := d.r.ReadByte()
		if err != nil {
			d.state = Searching
			if isTimeout(err) {
				return Frame{}, ErrReadTimeout
			}
			return Frame{}, fmt.Errorf("frame: read: %w", err)
		}
		d.consumed++

		switch {
		case b == MagicHi && d.state == HaveFirstMarkerByte:
			d.state = ReadingBody
			return d.readBody()
		case b == MagicLo:
			d.state = HaveFirstMarkerByte
		default:
			d.state = Searching
		}
	}
}

func (d *Decoder) readBody() (Frame, error) {
	n, err := io.ReadFull(d.r, d.body[:])
	d.consumed += uint64(n)
	d.state = Searching
	if err != nil {
		if isTimeout(err) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortBody
		}
		return Frame{}, fmt.Errorf("frame: read body: %w", err)
	}
	d.decoded++
	return decodeBody(d.body[:], d.now()), nil
}
