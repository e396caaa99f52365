// Package frame defines the linear-sensor frame type and the wire codec used
// to recover frames from an unstructured serial byte stream.
//
// Wire format, all integers little-endian:
//
//	magic       2 bytes   0xABCD (bytes 0xCD, 0xAB)
//	frame no.   2 bytes   uint16, wraps at 65536
//	samples  7388 bytes   3694 × uint16
//
// The stream carries no length or checksum; resynchronisation relies solely
// on the magic marker. See [Decoder].
package frame

import (
	"encoding/binary"
	"time"
)

const (
	// PixelCount is the number of samples in one frame.
	PixelCount = 3694

	// HeaderSize is the size of magic plus frame number.
	HeaderSize = 4

	// Size is the total size of one frame on the wire.
	Size = HeaderSize + PixelCount*2

	// BodySize is the number of bytes following the magic marker.
	BodySize = Size - 2

	// Magic is the frame start marker.
	Magic uint16 = 0xABCD

	// MagicLo and MagicHi are the marker bytes in stream order.
	MagicLo byte = 0xCD
	MagicHi byte = 0xAB

	// UsefulStart is the first light-sensitive sample.
	UsefulStart = 32

	// UsefulEnd is one past the last light-sensitive sample.
	UsefulEnd = 3679
)

// Samples is the fixed-size sample array carried by a [Frame].
type Samples = [PixelCount]uint16

// Frame is one complete sensor capture. Frames are plain values: copying a
// Frame copies its samples, so a Frame never changes after it is decoded.
type Frame struct {
	// Seq is the device frame counter. It increments by one per frame and
	// wraps from 65535 to 0.
	Seq uint16

	// Samples holds the raw sensor readings in sensor order.
	Samples Samples

	// CapturedAt is the local time the frame finished decoding. It carries a
	// monotonic clock reading, so differences between frames are safe.
	CapturedAt time.Time
}

// Encode returns the wire representation of f.
func Encode(f Frame) []byte {
	return AppendEncoded(make([]byte, 0, Size), f)
}

// AppendEncoded appends the wire representation of f to b.
func AppendEncoded(b []byte, f Frame) []byte {
	b = binary.LittleEndian.AppendUint16(b, Magic)
	b = binary.LittleEndian.AppendUint16(b, f.Seq)
	for _, s := range f.Samples {
		b = binary.LittleEndian.AppendUint16(b, s)
	}
	return b
}

// decodeBody parses the bytes that follow the magic marker.
func decodeBody(body []byte, capturedAt time.Time) Frame {
	f := Frame{
		Seq:        binary.LittleEndian.Uint16(body[0:2]),
		CapturedAt: capturedAt,
	}
	samples := body[2:]
	for i := range f.Samples {
		f.Samples[i] = binary.LittleEndian.Uint16(samples[2*i:])
	}
	return f
}
