package serial

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/ccdscope/pkg/frame"
)

// SimulatorPort is the only port name a [Simulator] lists.
const SimulatorPort = "sim0"

// Simulated sensor levels in raw (uninverted) counts.
const (
	simShieldLevel = 60000
	simLightLevel  = 20000
	simShadowDepth = 25000
	simNoise       = 300
)

// Simulator is a [Driver] whose ports stream synthetic frames: a shielded
// lead-in of varying length followed by an illuminated region with one
// shadow, at a fixed frame rate.
type Simulator struct {
	// Interval between frames. Defaults to 10ms.
	Interval time.Duration

	// DropEvery skips one frame number every DropEvery frames. Zero disables
	// drops.
	DropEvery int

	// Garbage is the number of junk bytes emitted before the first frame.
	Garbage int

	// Seed makes the noise reproducible.
	Seed uint64
}

var _ Driver = (*Simulator)(nil)

// Open implements [Driver]. Any name is accepted.
func (s *Simulator) Open(context.Context, string) (Port, error) {
	interval := s.Interval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	p := &simPort{
		interval:  interval,
		dropEvery: s.DropEvery,
		rng:       rand.New(rand.NewPCG(s.Seed, s.Seed^0x9e3779b97f4a7c15)),
		closed:    make(chan struct{}),
		next:      time.Now(),
	}
	for range s.Garbage {
		// Junk never contains a marker byte, so it cannot start a false frame.
		b := byte(p.rng.IntN(256))
		if b == frame.MagicLo {
			b = 0
		}
		p.pending = append(p.pending, b)
	}
	return p, nil
}

// Ports implements [Driver].
func (s *Simulator) Ports(context.Context) ([]PortInfo, error) {
	return []PortInfo{{Name: SimulatorPort, Description: "Simulated CCD (USB Serial)"}}, nil
}

type simPort struct {
	interval  time.Duration
	dropEvery int
	rng       *rand.Rand

	pending []byte
	seq     uint16
	emitted int
	next    time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func (p *simPort) Read(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, ErrClosed
	default:
	}
	if len(p.pending) == 0 {
		if wait := time.Until(p.next); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-p.closed:
				t.Stop()
				return 0, ErrClosed
			case <-t.C:
			}
		}
		p.next = p.next.Add(p.interval)
		p.pending = frame.AppendEncoded(p.pending, p.generate())
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *simPort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *simPort) generate() frame.Frame {
	p.emitted++
	if p.dropEvery > 0 && p.emitted%p.dropEvery == 0 {
		p.seq++
	}
	f := frame.Frame{Seq: p.seq}
	p.seq++

	edge := frame.UsefulStart + p.rng.IntN(17) - 8
	center := 1200 + 400*math.Sin(float64(p.emitted)/50)
	for i := range f.Samples {
		v := float64(simShieldLevel)
		if i >= edge {
			d := (float64(i) - center) / 60
			v = simLightLevel + simShadowDepth*math.Exp(-d*d)
		}
		v += p.rng.NormFloat64() * simNoise
		f.Samples[i] = uint16(min(max(v, 0), math.MaxUint16))
	}
	return f
}
