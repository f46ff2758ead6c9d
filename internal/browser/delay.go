package browser

import (
	"math/rand"
	"time"
)

// DelayStrategy controls the pacing of simulated input events. The production
// strategy randomizes delays so typing resembles a human; tests inject
// NoDelay to run deterministically.
type DelayStrategy interface {
	// Pause blocks between discrete page interactions (click, submit).
	Pause()
	// KeyDelay returns the per-keystroke delay in milliseconds.
	KeyDelay() float64
}

// NoDelay performs every interaction immediately.
type NoDelay struct{}

func (NoDelay) Pause() {}

func (NoDelay) KeyDelay() float64 { return 0 }

// FixedDelay waits the same duration between interactions.
type FixedDelay struct {
	Interval time.Duration
	PerKey   float64
}

func (d FixedDelay) Pause() { time.Sleep(d.Interval) }

func (d FixedDelay) KeyDelay() float64 { return d.PerKey }

// HumanDelay waits a randomized duration within [Min, Max] between
// interactions and types with 50-150ms per keystroke.
type HumanDelay struct {
	Min time.Duration
	Max time.Duration
}

// DefaultHumanDelay matches the pacing the target site tolerates without
// tripping its automation detection.
func DefaultHumanDelay() HumanDelay {
	return HumanDelay{Min: 200 * time.Millisecond, Max: 800 * time.Millisecond}
}

func (d HumanDelay) Pause() {
	span := d.Max - d.Min
	if span <= 0 {
		time.Sleep(d.Min)
		return
	}
	time.Sleep(d.Min + time.Duration(rand.Int63n(int64(span))))
}

func (d HumanDelay) KeyDelay() float64 {
	return float64(50 + rand.Intn(100))
}
