// Package pacing simulates human reply latency.
package pacing

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	DefaultBaseProbability = 0.2
	DefaultGrowthRate      = 0.25
	DefaultTypingPerChar   = 1300 * time.Millisecond

	maxMinute = 60
)

// ErrMinuteOutOfRange is returned by Probability for minutes outside [0,60].
var ErrMinuteOutOfRange = errors.New("pacing: minute must be between 0 and 60")

// Simulator draws reply delays whose per-minute reply probability grows
// exponentially, so short delays dominate but a long tail remains.
type Simulator struct {
	baseProbability float64
	growthRate      float64
	typingPerChar   time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

type Option func(*Simulator)

func WithBaseProbability(p float64) Option {
	return func(s *Simulator) {
		if p > 0 {
			s.baseProbability = p
		}
	}
}

func WithGrowthRate(r float64) Option {
	return func(s *Simulator) {
		if r >= 0 {
			s.growthRate = r
		}
	}
}

// WithTypingPerChar sets the extra delay added per reply character.
func WithTypingPerChar(d time.Duration) Option {
	return func(s *Simulator) {
		if d >= 0 {
			s.typingPerChar = d
		}
	}
}

// New creates a Simulator drawing from rng. A nil rng is seeded from the clock.
func New(rng *rand.Rand, opts ...Option) *Simulator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s := &Simulator{
		baseProbability: DefaultBaseProbability,
		growthRate:      DefaultGrowthRate,
		typingPerChar:   DefaultTypingPerChar,
		rng:             rng,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Probability returns min(1, base * e^(growth*minute)).
func (s *Simulator) Probability(minute int) (float64, error) {
	if minute < 0 || minute > maxMinute {
		return 0, ErrMinuteOutOfRange
	}
	return math.Min(1, s.baseProbability*math.Exp(s.growthRate*float64(minute))), nil
}

// SampleDelay runs one Bernoulli trial per minute and returns the first minute
// that succeeds, clamped to at least 1. It returns 60 when no trial succeeds.
func (s *Simulator) SampleDelay() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for minute := 0; minute <= maxMinute; minute++ {
		p, _ := s.Probability(minute)
		if s.rng.Float64() < p {
			return max(minute, 1)
		}
	}
	return maxMinute
}

// SendTime schedules a reply: a sampled delay after received plus typing time
// proportional to the reply length.
func (s *Simulator) SendTime(received time.Time, reply string) time.Time {
	delay := time.Duration(s.SampleDelay()) * time.Minute
	typing := time.Duration(utf8.RuneCountInString(reply)) * s.typingPerChar
	return received.Add(delay + typing)
}
