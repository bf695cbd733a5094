// Package backoff implements randomized, capped exponential backoff
// schedules. Unlike a retry-until-success helper, a Schedule here is a
// fixed-length sequence of wait durations: the caller drives its own
// retry loop and asks the schedule for the Nth delay.
package backoff

import (
	"math/rand"
	"time"
)

// Config describes one backoff schedule: Min is the first delay, Rand is
// the maximum jitter added at every step, Max caps the exponential part
// of any single delay (the jitter is added on top of the cap), and
// Retries bounds how many delays the schedule produces before it is
// exhausted.
type Config struct {
	Min     time.Duration
	Rand    time.Duration
	Max     time.Duration
	Retries int
}

// DefaultProposing is the Proposer's standard retry schedule: 200ms
// initial delay, up to 300ms of jitter per step, capped at one minute
// before jitter, exhausted after 7 retries.
func DefaultProposing() Config {
	return Config{Min: 200 * time.Millisecond, Rand: 300 * time.Millisecond, Max: time.Minute, Retries: 7}
}

// Schedule is a running instance of a Config: it remembers how many
// delays it has already produced.
type Schedule struct {
	cfg     Config
	attempt int
}

// New starts a fresh schedule from cfg.
func New(cfg Config) *Schedule {
	return &Schedule{cfg: cfg}
}

// Next returns the delay for the next attempt and true, or false if the
// schedule is exhausted (attempt count has reached cfg.Retries).
func (s *Schedule) Next() (time.Duration, bool) {
	if s.attempt >= s.cfg.Retries {
		return 0, false
	}
	d := s.cfg.Min << uint(s.attempt)
	if d <= 0 || (s.cfg.Max > 0 && d > s.cfg.Max) {
		d = s.cfg.Max
	}
	if s.cfg.Rand > 0 {
		d += time.Duration(rand.Int63n(int64(s.cfg.Rand)))
	}
	s.attempt++
	return d, true
}

// Attempt returns how many delays have been produced so far.
func (s *Schedule) Attempt() int { return s.attempt }

// Exhausted reports whether the schedule has produced its Retries-th
// delay already.
func (s *Schedule) Exhausted() bool { return s.attempt >= s.cfg.Retries }

// Jitter returns a random ballot-ordinal increment in [1, n), used to
// pick the next ballot ordinal strictly above the one that was refused.
func Jitter(n int64) int64 {
	if n <= 1 {
		return 1
	}
	return 1 + rand.Int63n(n-1)
}
