package testsupport

import (
	"errors"
	"sync"

	"loom/internal/sysprobe"
)

// Sampler replays scripted readings. Once the script runs out it repeats the
// last reading.
type Sampler struct {
	mu       sync.Mutex
	readings []sysprobe.Usage
	next     int
	err      error
}

// NewSampler returns a Sampler that yields readings in order.
func NewSampler(readings ...sysprobe.Usage) *Sampler {
	return &Sampler{readings: readings}
}

// Push appends readings to the script.
func (s *Sampler) Push(readings ...sysprobe.Usage) {
	s.mu.Lock()
	s.readings = append(s.readings, readings...)
	s.mu.Unlock()
}

// Fail makes subsequent samples return err.
func (s *Sampler) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Sample implements sysprobe.Sampler.
func (s *Sampler) Sample() (sysprobe.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return sysprobe.Usage{}, s.err
	}
	if len(s.readings) == 0 {
		return sysprobe.Usage{}, errors.New("no scripted readings")
	}
	idx := s.next
	if idx >= len(s.readings) {
		idx = len(s.readings) - 1
	} else {
		s.next++
	}
	return s.readings[idx], nil
}
