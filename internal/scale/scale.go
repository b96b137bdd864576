// Package scale provides load-cell readings to the control session.
package scale

import (
	"errors"
	"fmt"
	"sync"
)

// ErrSensor marks failures of the weighing hardware, as opposed to protocol or
// transport failures. Callers test for it with errors.Is.
var ErrSensor = errors.New("scale sensor")

// Sensor is a calibrated weight source with a movable zero point.
type Sensor interface {
	// Weight blocks until a fresh calibrated reading in grams is available.
	Weight() (float64, error)
	// Zero captures the current load as the new zero point.
	Zero() error
}

// Simulated is an in-memory Sensor used when no load cell is attached.
type Simulated struct {
	mu    sync.Mutex
	gross float64
	tare  float64
	err   error
}

// NewSimulated returns an empty simulated scale reading 0 g.
func NewSimulated() *Simulated {
	return &Simulated{}
}

// Set places a gross load of grams on the scale.
func (s *Simulated) Set(grams float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gross = grams
}

// Add pours delta grams onto the scale.
func (s *Simulated) Add(delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gross += delta
}

// Fail makes subsequent reads fail with err until Fail(nil) is called.
func (s *Simulated) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Weight returns the gross load minus the zero point.
func (s *Simulated) Weight() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSensor, s.err)
	}
	return s.gross - s.tare, nil
}

// Zero moves the zero point to the current gross load.
func (s *Simulated) Zero() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return fmt.Errorf("%w: %w", ErrSensor, s.err)
	}
	s.tare = s.gross
	return nil
}
