package companion

import (
	"context"
	"math"
	"sync"
)

const (
	DefaultHistory   = 5
	DefaultTolerance = 1.0
)

// WeightWatcher keeps the most recent readings and decides whether the
// load has settled.
type WeightWatcher struct {
	size      int
	tolerance float64

	mu      sync.Mutex
	history []float64 // newest first
	changed chan struct{}
}

// NewWeightWatcher keeps size readings; stable means every reading lies
// strictly within tolerance of their mean.
func NewWeightWatcher(size int, tolerance float64) *WeightWatcher {
	if size <= 0 {
		size = DefaultHistory
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &WeightWatcher{
		size:      size,
		tolerance: tolerance,
		history:   make([]float64, 0, size),
		changed:   make(chan struct{}),
	}
}

// Observe records one reading.
func (w *WeightWatcher) Observe(weight float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.history) < w.size {
		w.history = append(w.history, 0)
	}
	copy(w.history[1:], w.history[:len(w.history)-1])
	w.history[0] = weight

	close(w.changed)
	w.changed = make(chan struct{})
}

// Latest returns the newest reading.
func (w *WeightWatcher) Latest() (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.history) == 0 {
		return 0, false
	}
	return w.history[0], true
}

// Stable returns the mean of a full, settled history.
func (w *WeightWatcher) Stable() (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stableLocked()
}

func (w *WeightWatcher) stableLocked() (float64, bool) {
	if len(w.history) != w.size {
		return 0, false
	}
	var sum float64
	for _, v := range w.history {
		sum += v
	}
	avg := sum / float64(len(w.history))
	for _, v := range w.history {
		if math.Abs(v-avg) >= w.tolerance {
			return 0, false
		}
	}
	return avg, true
}

// Reset forgets all readings.
func (w *WeightWatcher) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = w.history[:0]
}

// Wait blocks until done accepts the newest reading or ctx ends.
func (w *WeightWatcher) Wait(ctx context.Context, done func(latest float64) bool) (float64, error) {
	for {
		w.mu.Lock()
		changed := w.changed
		var (
			latest float64
			ok     bool
		)
		if len(w.history) > 0 {
			latest, ok = w.history[0], true
		}
		w.mu.Unlock()

		if ok && done(latest) {
			return latest, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-changed:
		}
	}
}

// WaitStable blocks until the history settles and returns its mean.
func (w *WeightWatcher) WaitStable(ctx context.Context) (float64, error) {
	for {
		w.mu.Lock()
		changed := w.changed
		avg, ok := w.stableLocked()
		w.mu.Unlock()

		if ok {
			return avg, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-changed:
		}
	}
}
