package display

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	// DefaultQueueDepth is how many render commands may wait for the screen.
	DefaultQueueDepth = 10
	// DefaultSubmitTimeout bounds how long Submit waits for queue space.
	DefaultSubmitTimeout = time.Second
	// DefaultPopupDuration is how long a success or error pop-up stays up.
	DefaultPopupDuration = time.Second
)

// Options tunes queue depth and timing of a Sink.
type Options struct {
	QueueDepth    int
	SubmitTimeout time.Duration
	PopupDuration time.Duration
}

// Sink is a bounded FIFO of render commands drained by Run.
type Sink struct {
	queue   chan Command
	timeout time.Duration
	popup   time.Duration
	screen  Screen
	logger  *slog.Logger

	dropped atomic.Int64
}

// NewSink builds a sink drawing on screen. Zero options fall back to defaults.
func NewSink(screen Screen, opts Options, logger *slog.Logger) *Sink {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = DefaultSubmitTimeout
	}
	if opts.PopupDuration < 0 {
		opts.PopupDuration = 0
	}
	return &Sink{
		queue:   make(chan Command, opts.QueueDepth),
		timeout: opts.SubmitTimeout,
		popup:   opts.PopupDuration,
		screen:  screen,
		logger:  logger,
	}
}

// Submit enqueues cmd, waiting at most the submit timeout for space.
// It returns false when the consumer is backed up; the command is dropped.
func (s *Sink) Submit(cmd Command) bool {
	select {
	case s.queue <- cmd:
		return true
	default:
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case s.queue <- cmd:
		return true
	case <-timer.C:
		s.dropped.Add(1)
		if s.logger != nil {
			s.logger.Warn("render queue full; command dropped", "kind", Kind(cmd), "dropped_total", s.dropped.Load())
		}
		return false
	}
}

// Dropped reports how many commands Submit has discarded.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Run draws queued commands in submission order until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-s.queue:
			s.draw(ctx, cmd)
		}
	}
}

func (s *Sink) draw(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case Recipe:
		s.screen.ShowRecipe(c.Text)
		s.screen.ShowScale(0, 0)
	case Instruction:
		s.screen.ShowInstruction(c.Text)
	case Success:
		s.showPopup(ctx, PopupSuccess, c.Text)
	case Error:
		s.showPopup(ctx, PopupError, c.Text)
	case Scale:
		s.screen.ShowScale(c.Value, c.Target)
	default:
		if s.logger != nil {
			s.logger.Warn("unknown render command", "kind", Kind(cmd))
		}
	}
}

// showPopup holds the pop-up for the configured duration, then clears the layout.
func (s *Sink) showPopup(ctx context.Context, kind PopupKind, text string) {
	s.screen.ShowPopup(kind, text)
	if s.popup > 0 {
		timer := time.NewTimer(s.popup)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
	s.screen.Clear()
}
