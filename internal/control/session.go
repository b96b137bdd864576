// Package control runs the recipe session of one control connection: it
// decodes commands, drives the display and scale, and streams weight
// notifications back to the companion.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DonDistillo-Project/cocktail-robot/internal/display"
	"github.com/DonDistillo-Project/cocktail-robot/internal/fsm"
	"github.com/DonDistillo-Project/cocktail-robot/internal/protocol"
)

const (
	// DefaultPollInterval paces weight notifications while a recipe runs.
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultWriteTimeout bounds one notification write.
	DefaultWriteTimeout = time.Second

	finishedText = "Recipe finished"
	abortedText  = "Recipe aborted"
)

// ErrUnexpectedCommand is a well-formed command that is not valid in the
// current phase.
var ErrUnexpectedCommand = errors.New("unexpected command")

// Scale is the session-facing subset of the load cell.
type Scale interface {
	Weight() (float64, error)
	Zero() error
}

// Renderer accepts display commands without blocking for long.
type Renderer interface {
	Submit(display.Command) bool
}

// Conn is the control socket. net.Conn satisfies it.
type Conn interface {
	io.Reader
	io.Writer
	SetWriteDeadline(t time.Time) error
}

// Config paces the running phase.
type Config struct {
	PollInterval time.Duration
	WriteTimeout time.Duration
}

// RecipeSession is the per-connection recipe state. Only the session
// goroutine writes it.
type RecipeSession struct {
	Phase        fsm.State
	Recipe       string
	ScaleEnabled bool
	ScaleTarget  float64
}

// Status is a point-in-time copy of a session for status queries.
type Status struct {
	SessionID     string    `json:"session_id"`
	Peer          string    `json:"peer,omitempty"`
	Phase         string    `json:"phase"`
	Recipe        string    `json:"recipe,omitempty"`
	ScaleEnabled  bool      `json:"scale_enabled"`
	ScaleTarget   float64   `json:"scale_target,omitempty"`
	Notifications int64     `json:"notifications"`
	StartedAt     time.Time `json:"started_at"`
}

// Session serves one control connection until it fails or ctx ends.
type Session struct {
	id     string
	peer   string
	conn   Conn
	scale  Scale
	render Renderer
	cfg    Config
	logger *slog.Logger

	state     RecipeSession
	startedAt time.Time

	mu       sync.RWMutex
	snapshot RecipeSession
	notified atomic.Int64
}

// NewSession binds a session to conn. Zero config values fall back to defaults.
func NewSession(id, peer string, conn Conn, scale Scale, render Renderer, cfg Config, logger *slog.Logger) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Session{
		id:        id,
		peer:      peer,
		conn:      conn,
		scale:     scale,
		render:    render,
		cfg:       cfg,
		logger:    logger.With("session_id", id),
		state:     RecipeSession{Phase: fsm.StateWaitingForStart},
		startedAt: time.Now(),
	}
	s.snapshot = s.state
	return s
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// Status returns a copy of the last published recipe state.
func (s *Session) Status() Status {
	s.mu.RLock()
	snap := s.snapshot
	s.mu.RUnlock()
	return Status{
		SessionID:     s.id,
		Peer:          s.peer,
		Phase:         string(snap.Phase),
		Recipe:        snap.Recipe,
		ScaleEnabled:  snap.ScaleEnabled,
		ScaleTarget:   snap.ScaleTarget,
		Notifications: s.notified.Load(),
		StartedAt:     s.startedAt,
	}
}

// Run loops over recipes until the connection fails. It returns nil when ctx
// ends the session and the failure otherwise. The caller closes the conn,
// which also releases the frame reader.
func (s *Session) Run(ctx context.Context) error {
	frames := make(chan protocol.Command)
	readErr := make(chan error, 1)

	readerCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()
	go s.readFrames(readerCtx, frames, readErr)

	for {
		var err error
		switch s.state.Phase {
		case fsm.StateWaitingForStart:
			err = s.awaitStart(ctx, frames, readErr)
		case fsm.StateRunning:
			err = s.runRecipe(ctx, frames, readErr)
		default:
			err = fmt.Errorf("session in phase %s", s.state.Phase)
		}
		if err != nil {
			s.close()
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Info("control session closed", "error", err.Error())
			return err
		}
	}
}

// readFrames decodes commands and hands each to the session goroutine.
func (s *Session) readFrames(ctx context.Context, frames chan<- protocol.Command, readErr chan<- error) {
	for {
		cmd, err := protocol.ReadCommand(s.conn)
		if err != nil {
			readErr <- err
			return
		}
		select {
		case frames <- cmd:
		case <-ctx.Done():
			return
		}
	}
}

// awaitStart blocks for exactly one frame, which must be StartRecipe.
func (s *Session) awaitStart(ctx context.Context, frames <-chan protocol.Command, readErr <-chan error) error {
	var cmd protocol.Command
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-readErr:
		return fmt.Errorf("read command: %w", err)
	case cmd = <-frames:
	}

	start, ok := cmd.(protocol.StartRecipe)
	if !ok {
		return fmt.Errorf("%w: %s while waiting for start", ErrUnexpectedCommand, cmd.Opcode())
	}
	if err := s.transition(fsm.EventStart); err != nil {
		return err
	}
	s.state.ScaleEnabled = false
	s.state.ScaleTarget = 0
	s.state.Recipe = start.Name
	s.publish()

	s.logger.Info("recipe started", "recipe", start.Name)
	s.submit(display.Recipe{Text: start.Name})
	return nil
}

// runRecipe serves commands and ticks until the recipe ends or the session fails.
func (s *Session) runRecipe(ctx context.Context, frames <-chan protocol.Command, readErr <-chan error) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for s.state.Phase == fsm.StateRunning {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("read command: %w", err)
		case cmd := <-frames:
			if err := s.dispatch(cmd); err != nil {
				return err
			}
		case <-ticker.C:
			if err := s.tick(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) dispatch(cmd protocol.Command) error {
	switch c := cmd.(type) {
	case protocol.DoStep:
		s.doStep(c)
		return nil
	case protocol.ZeroScale:
		s.zero()
		return nil
	case protocol.FinishRecipe:
		s.submit(display.Success{Text: finishedText})
		s.logger.Info("recipe finished", "recipe", s.state.Recipe)
		return s.endRecipe(fsm.EventFinish)
	case protocol.AbortRecipe:
		s.submit(display.Error{Text: abortedText})
		s.logger.Info("recipe aborted", "recipe", s.state.Recipe)
		return s.endRecipe(fsm.EventAbort)
	default:
		return fmt.Errorf("%w: %s while running", ErrUnexpectedCommand, cmd.Opcode())
	}
}

func (s *Session) doStep(step protocol.DoStep) {
	if step.HasTarget() {
		s.state.ScaleEnabled = true
		s.state.ScaleTarget = step.DeltaTarget
		s.zero()
		if weight, ok := s.weight(); ok {
			s.submit(display.Scale{Value: weight, Target: step.DeltaTarget})
		}
	} else {
		s.state.ScaleEnabled = false
		s.state.ScaleTarget = 0
		s.submit(display.Scale{Value: 0, Target: 0})
	}
	s.publish()

	s.logger.Debug("step",
		"instruction", step.Instruction,
		"target", step.DeltaTarget,
		"has_target", step.HasTarget(),
		"has_stable_offset", step.HasStableOffset(),
	)
	s.submit(display.Instruction{Text: step.Instruction})
}

// tick sends one weight notification and refreshes the fill bar.
func (s *Session) tick() error {
	weight, ok := s.weight()
	if !ok {
		return nil
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := protocol.WriteNotification(s.conn, protocol.NotifyWeight{Value: weight}); err != nil {
		return fmt.Errorf("notify weight: %w", err)
	}
	s.notified.Add(1)

	if s.state.ScaleEnabled {
		s.submit(display.Scale{Value: weight, Target: s.state.ScaleTarget})
	}
	return nil
}

func (s *Session) endRecipe(event fsm.Event) error {
	if err := s.transition(event); err != nil {
		return err
	}
	s.state.Recipe = ""
	s.state.ScaleEnabled = false
	s.state.ScaleTarget = 0
	s.publish()
	return nil
}

// weight reads the scale. Sensor failures are logged and skipped.
func (s *Session) weight() (float64, bool) {
	weight, err := s.scale.Weight()
	if err != nil {
		s.logger.Warn("scale read failed", "error", err.Error())
		return 0, false
	}
	return weight, true
}

// zero re-zeroes the scale. On failure the previous zero point stays.
func (s *Session) zero() {
	if err := s.scale.Zero(); err != nil {
		s.logger.Warn("scale zero failed", "error", err.Error())
	}
}

func (s *Session) submit(cmd display.Command) {
	if s.render == nil {
		return
	}
	if !s.render.Submit(cmd) {
		s.logger.Warn("render command dropped", "kind", display.Kind(cmd))
	}
}

func (s *Session) transition(event fsm.Event) error {
	next, err := fsm.Transition(s.state.Phase, event)
	if err != nil {
		return err
	}
	s.state.Phase = next
	return nil
}

func (s *Session) close() {
	if next, err := fsm.Transition(s.state.Phase, fsm.EventFail); err == nil {
		s.state.Phase = next
	}
	s.publish()
}

func (s *Session) publish() {
	s.mu.Lock()
	s.snapshot = s.state
	s.mu.Unlock()
}
