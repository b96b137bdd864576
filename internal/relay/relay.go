// Package relay pipes raw PCM between one audio connection and the local
// microphone and speaker.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DonDistillo-Project/cocktail-robot/internal/protocol"
)

const (
	// DefaultSpeakerChunk is one speaker DMA unit: 1024 mono s16 samples.
	DefaultSpeakerChunk = 1024 * 2
	// DefaultMicChunk is one microphone DMA unit: 64 mono s16 samples.
	DefaultMicChunk = 64 * 2
	// DefaultReadPoll bounds each socket read so the downlink re-checks liveness.
	DefaultReadPoll = 100 * time.Millisecond
)

// ErrSpeakerStalled reports a speaker write that accepted nothing.
var ErrSpeakerStalled = errors.New("speaker accepted no bytes")

// Conn is the audio socket. net.Conn satisfies it.
type Conn interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
}

// Microphone yields exactly one DMA chunk per Read, blocking until it is ready.
type Microphone interface {
	Read(p []byte) (int, error)
}

// Speaker accepts PCM bytes and may take fewer than offered.
type Speaker interface {
	Write(p []byte) (int, error)
	Reset()
}

// Config sizes the relay buffers.
type Config struct {
	SpeakerChunk int
	MicChunk     int
	ReadPoll     time.Duration
	// OnDead runs once when the connection is first marked dead. It must
	// release a microphone Read that would otherwise never return.
	OnDead func()
}

// Stats counts bytes moved in each direction.
type Stats struct {
	Downlink int64
	Uplink   int64
}

// Relay runs the downlink and uplink tasks for one connection.
type Relay struct {
	conn    Conn
	mic     Microphone
	speaker Speaker
	cfg     Config
	logger  *slog.Logger

	live      atomic.Bool
	deadOnce  sync.Once
	downBytes atomic.Int64
	upBytes   atomic.Int64
}

// New binds a relay to conn. Zero config values fall back to defaults.
func New(conn Conn, mic Microphone, speaker Speaker, cfg Config, logger *slog.Logger) *Relay {
	if cfg.SpeakerChunk <= 0 {
		cfg.SpeakerChunk = DefaultSpeakerChunk
	}
	if cfg.MicChunk <= 0 {
		cfg.MicChunk = DefaultMicChunk
	}
	if cfg.ReadPoll <= 0 {
		cfg.ReadPoll = DefaultReadPoll
	}
	return &Relay{conn: conn, mic: mic, speaker: speaker, cfg: cfg, logger: logger}
}

// Live reports whether the connection is still considered usable.
func (r *Relay) Live() bool {
	return r.live.Load()
}

// Stats returns the byte counters.
func (r *Relay) Stats() Stats {
	return Stats{Downlink: r.downBytes.Load(), Uplink: r.upBytes.Load()}
}

// Run starts both tasks and returns once both have observed the connection
// as dead. Cancelling ctx marks the connection dead. The speaker is reset on
// return.
func (r *Relay) Run(ctx context.Context) error {
	r.live.Store(true)
	stop := context.AfterFunc(ctx, func() {
		r.markDead()
		_ = r.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var (
		wg      sync.WaitGroup
		downErr error
		upErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		downErr = r.downlink()
	}()
	go func() {
		defer wg.Done()
		upErr = r.uplink()
	}()
	wg.Wait()

	r.speaker.Reset()
	r.log("audio relay stopped", "downlink_bytes", r.downBytes.Load(), "uplink_bytes", r.upBytes.Load())
	return errors.Join(downErr, upErr)
}

// downlink moves socket bytes to the speaker, keeping sample alignment.
func (r *Relay) downlink() error {
	buf := make([]byte, r.cfg.SpeakerChunk+1)
	for r.live.Load() {
		_ = r.conn.SetReadDeadline(time.Now().Add(r.cfg.ReadPoll))
		n, err := r.conn.Read(buf[:r.cfg.SpeakerChunk])
		switch {
		case err != nil && !isTimeout(err):
			// Bytes delivered with the error still reach the speaker; a
			// trailing half sample cannot be completed and is dropped.
			if tail := n &^ 1; tail > 0 {
				if werr := protocol.WriteFull(speakerWriter{r}, buf[:tail]); werr == nil {
					r.downBytes.Add(int64(tail))
				}
			}
			return r.kill(fmt.Errorf("downlink read: %w", err))
		case n <= 0 && err == nil:
			return r.kill(fmt.Errorf("downlink read: %w", io.ErrNoProgress))
		case n <= 0:
			continue
		}

		if n%2 != 0 {
			if err := r.readOneMore(buf[n : n+1]); err != nil {
				return r.kill(err)
			}
			n++
		}

		if err := protocol.WriteFull(speakerWriter{r}, buf[:n]); err != nil {
			return r.kill(fmt.Errorf("speaker write: %w", err))
		}
		r.downBytes.Add(int64(n))
	}
	return nil
}

// readOneMore completes a half sample. Deadline timeouts are retried while
// the connection is live.
func (r *Relay) readOneMore(b []byte) error {
	for r.live.Load() {
		_ = r.conn.SetReadDeadline(time.Now().Add(r.cfg.ReadPoll))
		n, err := r.conn.Read(b)
		if n == 1 {
			return nil
		}
		if err != nil && isTimeout(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("downlink align read: %w", err)
		}
		return fmt.Errorf("downlink align read: %w", io.ErrNoProgress)
	}
	return fmt.Errorf("downlink align read: %w", net.ErrClosed)
}

// uplink moves microphone chunks to the socket.
func (r *Relay) uplink() error {
	buf := make([]byte, r.cfg.MicChunk)
	for r.live.Load() {
		n, err := r.mic.Read(buf)
		if err != nil {
			return r.kill(fmt.Errorf("microphone read: %w", err))
		}
		if !r.live.Load() {
			return nil
		}
		if n <= 0 {
			continue
		}
		if err := protocol.WriteFull(r.conn, buf[:n]); err != nil {
			return r.kill(fmt.Errorf("uplink write: %w", err))
		}
		r.upBytes.Add(int64(n))
	}
	return nil
}

// kill clears the liveness flag. It never sets it back.
func (r *Relay) kill(err error) error {
	r.markDead()
	r.log("audio connection lost", "error", err.Error())
	return err
}

func (r *Relay) markDead() {
	r.live.Store(false)
	r.deadOnce.Do(func() {
		if r.cfg.OnDead != nil {
			r.cfg.OnDead()
		}
	})
}

func (r *Relay) log(msg string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Debug(msg, args...)
}

// speakerWriter turns a zero-byte speaker write into an error so the flush
// loop cannot spin.
type speakerWriter struct{ r *Relay }

func (w speakerWriter) Write(p []byte) (int, error) {
	n, err := w.r.speaker.Write(p)
	if n <= 0 && err == nil {
		err = ErrSpeakerStalled
	}
	return n, err
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
