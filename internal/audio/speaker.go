package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const (
	// DefaultSpeakerSampleRate matches the I2S amplifier clock.
	DefaultSpeakerSampleRate = 48000
	// DefaultSpeakerChunkSamples is one speaker DMA unit.
	DefaultSpeakerChunkSamples = 1024
	// DefaultSpeakerChunkCount is how many DMA units the speaker buffers.
	DefaultSpeakerChunkCount = 4
	// DefaultSpeakerWriteTimeout bounds how long Write waits for free space.
	DefaultSpeakerWriteTimeout = time.Second
)

// ErrSpeakerClosed is returned by writes after Close.
var ErrSpeakerClosed = errors.New("speaker closed")

// SpeakerConfig sizes the playback stream and its queue.
type SpeakerConfig struct {
	SampleRate   int
	ChunkSamples int
	ChunkCount   int
	WriteTimeout time.Duration
}

func (c SpeakerConfig) withDefaults() SpeakerConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSpeakerSampleRate
	}
	if c.ChunkSamples <= 0 {
		c.ChunkSamples = DefaultSpeakerChunkSamples
	}
	if c.ChunkCount <= 0 {
		c.ChunkCount = DefaultSpeakerChunkCount
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultSpeakerWriteTimeout
	}
	return c
}

// ChunkBytes is the size of one speaker DMA unit in bytes.
func (c SpeakerConfig) ChunkBytes() int {
	return c.withDefaults().ChunkSamples * 2
}

// Speaker plays mono s16le PCM on one Pulse sink through a bounded queue.
type Speaker struct {
	device Device
	queue  *pcmQueue

	client *pulse.Client
	stream *pulse.PlaybackStream

	closeOnce sync.Once
}

// OpenSpeaker creates and starts a playback stream on the selected sink. The
// stream plays silence whenever the queue runs dry.
func OpenSpeaker(ctx context.Context, selected Device, cfg SpeakerConfig) (*Speaker, error) {
	cfg = cfg.withDefaults()
	client, err := newClient("audio-speakers")
	if err != nil {
		return nil, err
	}

	sink, err := client.SinkByID(selected.ID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve sink %q: %w", selected.ID, err)
	}

	speaker := &Speaker{
		device: selected,
		queue:  newPCMQueue(cfg.ChunkSamples*2*cfg.ChunkCount, cfg.WriteTimeout),
		client: client,
	}

	reader := pulse.NewReader(readerFunc(speaker.queue.fill), pulseproto.FormatInt16LE)
	stream, err := client.NewPlayback(
		reader,
		pulse.PlaybackSink(sink),
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(cfg.SampleRate),
		pulse.PlaybackLatency(float64(cfg.ChunkSamples)/float64(cfg.SampleRate)),
		pulse.PlaybackMediaName("cocktail-robot intercom"),
	)
	if err != nil {
		speaker.Close()
		return nil, fmt.Errorf("create pulse playback stream: %w", err)
	}

	speaker.stream = stream
	stream.Start()

	go func() {
		<-ctx.Done()
		speaker.Close()
	}()

	return speaker, nil
}

// Device returns sink metadata for logging and diagnostics.
func (s *Speaker) Device() Device {
	return s.device
}

// Write queues as much of p as fits, waiting for free space up to the write
// timeout. It may accept fewer bytes than offered, and zero on timeout.
func (s *Speaker) Write(p []byte) (int, error) {
	return s.queue.Write(p)
}

// Reset drops queued audio so the speaker falls silent.
func (s *Speaker) Reset() {
	s.queue.Reset()
}

// Close stops playback and fails pending writes.
func (s *Speaker) Close() {
	s.closeOnce.Do(func() {
		s.queue.Close()
		if s.stream != nil {
			s.stream.Stop()
			s.stream.Close()
		}
		if s.client != nil {
			s.client.Close()
		}
	})
}

// pcmQueue is a fixed-capacity byte ring shared by writers and the Pulse
// reader callback.
type pcmQueue struct {
	timeout time.Duration

	mu     sync.Mutex
	ring   []byte
	head   int
	size   int
	space  chan struct{}
	closed bool
}

func newPCMQueue(capacity int, timeout time.Duration) *pcmQueue {
	return &pcmQueue{
		timeout: timeout,
		ring:    make([]byte, capacity),
		space:   make(chan struct{}),
	}
}

func (q *pcmQueue) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return 0, ErrSpeakerClosed
		}
		if free := len(q.ring) - q.size; free > 0 {
			n := min(free, len(p))
			tail := (q.head + q.size) % len(q.ring)
			first := copy(q.ring[tail:], p[:n])
			copy(q.ring, p[first:n])
			q.size += n
			q.mu.Unlock()
			return n, nil
		}
		space := q.space
		q.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(q.timeout)
		}
		select {
		case <-space:
		case <-timer.C:
			return 0, nil
		}
	}
}

// fill copies queued bytes into out and pads the rest with silence.
func (q *pcmQueue) fill(out []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, io.EOF
	}

	n := min(q.size, len(out))
	first := copy(out[:n], q.ring[q.head:])
	copy(out[first:n], q.ring)
	q.head = (q.head + n) % len(q.ring)
	q.size -= n
	clear(out[n:])

	if n > 0 {
		q.signalLocked()
	}
	return len(out), nil
}

func (q *pcmQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.head = 0
	q.size = 0
	q.signalLocked()
}

func (q *pcmQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.space)
}

func (q *pcmQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *pcmQueue) signalLocked() {
	if q.closed {
		return
	}
	close(q.space)
	q.space = make(chan struct{})
}

// readerFunc adapts a function to io.Reader for pulse.NewReader.
type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(b []byte) (int, error) {
	return f(b)
}
