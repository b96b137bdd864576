package audio

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const (
	// DefaultMicSampleRate matches the I2S microphone clock.
	DefaultMicSampleRate = 32000
	// DefaultMicChunkSamples is one microphone DMA unit.
	DefaultMicChunkSamples = 64
	// micBacklog bounds how many chunks wait for a reader before new ones are dropped.
	micBacklog = 64
)

// MicConfig sizes the microphone stream.
type MicConfig struct {
	SampleRate   int
	ChunkSamples int
}

func (c MicConfig) withDefaults() MicConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultMicSampleRate
	}
	if c.ChunkSamples <= 0 {
		c.ChunkSamples = DefaultMicChunkSamples
	}
	return c
}

// ChunkBytes is the size of one Read result.
func (c MicConfig) ChunkBytes() int {
	return c.withDefaults().ChunkSamples * 2
}

// Microphone streams fixed-size mono s16le chunks from one Pulse source.
type Microphone struct {
	device     Device
	chunkBytes int

	client *pulse.Client
	stream *pulse.RecordStream

	chunks chan []byte
	stopCh chan struct{}

	mu      sync.Mutex
	pending []byte
	stopped bool

	inflight sync.WaitGroup
	bytes    atomic.Int64
	dropped  atomic.Int64
}

// OpenMicrophone creates and starts a record stream on the selected source.
// The stream stops when ctx is cancelled or Close is called.
func OpenMicrophone(ctx context.Context, selected Device, cfg MicConfig) (*Microphone, error) {
	cfg = cfg.withDefaults()
	client, err := newClient("audio-input-microphone")
	if err != nil {
		return nil, err
	}

	source, err := client.SourceByID(selected.ID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve source %q: %w", selected.ID, err)
	}

	mic := newMicrophone(selected, cfg.ChunkSamples*2)
	mic.client = client

	writer := pulse.NewWriter(writerFunc(mic.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(cfg.SampleRate),
		pulse.RecordBufferFragmentSize(uint32(mic.chunkBytes)),
		pulse.RecordMediaName("cocktail-robot intercom"),
	)
	if err != nil {
		mic.Close()
		return nil, fmt.Errorf("create pulse record stream: %w", err)
	}

	mic.stream = stream
	stream.Start()

	go func() {
		select {
		case <-ctx.Done():
			_ = mic.Stop()
		case <-mic.stopCh:
		}
	}()

	return mic, nil
}

func newMicrophone(device Device, chunkBytes int) *Microphone {
	return &Microphone{
		device:     device,
		chunkBytes: chunkBytes,
		chunks:     make(chan []byte, micBacklog),
		stopCh:     make(chan struct{}),
	}
}

// Device returns source metadata for logging and diagnostics.
func (m *Microphone) Device() Device {
	return m.device
}

// Read blocks until one full chunk is available and copies it into p.
// p should hold at least one chunk; excess chunk bytes are discarded.
func (m *Microphone) Read(p []byte) (int, error) {
	chunk, ok := <-m.chunks
	if !ok {
		return 0, io.EOF
	}
	return copy(p, chunk), nil
}

// BytesCaptured reports total bytes accepted from Pulse.
func (m *Microphone) BytesCaptured() int64 {
	return m.bytes.Load()
}

// Dropped reports chunks discarded because no reader kept up.
func (m *Microphone) Dropped() int64 {
	return m.dropped.Load()
}

// Stop halts the stream and closes the chunk channel exactly once. A trailing
// partial chunk is discarded.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.stopCh)
	m.pending = nil
	m.mu.Unlock()

	if m.stream != nil {
		m.stream.Stop()
		m.stream.Close()
	}
	if m.client != nil {
		m.client.Close()
	}

	m.inflight.Wait()
	close(m.chunks)
	return nil
}

// Close is a convenience alias for Stop.
func (m *Microphone) Close() {
	_ = m.Stop()
}

// onPCM receives raw Pulse frames and emits chunkBytes slices to m.chunks.
func (m *Microphone) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return 0, io.EOF
	}
	// Add under the same mutex as m.stopped to avoid Add/Wait races.
	m.inflight.Add(1)

	m.pending = append(m.pending, buffer...)
	chunks := make([][]byte, 0, len(m.pending)/m.chunkBytes)
	for len(m.pending) >= m.chunkBytes {
		chunk := make([]byte, m.chunkBytes)
		copy(chunk, m.pending[:m.chunkBytes])
		m.pending = m.pending[m.chunkBytes:]
		chunks = append(chunks, chunk)
	}
	m.mu.Unlock()
	defer m.inflight.Done()

	m.bytes.Add(int64(len(buffer)))

	for _, chunk := range chunks {
		select {
		case m.chunks <- chunk:
		default:
			m.dropped.Add(1)
		}
	}

	return len(buffer), nil
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}
