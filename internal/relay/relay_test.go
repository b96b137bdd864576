package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptConn replays scripted reads, then reports deadline timeouts until
// closed. Writes are recorded or fail with writeErr.
type scriptConn struct {
	mu       sync.Mutex
	reads    [][]byte
	tail     []byte // delivered together with readErr
	readErr  error
	readOps  int
	writeErr error
	writes   [][]byte
	closed   bool
}

func (c *scriptConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readOps++
	if len(c.reads) > 0 {
		next := c.reads[0]
		c.reads = c.reads[1:]
		n := copy(p, next)
		return n, nil
	}
	if c.readErr != nil {
		n := copy(p, c.tail)
		c.tail = nil
		return n, c.readErr
	}
	time.Sleep(time.Millisecond)
	return 0, os.ErrDeadlineExceeded
}

func (c *scriptConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		c.writes = append(c.writes, nil)
		return 0, c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *scriptConn) SetReadDeadline(time.Time) error { return nil }

func (c *scriptConn) counts() (reads, writes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readOps, len(c.writes)
}

// fakeMic returns one chunk every tick until told to fail.
type fakeMic struct {
	chunk []byte
	every time.Duration
	err   error
}

func (m *fakeMic) Read(p []byte) (int, error) {
	time.Sleep(m.every)
	if m.err != nil {
		return 0, m.err
	}
	return copy(p, m.chunk), nil
}

// fakeSpeaker takes at most limit bytes per write.
type fakeSpeaker struct {
	mu     sync.Mutex
	limit  int
	data   []byte
	writes int
	resets int
}

func (s *fakeSpeaker) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	n := len(p)
	if s.limit > 0 && n > s.limit {
		n = s.limit
	}
	s.data = append(s.data, p[:n]...)
	return n, nil
}

func (s *fakeSpeaker) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

func (s *fakeSpeaker) snapshot() ([]byte, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...), s.resets
}

func silentMic() *fakeMic {
	return &fakeMic{every: time.Millisecond, err: nil, chunk: nil}
}

func TestDownlinkCompletesOddRead(t *testing.T) {
	conn := &scriptConn{
		reads:   [][]byte{{1, 2, 3, 4, 5, 6, 7}, {8}},
		readErr: io.EOF,
	}
	speaker := &fakeSpeaker{}
	r := New(conn, silentMic(), speaker, Config{SpeakerChunk: 16}, nil)

	err := r.Run(context.Background())
	require.ErrorIs(t, err, io.EOF)

	data, resets := speaker.snapshot()
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, data)
	require.Equal(t, 1, resets)
	// chunk read, alignment read, then the EOF read
	reads, _ := conn.counts()
	require.Equal(t, 3, reads)
	require.EqualValues(t, 8, r.Stats().Downlink)
}

func TestDownlinkEvenReadNeedsNoExtraRead(t *testing.T) {
	conn := &scriptConn{
		reads:   [][]byte{{1, 2, 3, 4, 5, 6, 7, 8}},
		readErr: io.EOF,
	}
	speaker := &fakeSpeaker{}
	r := New(conn, silentMic(), speaker, Config{SpeakerChunk: 16}, nil)

	require.ErrorIs(t, r.Run(context.Background()), io.EOF)

	data, _ := speaker.snapshot()
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, data)
	reads, _ := conn.counts()
	require.Equal(t, 2, reads)
}

func TestDownlinkFlushesPartialSpeakerWrites(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	conn := &scriptConn{reads: [][]byte{payload}, readErr: io.EOF}
	speaker := &fakeSpeaker{limit: 3}
	r := New(conn, silentMic(), speaker, Config{SpeakerChunk: 16}, nil)

	require.ErrorIs(t, r.Run(context.Background()), io.EOF)

	data, _ := speaker.snapshot()
	require.Equal(t, payload, data)
	require.Equal(t, 4, speaker.writes)
}

func TestDownlinkFlushesBytesDeliveredWithEOF(t *testing.T) {
	conn := &scriptConn{
		reads:   [][]byte{{1, 2}},
		tail:    []byte{3, 4, 5},
		readErr: io.EOF,
	}
	speaker := &fakeSpeaker{}
	r := New(conn, silentMic(), speaker, Config{SpeakerChunk: 16}, nil)

	require.ErrorIs(t, r.Run(context.Background()), io.EOF)

	data, _ := speaker.snapshot()
	// the trailing half sample cannot be completed
	require.Equal(t, []byte{1, 2, 3, 4}, data)
	require.EqualValues(t, 4, r.Stats().Downlink)
}

// blockingMic never yields audio; Read returns only once release is closed.
type blockingMic struct {
	release chan struct{}
}

func (m *blockingMic) Read([]byte) (int, error) {
	<-m.release
	return 0, io.EOF
}

func TestDeadConnectionReleasesBlockedMicrophone(t *testing.T) {
	conn := &scriptConn{readErr: io.EOF}
	mic := &blockingMic{release: make(chan struct{})}
	deaths := 0
	r := New(conn, mic, &fakeSpeaker{}, Config{
		OnDead: func() {
			deaths++
			close(mic.release)
		},
	}, nil)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("relay stayed blocked on the microphone")
	}
	require.Equal(t, 1, deaths)
	require.False(t, r.Live())
}

func TestCancelRunsOnDeadOnce(t *testing.T) {
	conn := &scriptConn{}
	mic := &blockingMic{release: make(chan struct{})}
	var deaths atomic.Int32
	r := New(conn, mic, &fakeSpeaker{}, Config{
		ReadPoll: time.Millisecond,
		OnDead: func() {
			if deaths.Add(1) == 1 {
				close(mic.release)
			}
		},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after cancel")
	}
	require.EqualValues(t, 1, deaths.Load())
}

type stalledSpeaker struct{ fakeSpeaker }

func (s *stalledSpeaker) Write([]byte) (int, error) { return 0, nil }

func TestDownlinkStalledSpeakerKillsConnection(t *testing.T) {
	conn := &scriptConn{reads: [][]byte{{1, 2}}}
	r := New(conn, silentMic(), &stalledSpeaker{}, Config{}, nil)

	err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrSpeakerStalled)
	require.False(t, r.Live())
}

func TestUplinkWriteFailureStopsBothTasks(t *testing.T) {
	conn := &scriptConn{writeErr: errors.New("connection reset")}
	mic := &fakeMic{chunk: make([]byte, DefaultMicChunk), every: time.Millisecond}
	speaker := &fakeSpeaker{}
	r := New(conn, mic, speaker, Config{}, nil)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		require.ErrorContains(t, err, "uplink write")
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after uplink failure")
	}

	require.False(t, r.Live())
	_, writes := conn.counts()
	require.Equal(t, 1, writes)

	// Nothing touches the socket after Run has returned.
	readsAfter, writesAfter := conn.counts()
	time.Sleep(20 * time.Millisecond)
	reads, writes := conn.counts()
	require.Equal(t, readsAfter, reads)
	require.Equal(t, writesAfter, writes)

	_, resets := speaker.snapshot()
	require.Equal(t, 1, resets)
}

func TestUplinkWritesMicChunks(t *testing.T) {
	conn := &scriptConn{}
	chunk := []byte{9, 8, 7, 6}
	mic := &fakeMic{chunk: chunk, every: time.Millisecond}
	r := New(conn, mic, &fakeSpeaker{}, Config{MicChunk: len(chunk)}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, writes := conn.counts()
		return writes >= 3
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for _, w := range conn.writes {
		require.Equal(t, chunk, w)
	}
}

func TestMicrophoneFailureKillsConnection(t *testing.T) {
	conn := &scriptConn{}
	mic := &fakeMic{every: time.Millisecond, err: errors.New("i2s gone")}
	r := New(conn, mic, &fakeSpeaker{}, Config{}, nil)

	err := r.Run(context.Background())
	require.ErrorContains(t, err, "microphone read")
}

func TestRunOverLoopbackConnection(t *testing.T) {
	client, device := net.Pipe()
	defer client.Close()

	speaker := &fakeSpeaker{}
	mic := &fakeMic{chunk: []byte{0x10, 0x20}, every: time.Millisecond}
	r := New(device, mic, speaker, Config{MicChunk: 2, ReadPoll: 10 * time.Millisecond}, nil)

	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background())
		_ = device.Close()
	}()

	buf := make([]byte, 2)
	_, err := io.ReadFull(client, buf)
	require.NoError(t, err)
	require.Equal(t, []byte{0x10, 0x20}, buf)

	_, err = client.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		data, _ := speaker.snapshot()
		return len(data) == 4
	}, time.Second, time.Millisecond)

	require.NoError(t, client.Close())
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not notice the closed peer")
	}
}

func TestIsTimeout(t *testing.T) {
	require.True(t, isTimeout(os.ErrDeadlineExceeded))
	require.False(t, isTimeout(io.EOF))
}
