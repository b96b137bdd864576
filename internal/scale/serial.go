package scale

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate matches the load-cell bridge firmware.
	DefaultBaudRate = 115200
	// DefaultLinearFactor converts raw bridge counts to grams.
	DefaultLinearFactor = 0.00253508
	// DefaultOffset is the factory zero point in raw counts.
	DefaultOffset = 8506971.577783272
	// DefaultReadTimeout bounds how long Weight waits for a fresh sample.
	DefaultReadTimeout = 500 * time.Millisecond
)

var errClosed = errors.New("serial scale closed")

// SerialConfig describes the load-cell bridge connection and calibration.
type SerialConfig struct {
	Port         string
	BaudRate     int
	LinearFactor float64
	Offset       float64
	ReadTimeout  time.Duration
}

// Port is one serial port candidate.
type Port struct {
	Name string
}

// Serial reads raw load-cell counts streamed one per line by a bridge MCU.
type Serial struct {
	factor  float64
	timeout time.Duration
	logger  *slog.Logger
	conn    io.ReadCloser

	closeOnce sync.Once

	mu      sync.Mutex
	raw     float64
	offset  float64
	fresh   chan struct{}
	err     error
	closed  bool
	samples uint64
}

// Ports lists serial ports that could host the bridge.
func Ports() ([]Port, error) {
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	ports := make([]Port, 0, len(names))
	for _, name := range names {
		ports = append(ports, Port{Name: name})
	}
	return ports, nil
}

// OpenSerial opens the configured port and starts reading samples.
func OpenSerial(cfg SerialConfig, logger *slog.Logger) (*Serial, error) {
	if strings.TrimSpace(cfg.Port) == "" {
		return nil, fmt.Errorf("%w: serial port is empty", ErrSensor)
	}
	baud := cfg.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}

	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("%w: open serial port %s: %w", ErrSensor, cfg.Port, err)
	}
	return newSerial(port, cfg, logger), nil
}

// newSerial starts the sample reader on an already open byte stream.
func newSerial(conn io.ReadCloser, cfg SerialConfig, logger *slog.Logger) *Serial {
	if cfg.LinearFactor == 0 {
		cfg.LinearFactor = DefaultLinearFactor
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	s := &Serial{
		factor:  cfg.LinearFactor,
		timeout: cfg.ReadTimeout,
		logger:  logger,
		conn:    conn,
		offset:  cfg.Offset,
		fresh:   make(chan struct{}),
	}
	go s.readSamples()
	return s
}

// Weight waits for the next sample and returns it calibrated to grams.
func (s *Serial) Weight() (float64, error) {
	raw, err := s.nextRaw()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.factor * (raw - s.offset), nil
}

// Zero waits for the next sample and takes it as the zero point.
func (s *Serial) Zero() error {
	raw, err := s.nextRaw()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.offset = raw
	s.mu.Unlock()
	s.log("scale zeroed", "offset", raw)
	return nil
}

// Samples reports how many samples have been parsed so far.
func (s *Serial) Samples() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

// Close stops the reader and releases the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.err = errClosed
		close(s.fresh)
	}
	s.mu.Unlock()

	var err error
	s.closeOnce.Do(func() { err = s.conn.Close() })
	return err
}

// nextRaw blocks until a sample newer than the call arrives.
func (s *Serial) nextRaw() (float64, error) {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %w", ErrSensor, err)
	}
	fresh := s.fresh
	s.mu.Unlock()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case <-fresh:
	case <-timer.C:
		return 0, fmt.Errorf("%w: no sample within %s", ErrSensor, s.timeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSensor, s.err)
	}
	return s.raw, nil
}

// readSamples parses one raw count per line until the stream ends.
func (s *Serial) readSamples() {
	scanner := bufio.NewScanner(s.conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		raw, err := parseLine(line)
		if err != nil {
			s.log("scale line dropped", "line", line, "error", err.Error())
			continue
		}
		s.publish(raw)
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	s.fail(err)
}

func (s *Serial) publish(raw float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.raw = raw
	s.samples++
	close(s.fresh)
	s.fresh = make(chan struct{})
}

func (s *Serial) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = fmt.Errorf("serial stream ended: %w", err)
	close(s.fresh)
}

// parseLine reads one raw bridge count.
func parseLine(line string) (float64, error) {
	raw, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, fmt.Errorf("parse raw count %q: %w", line, err)
	}
	return raw, nil
}

func (s *Serial) log(msg string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Debug(msg, args...)
}
