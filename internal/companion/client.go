// Package companion is the controlling side of the device protocol: it sends
// recipe commands, watches weight notifications and plays recipe scripts.
package companion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/DonDistillo-Project/cocktail-robot/internal/protocol"
)

const weightBuffer = 16

// ErrClosed is returned by commands after the connection ended.
var ErrClosed = errors.New("companion connection closed")

// Client drives one device over its control connection.
type Client struct {
	conn    net.Conn
	watcher *WeightWatcher
	weights chan float64
	logger  *slog.Logger

	writeMu sync.Mutex

	done chan struct{}
	err  error // set before done is closed
}

// Dial connects to the device control port.
func Dial(ctx context.Context, addr string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial control %s: %w", addr, err)
	}
	return NewClient(conn, NewWeightWatcher(DefaultHistory, DefaultTolerance), logger), nil
}

// NewClient starts reading notifications from conn.
func NewClient(conn net.Conn, watcher *WeightWatcher, logger *slog.Logger) *Client {
	if watcher == nil {
		watcher = NewWeightWatcher(DefaultHistory, DefaultTolerance)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{
		conn:    conn,
		watcher: watcher,
		weights: make(chan float64, weightBuffer),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Watcher exposes the stable-weight tracker fed by notifications.
func (c *Client) Watcher() *WeightWatcher {
	return c.watcher
}

// Weights delivers notified weights. Readings are dropped while the channel
// is full; the channel is closed when the connection ends.
func (c *Client) Weights() <-chan float64 {
	return c.weights
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close ends the connection.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// StartRecipe begins a recipe with the given display name.
func (c *Client) StartRecipe(name string) error {
	return c.send(protocol.StartRecipe{Name: Transliterate(name)})
}

// DoIngredientStep asks the device to weigh deltaTarget grams. The current
// stable weight is passed along when known.
func (c *Client) DoIngredientStep(deltaTarget float64, instruction string) error {
	offset, ok := c.watcher.Stable()
	if !ok {
		offset = protocol.Absent
	}
	return c.send(protocol.DoStep{
		StableOffset: offset,
		DeltaTarget:  deltaTarget,
		Instruction:  Transliterate(instruction),
	})
}

// DoInstructionStep shows an instruction without weighing.
func (c *Client) DoInstructionStep(instruction string) error {
	return c.send(protocol.DoStep{
		StableOffset: protocol.Absent,
		DeltaTarget:  protocol.Absent,
		Instruction:  Transliterate(instruction),
	})
}

func (c *Client) FinishRecipe() error { return c.send(protocol.FinishRecipe{}) }
func (c *Client) AbortRecipe() error  { return c.send(protocol.AbortRecipe{}) }
func (c *Client) ZeroScale() error    { return c.send(protocol.ZeroScale{}) }

func (c *Client) send(cmd protocol.Command) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: %w", ErrClosed, c.err)
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteCommand(c.conn, cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Opcode(), err)
	}
	c.logger.Debug("command sent", "opcode", cmd.Opcode().String())
	return nil
}

func (c *Client) readLoop() {
	defer close(c.weights)
	for {
		n, err := protocol.ReadNotification(c.conn)
		if err != nil {
			c.err = err
			close(c.done)
			return
		}
		c.watcher.Observe(n.Value)
		select {
		case c.weights <- n.Value:
		default:
		}
	}
}
