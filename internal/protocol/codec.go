package protocol

import (
	"fmt"
	"io"
	"math"
)

// ReadCommand blocks until one complete inbound frame has been read from r.
//
// Every sub-read must complete; a zero-length or failed transfer before the
// frame is complete fails the whole frame.
func ReadCommand(r io.Reader) (Command, error) {
	op, err := readByte(r)
	if err != nil {
		return nil, fmt.Errorf("read opcode: %w", err)
	}
	return ReadPayload(r, Opcode(op))
}

// ReadPayload decodes the payload that follows an already consumed opcode.
func ReadPayload(r io.Reader, op Opcode) (Command, error) {
	switch op {
	case OpStartRecipe:
		name, err := readText(r)
		if err != nil {
			return nil, fmt.Errorf("read start_recipe name: %w", err)
		}
		return StartRecipe{Name: name}, nil
	case OpDoStep:
		stableOffset, err := readFloat64(r)
		if err != nil {
			return nil, fmt.Errorf("read do_step stable_offset: %w", err)
		}
		deltaTarget, err := readFloat64(r)
		if err != nil {
			return nil, fmt.Errorf("read do_step delta_target: %w", err)
		}
		instruction, err := readText(r)
		if err != nil {
			return nil, fmt.Errorf("read do_step instruction: %w", err)
		}
		return DoStep{StableOffset: stableOffset, DeltaTarget: deltaTarget, Instruction: instruction}, nil
	case OpFinishRecipe:
		return FinishRecipe{}, nil
	case OpAbortRecipe:
		return AbortRecipe{}, nil
	case OpZeroScale:
		return ZeroScale{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, byte(op))
	}
}

// AppendCommand appends the wire encoding of cmd to dst.
func AppendCommand(dst []byte, cmd Command) ([]byte, error) {
	dst = append(dst, byte(cmd.Opcode()))
	switch c := cmd.(type) {
	case StartRecipe:
		return appendText(dst, c.Name)
	case DoStep:
		dst = ByteOrder.AppendUint64(dst, math.Float64bits(c.StableOffset))
		dst = ByteOrder.AppendUint64(dst, math.Float64bits(c.DeltaTarget))
		return appendText(dst, c.Instruction)
	case FinishRecipe, AbortRecipe, ZeroScale:
		return dst, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, byte(cmd.Opcode()))
	}
}

// WriteCommand encodes cmd and writes the whole frame to w.
func WriteCommand(w io.Writer, cmd Command) error {
	frame, err := AppendCommand(nil, cmd)
	if err != nil {
		return err
	}
	if err := WriteFull(w, frame); err != nil {
		return fmt.Errorf("write %s: %w", cmd.Opcode(), err)
	}
	return nil
}

// AppendNotification appends the wire encoding of n to dst.
func AppendNotification(dst []byte, n NotifyWeight) []byte {
	dst = append(dst, byte(OpNotifyWeight))
	return ByteOrder.AppendUint64(dst, math.Float64bits(n.Value))
}

// WriteNotification writes one complete NotifyWeight frame to w.
func WriteNotification(w io.Writer, n NotifyWeight) error {
	var buf [NotifyWeightSize]byte
	if err := WriteFull(w, AppendNotification(buf[:0], n)); err != nil {
		return fmt.Errorf("write notify_weight: %w", err)
	}
	return nil
}

// ReadNotification blocks until one complete outbound frame has been read from r.
func ReadNotification(r io.Reader) (NotifyWeight, error) {
	var buf [NotifyWeightSize]byte
	if err := ReadFull(r, buf[:]); err != nil {
		return NotifyWeight{}, fmt.Errorf("read notification: %w", err)
	}
	if Opcode(buf[0]) != OpNotifyWeight {
		return NotifyWeight{}, fmt.Errorf("%w: notification %d", ErrUnknownOpcode, buf[0])
	}
	return NotifyWeight{Value: math.Float64frombits(ByteOrder.Uint64(buf[1:]))}, nil
}

// ReadFull reads exactly len(buf) bytes. A read that transfers nothing, or an
// error before buf is full, fails the whole operation with ErrShortFrame.
func ReadFull(r io.Reader, buf []byte) error {
	offset := 0
	for offset < len(buf) {
		n, err := r.Read(buf[offset:])
		if n > 0 {
			offset += n
		}
		if offset == len(buf) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: got %d of %d bytes: %w", ErrShortFrame, offset, len(buf), err)
		}
		if n <= 0 {
			return fmt.Errorf("%w: got %d of %d bytes", ErrShortFrame, offset, len(buf))
		}
	}
	return nil
}

// WriteFull writes all of buf, looping over partial writes. A write that
// transfers nothing or fails aborts the frame with ErrShortFrame.
func WriteFull(w io.Writer, buf []byte) error {
	offset := 0
	for offset < len(buf) {
		n, err := w.Write(buf[offset:])
		if n > 0 {
			offset += n
		}
		if offset == len(buf) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: wrote %d of %d bytes: %w", ErrShortFrame, offset, len(buf), err)
		}
		if n <= 0 {
			return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortFrame, offset, len(buf))
		}
	}
	return nil
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if err := ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readFloat64(r io.Reader) (float64, error) {
	var b [8]byte
	if err := ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(ByteOrder.Uint64(b[:])), nil
}

func readText(r io.Reader) (string, error) {
	n, err := readByte(r)
	if err != nil {
		return "", fmt.Errorf("length: %w", err)
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if err := ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func appendText(dst []byte, text string) ([]byte, error) {
	if len(text) > MaxTextLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTextTooLong, len(text))
	}
	dst = append(dst, byte(len(text)))
	return append(dst, text...), nil
}
