// Package protocol implements the control-plane wire format spoken between the
// device and its companion application.
//
// Every frame starts with a one-byte opcode followed by a fixed or
// length-prefixed payload. Multi-byte numbers are little-endian IEEE-754
// float64 values. Earlier firmware wrote them in native byte order, which only
// worked because both endpoints ran on little-endian hardware; the order is now
// fixed so a big-endian peer must convert explicitly.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ByteOrder is the byte order of every multi-byte field on the wire.
var ByteOrder = binary.LittleEndian

// Absent is the reserved float64 meaning "no value supplied" in DoStep fields.
const Absent float64 = -10000.0

var absentBits = math.Float64bits(Absent)

// MaxTextLen is the largest text payload a single length byte can describe.
const MaxTextLen = math.MaxUint8

var (
	// ErrShortFrame reports a read or write that ended before the full frame was transferred.
	ErrShortFrame = errors.New("short frame")
	// ErrUnknownOpcode reports an opcode outside the closed command enumeration.
	ErrUnknownOpcode = errors.New("unknown opcode")
	// ErrTextTooLong reports a text payload that does not fit its length prefix.
	ErrTextTooLong = errors.New("text exceeds 255 bytes")
)

// IsAbsent reports whether v is the Absent sentinel. The comparison is on the
// exact bit pattern; values derived through arithmetic never match.
func IsAbsent(v float64) bool {
	return math.Float64bits(v) == absentBits
}

// Opcode tags one frame variant.
type Opcode byte

// Inbound (companion -> device) opcodes.
const (
	OpStartRecipe  Opcode = 0
	OpDoStep       Opcode = 1
	OpFinishRecipe Opcode = 2
	OpAbortRecipe  Opcode = 3
	OpZeroScale    Opcode = 4
)

// Outbound (device -> companion) opcodes.
const (
	OpNotifyWeight Opcode = 0
)

var commandNames = map[Opcode]string{
	OpStartRecipe:  "start_recipe",
	OpDoStep:       "do_step",
	OpFinishRecipe: "finish_recipe",
	OpAbortRecipe:  "abort_recipe",
	OpZeroScale:    "zero_scale",
}

// String returns the command name for an inbound opcode.
func (o Opcode) String() string {
	if name, ok := commandNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(%d)", byte(o))
}

// Command is one decoded inbound frame.
type Command interface {
	Opcode() Opcode
}

// StartRecipe begins a recipe and names it.
type StartRecipe struct {
	Name string
}

// DoStep shows one instruction and optionally arms the scale for a target delta.
type DoStep struct {
	StableOffset float64
	DeltaTarget  float64
	Instruction  string
}

// FinishRecipe ends the running recipe successfully.
type FinishRecipe struct{}

// AbortRecipe ends the running recipe unsuccessfully.
type AbortRecipe struct{}

// ZeroScale captures a new zero point on the scale.
type ZeroScale struct{}

func (StartRecipe) Opcode() Opcode  { return OpStartRecipe }
func (DoStep) Opcode() Opcode       { return OpDoStep }
func (FinishRecipe) Opcode() Opcode { return OpFinishRecipe }
func (AbortRecipe) Opcode() Opcode  { return OpAbortRecipe }
func (ZeroScale) Opcode() Opcode    { return OpZeroScale }

// HasTarget reports whether the step carries a scale target.
func (s DoStep) HasTarget() bool {
	return !IsAbsent(s.DeltaTarget)
}

// HasStableOffset reports whether the companion supplied its own stable reading.
func (s DoStep) HasStableOffset() bool {
	return !IsAbsent(s.StableOffset)
}

// NotifyWeight carries one live scale reading back to the companion.
type NotifyWeight struct {
	Value float64
}

// Opcode returns the outbound opcode.
func (NotifyWeight) Opcode() Opcode { return OpNotifyWeight }

// NotifyWeightSize is the encoded length of a NotifyWeight frame.
const NotifyWeightSize = 1 + 8
