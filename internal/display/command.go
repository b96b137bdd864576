// Package display queues render commands from the control session and draws
// them on a Screen from a single consumer goroutine.
package display

// Command is one render instruction. Submitting a command hands its text to
// the consumer; producers must not reuse it afterwards.
type Command interface {
	kind() string
}

// Recipe shows the name of the recipe that just started.
type Recipe struct {
	Text string
}

// Instruction replaces the current step instruction.
type Instruction struct {
	Text string
}

// Success shows a transient success pop-up and then clears the layout.
type Success struct {
	Text string
}

// Error shows a transient error pop-up and then clears the layout.
type Error struct {
	Text string
}

// Scale updates the fill bar. A zero Target renders an empty bar.
type Scale struct {
	Value  float64
	Target float64
}

func (Recipe) kind() string      { return "recipe" }
func (Instruction) kind() string { return "instruction" }
func (Success) kind() string     { return "success" }
func (Error) kind() string       { return "error" }
func (Scale) kind() string       { return "scale" }

// Kind names the command variant for logs.
func Kind(cmd Command) string {
	if cmd == nil {
		return "nil"
	}
	return cmd.kind()
}

// PopupKind selects the pop-up styling.
type PopupKind int

const (
	PopupSuccess PopupKind = iota + 1
	PopupError
)

// Screen draws render commands. Implementations are only called from the
// sink's consumer goroutine.
type Screen interface {
	ShowRecipe(name string)
	ShowInstruction(text string)
	ShowScale(value, target float64)
	ShowPopup(kind PopupKind, text string)
	Clear()
}
