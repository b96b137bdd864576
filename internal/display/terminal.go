package display

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// MaxFill is the largest fill ratio the bar can show; the target marker sits
// at 1/MaxFill of the bar width and the rest is overflow.
const MaxFill = 1.2

const (
	defaultWidth = 40
	clearScreen  = "\x1b[H\x1b[2J"
)

// Bar is the cell geometry of one fill-bar frame.
type Bar struct {
	Width    int // total cells including the target marker
	TargetAt int // index of the target marker cell
	Fill     int // filled cells left of the marker
	Overflow int // filled cells right of the marker
}

// MeasureBar computes how far value fills a bar of width cells toward target.
func MeasureBar(value, target float64, width int) Bar {
	if width < 3 {
		width = 3
	}
	bar := Bar{Width: width, TargetAt: int(float64(width) / MaxFill)}
	if bar.TargetAt >= width {
		bar.TargetAt = width - 1
	}
	if target <= 0 || math.IsNaN(value) || math.IsNaN(target) {
		return bar
	}

	ratio := value / target
	bar.Fill = clamp(int(ratio*float64(bar.TargetAt)), 0, bar.TargetAt)

	overflowCells := width - bar.TargetAt - 1
	bar.Overflow = clamp(int((ratio-1)/(MaxFill-1)*float64(overflowCells)), 0, overflowCells)
	return bar
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type terminalStyles struct {
	header   lipgloss.Style
	recipe   lipgloss.Style
	box      lipgloss.Style
	label    lipgloss.Style
	fill     lipgloss.Style
	overflow lipgloss.Style
	marker   lipgloss.Style
	empty    lipgloss.Style
	success  lipgloss.Style
	failure  lipgloss.Style
}

func newTerminalStyles(width int) terminalStyles {
	popup := lipgloss.NewStyle().
		Border(lipgloss.ThickBorder()).
		Bold(true).
		Padding(1, 2).
		Width(width - 4).
		Align(lipgloss.Center)
	return terminalStyles{
		header:   lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681")),
		recipe:   lipgloss.NewStyle().Bold(true),
		box:      lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#5f87af")).Width(width - 2),
		label:    lipgloss.NewStyle().Width(width).Align(lipgloss.Center),
		fill:     lipgloss.NewStyle().Foreground(lipgloss.Color("#00d75f")),
		overflow: lipgloss.NewStyle().Foreground(lipgloss.Color("#d70000")),
		marker:   lipgloss.NewStyle().Foreground(lipgloss.Color("#0087ff")),
		empty:    lipgloss.NewStyle().Foreground(lipgloss.Color("#3a3a3a")),
		success:  popup.BorderForeground(lipgloss.Color("#00afaf")).Foreground(lipgloss.Color("#00d75f")),
		failure:  popup.BorderForeground(lipgloss.Color("#af0000")).Foreground(lipgloss.Color("#d70000")),
	}
}

// Terminal draws the device layout as a text panel.
type Terminal struct {
	w      io.Writer
	width  int
	ansi   bool
	styles terminalStyles

	mu          sync.Mutex
	recipe      string
	instruction string
	value       float64
	target      float64
	popupKind   PopupKind
	popupText   string
}

// NewTerminal draws onto w with the given panel width. When ansi is true each
// frame first clears the terminal.
func NewTerminal(w io.Writer, width int, ansi bool) *Terminal {
	if width <= 0 {
		width = defaultWidth
	}
	return &Terminal{w: w, width: width, ansi: ansi, styles: newTerminalStyles(width)}
}

func (t *Terminal) ShowRecipe(name string) {
	t.update(func() {
		t.recipe = name
		t.popupKind = 0
	})
}

func (t *Terminal) ShowInstruction(text string) {
	t.update(func() { t.instruction = text })
}

func (t *Terminal) ShowScale(value, target float64) {
	t.update(func() {
		t.value = value
		t.target = target
	})
}

func (t *Terminal) ShowPopup(kind PopupKind, text string) {
	t.update(func() {
		t.popupKind = kind
		t.popupText = text
	})
}

func (t *Terminal) Clear() {
	t.update(func() {
		t.recipe = ""
		t.instruction = ""
		t.value = 0
		t.target = 0
		t.popupKind = 0
		t.popupText = ""
	})
}

// Frame renders the current layout without writing it.
func (t *Terminal) Frame() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameLocked()
}

func (t *Terminal) update(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
	frame := t.frameLocked()
	if t.ansi {
		frame = clearScreen + frame
	}
	_, _ = io.WriteString(t.w, frame+"\n")
}

func (t *Terminal) frameLocked() string {
	if t.popupKind != 0 {
		style := t.styles.success
		if t.popupKind == PopupError {
			style = t.styles.failure
		}
		return style.Render(t.popupText)
	}

	if t.recipe == "" && t.instruction == "" {
		return t.styles.header.Render("Waiting for recipe…")
	}

	sections := []string{
		t.styles.header.Render("Current Recipe:"),
		t.styles.recipe.Render(t.recipe),
		t.styles.box.Render(t.instruction),
		t.styles.label.Render(fmt.Sprintf("%4.1fg / %4.1fg", t.value, t.target)),
		t.renderBar(),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (t *Terminal) renderBar() string {
	bar := MeasureBar(t.value, t.target, t.width)

	var b strings.Builder
	b.WriteString(t.styles.fill.Render(strings.Repeat("█", bar.Fill)))
	b.WriteString(t.styles.empty.Render(strings.Repeat("░", bar.TargetAt-bar.Fill)))
	b.WriteString(t.styles.marker.Render("┃"))
	b.WriteString(t.styles.overflow.Render(strings.Repeat("█", bar.Overflow)))
	b.WriteString(t.styles.empty.Render(strings.Repeat("░", bar.Width-bar.TargetAt-1-bar.Overflow)))
	return b.String()
}

// LogScreen records every draw call as a structured log line.
type LogScreen struct {
	Logger *slog.Logger
}

func (l LogScreen) ShowRecipe(name string) {
	l.log("render recipe", "text", name)
}

func (l LogScreen) ShowInstruction(text string) {
	l.log("render instruction", "text", text)
}

func (l LogScreen) ShowScale(value, target float64) {
	l.log("render scale", "value", value, "target", target)
}

func (l LogScreen) ShowPopup(kind PopupKind, text string) {
	name := "success"
	if kind == PopupError {
		name = "error"
	}
	l.log("render popup", "kind", name, "text", text)
}

func (l LogScreen) Clear() {
	l.log("render clear")
}

func (l LogScreen) log(msg string, args ...any) {
	if l.Logger == nil {
		return
	}
	l.Logger.Info(msg, args...)
}
