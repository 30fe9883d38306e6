package output

import (
	"github.com/fatih/color"
)

// ColorScheme defines the colors used for different elements in the output
type ColorScheme struct {
	Title    *color.Color
	Rule     *color.Color
	Label    *color.Color
	Value    *color.Color
	Progress *color.Color
	Phase    *color.Color
	Latency  *color.Color
	Pass     *color.Color
	Warn     *color.Color
	Fail     *color.Color
	Dim      *color.Color
}

// DefaultColorScheme returns the default color scheme
func DefaultColorScheme() *ColorScheme {
	s := &ColorScheme{
		Title:    color.New(color.Bold),
		Rule:     color.New(color.FgCyan),
		Label:    color.New(color.Bold),
		Value:    color.New(color.FgCyan),
		Progress: color.New(color.FgGreen),
		Phase:    color.New(color.FgMagenta),
		Latency:  color.New(color.FgBlue),
		Pass:     color.New(color.FgGreen),
		Warn:     color.New(color.FgYellow),
		Fail:     color.New(color.FgRed),
		Dim:      color.New(color.Faint),
	}
	// Whether to color is decided per ConsoleOutput, not by the global
	// color.NoColor which only looks at stdout.
	for _, c := range s.all() {
		c.EnableColor()
	}
	return s
}

// NoColorScheme returns a color scheme with all colors disabled
func NoColorScheme() *ColorScheme {
	s := DefaultColorScheme()
	for _, c := range s.all() {
		c.DisableColor()
	}
	return s
}

func (s *ColorScheme) all() []*color.Color {
	return []*color.Color{s.Title, s.Rule, s.Label, s.Value, s.Progress, s.Phase, s.Latency, s.Pass, s.Warn, s.Fail, s.Dim}
}

// SuccessIcon returns a checkmark symbol with appropriate color
func (s *ColorScheme) SuccessIcon() string {
	return s.Pass.Sprint("✓")
}

// ErrorIcon returns an X symbol with appropriate color
func (s *ColorScheme) ErrorIcon() string {
	return s.Fail.Sprint("✗")
}

// Status picks the pass or fail icon.
func (s *ColorScheme) Status(passed bool) string {
	if passed {
		return s.SuccessIcon()
	}
	return s.ErrorIcon()
}

// RateColor picks green, yellow or red for an error rate.
func (s *ColorScheme) RateColor(errorRate float64) *color.Color {
	switch {
	case errorRate > 0.05:
		return s.Fail
	case errorRate > 0.01:
		return s.Warn
	default:
		return s.Pass
	}
}
