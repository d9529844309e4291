package ui

import "github.com/charmbracelet/lipgloss"

// Color palette: single teal accent over grays.
const (
	ColorTeal     = "43"  // completed stages, headers
	ColorTealDim  = "30"  // secondary accents
	ColorWhite    = "255" // important values
	ColorGray     = "245" // labels
	ColorDarkGray = "238" // pending stages, separators
	ColorRed      = "196" // failed stages
	ColorYellow   = "220" // in-progress, warnings
)

// Styles holds the rendering styles.
type Styles struct {
	Header     lipgloss.Style
	Completed  lipgloss.Style
	InProgress lipgloss.Style
	Failed     lipgloss.Style
	Pending    lipgloss.Style
	Skipped    lipgloss.Style
	Label      lipgloss.Style
	Value      lipgloss.Style
}

// DefaultStyles returns the styled set for interactive terminals.
func DefaultStyles() Styles {
	return Styles{
		Header:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorTeal)),
		Completed:  lipgloss.NewStyle().Foreground(lipgloss.Color(ColorTeal)),
		InProgress: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorYellow)),
		Failed:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorRed)),
		Pending:    lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDarkGray)),
		Skipped:    lipgloss.NewStyle().Foreground(lipgloss.Color(ColorTealDim)),
		Label:      lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
		Value:      lipgloss.NewStyle().Foreground(lipgloss.Color(ColorWhite)),
	}
}

// NoColorStyles returns unstyled components for plain mode.
func NoColorStyles() Styles {
	return Styles{
		Header:     lipgloss.NewStyle(),
		Completed:  lipgloss.NewStyle(),
		InProgress: lipgloss.NewStyle(),
		Failed:     lipgloss.NewStyle(),
		Pending:    lipgloss.NewStyle(),
		Skipped:    lipgloss.NewStyle(),
		Label:      lipgloss.NewStyle(),
		Value:      lipgloss.NewStyle(),
	}
}

// GetStyles picks a style set by color preference.
func GetStyles(noColor bool) Styles {
	if noColor {
		return NoColorStyles()
	}
	return DefaultStyles()
}
