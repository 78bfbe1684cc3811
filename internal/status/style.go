package status

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/lprior-repo/isolate-sub002/internal/model"
)

var (
	HeaderStyle = lipgloss.NewStyle().Bold(true)
	MutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	OKStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	WarnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	BadStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

// StatusStyle colours a queue status for terminal output.
func StatusStyle(s model.QueueStatus) lipgloss.Style {
	switch {
	case s == model.StatusMerged:
		return OKStyle
	case s == model.StatusFailedTerminal:
		return BadStyle
	case s == model.StatusFailedRetryable:
		return WarnStyle
	case s == model.StatusCancelled:
		return MutedStyle
	case s.IsProcessing():
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	}
	return lipgloss.NewStyle()
}
