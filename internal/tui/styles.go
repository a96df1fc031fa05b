package tui

import "github.com/charmbracelet/lipgloss"

var (
	userLabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90CAF9")).
			Bold(true)

	userMsgStyle = lipgloss.NewStyle().
			BorderLeft(true).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("#90CAF9")).
			PaddingLeft(1)

	assistantLabelStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#B39DDB")).
				Bold(true)

	assistantMsgStyle = lipgloss.NewStyle().
				BorderLeft(true).
				BorderStyle(lipgloss.ThickBorder()).
				BorderForeground(lipgloss.Color("#B39DDB")).
				PaddingLeft(1)

	toolLineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			PaddingLeft(2)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF9A9A")).
			Bold(true)

	confirmPanelStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#FFB74D")).
				Padding(0, 1)

	confirmTitleStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFB74D")).
				Bold(true)

	impactHighStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF9A9A")).
			Bold(true)

	impactMediumStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFB74D"))

	impactLowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A5D6A7"))

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#B39DDB")).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			BorderTop(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("#545454")).
			Padding(0, 1)

	statusKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#B39DDB"))

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#545454"))
)
