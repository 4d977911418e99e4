package utils

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("37"))            // dark green
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))             // red
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))            // yellow
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))            // cyan
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")) // purple
)

func PrintSuccess(text string) {
	fmt.Println(successStyle.Render(text))
}
func PrintError(text string) {
	fmt.Println(errorStyle.Render(text))
}
func PrintWarning(text string) {
	fmt.Println(warningStyle.Render(text))
}
func PrintInfo(text string) {
	fmt.Println(infoStyle.Render(text))
}
func PrintHeader(text string) {
	fmt.Println(headerStyle.Render(text))
}

// PrintSummaryTable renders a two-column key/value table, used for the final
// run report.
func PrintSummaryTable(title string, rows [][]string) {
	PrintHeader(title)
	t := table.New().StyleFunc(func(row, col int) lipgloss.Style {
		if col == 0 {
			return lipgloss.NewStyle().Bold(true).Padding(0, 1)
		}
		return lipgloss.NewStyle().Padding(0, 1)
	})
	for _, row := range rows {
		t.Row(row...)
	}
	fmt.Println(t.String())
}
