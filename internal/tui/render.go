package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/codefionn/parley/internal/room"
)

var (
	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	unseenMarkStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	deletedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Strikethrough(true)

	editedMarkStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	foldedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")).
			Italic(true)

	// nickPalette colors nicknames stably per name.
	nickPalette = []lipgloss.Style{
		lipgloss.NewStyle().Foreground(lipgloss.Color("81")),
		lipgloss.NewStyle().Foreground(lipgloss.Color("170")),
		lipgloss.NewStyle().Foreground(lipgloss.Color("114")),
		lipgloss.NewStyle().Foreground(lipgloss.Color("215")),
		lipgloss.NewStyle().Foreground(lipgloss.Color("210")),
		lipgloss.NewStyle().Foreground(lipgloss.Color("147")),
	}
)

func nickStyle(nick string) lipgloss.Style {
	var sum int
	for _, r := range nick {
		sum += int(r)
	}
	return nickPalette[sum%len(nickPalette)]
}

// renderMessages lays the thread out as an indented tree, one block
// per message, wrapped to the viewport width.
func renderMessages(snap room.Snapshot, width int) string {
	if len(snap.Messages) == 0 {
		return statusStyle.Render("no messages yet")
	}

	var b strings.Builder
	for i, vm := range snap.Messages {
		if i > 0 {
			b.WriteString("\n")
		}
		indent := strings.Repeat("  ", vm.Depth)

		mark := " "
		if !vm.Seen && !vm.Deleted {
			mark = unseenMarkStyle.Render("*")
		}
		header := fmt.Sprintf("%s%s %s %s",
			indent,
			mark,
			timeStyle.Render(vm.Time.Format("15:04")),
			nickStyle(vm.Nick).Render(vm.Nick),
		)
		if vm.Edited && !vm.Deleted {
			header += " " + editedMarkStyle.Render("(edited)")
		}
		b.WriteString(header)
		b.WriteString("\n")

		body := vm.Content
		bodyIndent := indent + "  "
		wrapped := wordwrap.String(body, max(width-len(bodyIndent), 20))
		for _, line := range strings.Split(wrapped, "\n") {
			b.WriteString(bodyIndent)
			if vm.Deleted {
				b.WriteString(deletedStyle.Render("[deleted]"))
				break
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
		if vm.Deleted {
			b.WriteString("\n")
		}

		if vm.Folded && vm.Hidden > 0 {
			b.WriteString(bodyIndent)
			b.WriteString(foldedStyle.Render(fmt.Sprintf("… %d replies folded (/unfold %s)", vm.Hidden, vm.ID)))
			b.WriteString("\n")
		}
	}
	return b.String()
}
