package commands

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/dtpsim/voicestage/internal/casedata"
	"github.com/dtpsim/voicestage/internal/session"
	"github.com/dtpsim/voicestage/internal/transcript"
)

var (
	primary = lipgloss.Color("#00ff9f")
	dim     = lipgloss.Color("#6e7681")
	warn    = lipgloss.Color("#ff5f5f")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(primary)
	helpStyle   = lipgloss.NewStyle().Foreground(dim)
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(warn)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)

	roleStyles = map[transcript.Role]lipgloss.Style{
		transcript.RoleYou:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5fafff")),
		transcript.RolePatient:  lipgloss.NewStyle().Bold(true).Foreground(primary),
		transcript.RoleSystem:   lipgloss.NewStyle().Foreground(dim),
		transcript.RoleFeedback: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ffd75f")),
	}
)

const labelWidth = 9

// formatLine renders one transcript line as "LABEL    text".
func formatLine(e transcript.Entry) string {
	style, ok := roleStyles[e.Role]
	if !ok {
		style = lipgloss.NewStyle()
	}
	label := style.Width(labelWidth).Render(strings.ToUpper(string(e.Role)))
	return label + " " + e.Text
}

func formatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func formatEvent(ev session.Event) (string, bool) {
	switch ev.Kind {
	case session.EventTranscript:
		if ev.Line == nil {
			return "", false
		}
		return formatLine(*ev.Line), true
	case session.EventTick:
		// Only the minute marks and the last ten seconds are worth a line.
		if ev.Remaining%60 != 0 && ev.Remaining > 10 {
			return "", false
		}
		return helpStyle.Render("⏱ " + formatClock(ev.Remaining) + " remaining"), true
	case session.EventError:
		if ev.Error == nil {
			return "", false
		}
		msg := ev.Error.Code + ": " + ev.Error.Message
		if ev.Error.Terminal {
			msg += " (type /retry to resend)"
		}
		return errorStyle.Render(msg), true
	case session.EventComplete:
		return titleStyle.Render("Session ended: " + ev.Reason), true
	default:
		return "", false
	}
}

func formatCase(c casedata.Case) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(c.ID+"  "+c.Title) + "\n")
	field := func(name, value string) {
		if value == "" {
			return
		}
		b.WriteString(headerStyle.Render(name) + "\n" + value + "\n")
	}
	field("Extraoral examination", c.ExtraoralExam)
	field("Intraoral examination", c.IntraoralExam)
	field("BPE", c.BPEScore)
	return b.String()
}
