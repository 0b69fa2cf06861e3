package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	pendingMarkStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	failedMarkStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	presenceLineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("110"))
	typingLineStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (model *TUIModel) View() string {
	headerSegments := []string{"Wirechat"}
	if model.room != "" {
		headerSegments = append(headerSegments, fmt.Sprintf("Room %s", model.room))
	}
	headerSegments = append(headerSegments, fmt.Sprintf("User %s", model.username))
	headerSegments = append(headerSegments, fmt.Sprintf("Server %s", model.serverURL))
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	sections := []string{header, model.renderStatusLine()}

	var messageLines []string
	statuses := model.queueStatuses()
	for _, line := range model.lines {
		messageLines = append(messageLines, model.renderChatLine(line, statuses))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}
	sections = append(sections, messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...)))

	if model.room != "" {
		sections = append(sections, presenceLineStyle.Render(model.renderPresenceLine()))
		if typingLine := model.renderTypingLine(); typingLine != "" {
			sections = append(sections, typingLineStyle.Render(typingLine))
		}
	}

	sections = append(sections, inputBoxStyle.Render(model.textInput.View()))
	sections = append(sections, menuHintStyle.Render("/join <room> • /leave • /clear failed • /quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderStatusLine() string {
	switch model.connState {
	case StateConnected:
		return connectedStyle.Render("Connected")
	case StateConnecting:
		return connectingStyle.Render("Connecting…")
	case StateReconnecting:
		return connectingStyle.Render(fmt.Sprintf("Reconnecting (attempt %d)…", model.attempts))
	case StateError:
		msg := "Connection failed"
		if model.connErr != nil {
			msg += ": " + model.connErr.Error()
		}
		return errorStyle.Render(msg)
	default:
		return statusStyle.Render("Disconnected")
	}
}

func (model *TUIModel) renderPresenceLine() string {
	if len(model.presence) == 0 {
		return "Nobody else here."
	}
	names := make([]string, 0, len(model.presence))
	for _, userID := range model.presence {
		names = append(names, model.displayName(userID))
	}
	return fmt.Sprintf("Online (%d): %s", len(names), strings.Join(names, ", "))
}

func (model *TUIModel) renderTypingLine() string {
	if len(model.typing) == 0 {
		return ""
	}
	names := make([]string, 0, len(model.typing))
	for _, userID := range model.typing {
		names = append(names, model.displayName(userID))
	}
	if len(names) == 1 {
		return names[0] + " is typing…"
	}
	return strings.Join(names, ", ") + " are typing…"
}

// queueStatuses indexes the outbound queue by correlation ID so the
// transcript can mark lines that are still pending or have failed.
func (model *TUIModel) queueStatuses() map[string]SendStatus {
	snapshot := model.conn.Queue().Snapshot()
	if len(snapshot) == 0 {
		return nil
	}
	statuses := make(map[string]SendStatus, len(snapshot))
	for _, entry := range snapshot {
		statuses[entry.Env.CorrelationID] = entry.Status
	}
	return statuses
}

func (model *TUIModel) renderChatLine(line chatLine, statuses map[string]SendStatus) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", time.Unix(line.Ts, 0).Format("15:04:05")))
	if line.System {
		return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", systemMessageStyle.Render(line.Body))
	}

	var nameStyle lipgloss.Style
	if line.User == model.username {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(line.User))
	}

	name := nameStyle.Render(line.User)
	body := line.Body
	if line.Kind == KindPhoto {
		body = "[photo] " + body
	}
	bodyText := messageBodyStyle.Render(strings.ReplaceAll(body, "\n", "\n   "))

	marker := ""
	if status, ok := statuses[line.CorrelationID]; ok {
		switch status {
		case SendFailed:
			marker = " " + failedMarkStyle.Render("✗ failed")
		default:
			marker = " " + pendingMarkStyle.Render("… sending")
		}
	}

	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", name, ": ", bodyText, marker)
}

func colorForUser(name string) lipgloss.Color {
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
