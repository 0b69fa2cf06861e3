package internal

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

type (
	connEventMsg    Event
	eventsClosedMsg struct{}
)

const typingSignalInterval = 2 * time.Second

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		if typedMessage.Type == tea.KeyCtrlC || typedMessage.Type == tea.KeyEsc {
			model.conn.Disconnect()
			return model, tea.Quit
		}
		if typedMessage.Type == tea.KeyEnter {
			trimmed := strings.TrimSpace(model.textInput.Value())
			model.textInput.SetValue("")
			if trimmed == "" {
				return model, nil
			}
			if strings.HasPrefix(trimmed, "/") {
				return model, model.handleCommand(trimmed)
			}
			if model.room == "" {
				model.systemLine("Join a room first with /join <room>.")
				return model, nil
			}
			correlationID := model.conn.Send(model.room, KindChat, trimmed, "")
			model.lines = append(model.lines, chatLine{
				CorrelationID: correlationID,
				RoomID:        model.room,
				User:          model.username,
				Body:          trimmed,
				Kind:          KindChat,
				Ts:            time.Now().Unix(),
			})
			return model, nil
		}
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(typedMessage)
		model.maybeSignalTyping()
		return model, cmd

	case connEventMsg:
		model.applyEvent(Event(typedMessage))
		return model, waitForEvent(model.conn.Events())

	case eventsClosedMsg:
		return model, tea.Quit
	}
	return model, nil
}

func (model *TUIModel) handleCommand(input string) tea.Cmd {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit":
		model.conn.Disconnect()
		return tea.Quit
	case "/join":
		if len(fields) < 2 {
			model.systemLine("Usage: /join <room>")
			return nil
		}
		if model.room != "" {
			model.conn.Leave(model.room)
		}
		model.room = fields[1]
		model.presence = nil
		model.typing = nil
		model.conn.Join(model.room)
		model.systemLine("Joined " + model.room + ".")
		return nil
	case "/leave":
		if model.room == "" {
			model.systemLine("Not in a room.")
			return nil
		}
		model.conn.Leave(model.room)
		model.systemLine("Left " + model.room + ".")
		model.room = ""
		model.presence = nil
		model.typing = nil
		return nil
	case "/clear":
		cleared := model.conn.Queue().ClearFailed()
		model.systemLine(fmt.Sprintf("Cleared %d failed message(s).", cleared))
		return nil
	default:
		model.systemLine("Unknown command: " + fields[0])
		return nil
	}
}

// maybeSignalTyping tells the server the user is composing, at most once
// per typingSignalInterval so keystrokes do not flood the connection.
func (model *TUIModel) maybeSignalTyping() {
	if model.room == "" || model.connState != StateConnected {
		return
	}
	if strings.TrimSpace(model.textInput.Value()) == "" {
		return
	}
	if time.Since(model.lastTyping) < typingSignalInterval {
		return
	}
	model.lastTyping = time.Now()
	model.conn.Typing(model.room, true)
}

func (model *TUIModel) applyEvent(ev Event) {
	switch ev.Kind {
	case EventState:
		model.connState = ev.State
		model.attempts = ev.Attempts
		model.connErr = ev.Err
		switch ev.State {
		case StateConnected:
			model.systemLine("Connected.")
		case StateReconnecting:
			model.systemLine(fmt.Sprintf("Connection lost. Reconnecting (attempt %d)…", ev.Attempts))
		case StateError:
			if ev.Err != nil {
				model.systemLine("Connection failed: " + ev.Err.Error())
			}
		}

	case EventBroadcast:
		model.rememberName(ev.Env.SenderID, ev.Env.SenderName)
		model.absorbBroadcast(ev.Env)

	case EventPresence:
		model.rememberName(ev.Env.SenderID, ev.Env.SenderName)
		if ev.Env.RoomID == model.room {
			model.presence = ev.Env.Users
		}
		switch ev.Env.Event {
		case PresenceJoin:
			model.systemLine(model.displayName(ev.Env.SenderID) + " joined " + ev.Env.RoomID + ".")
		case PresenceLeave:
			model.systemLine(model.displayName(ev.Env.SenderID) + " left " + ev.Env.RoomID + ".")
		}

	case EventTyping:
		if ev.Env.RoomID == model.room {
			model.typing = usersExcept(ev.Env.Users, model.userID)
		}

	case EventReject:
		reason := ev.Env.Reason
		if reason == "" {
			reason = "rejected"
		}
		model.systemLine("Message not delivered: " + reason)
	}
}

// absorbBroadcast folds an authoritative room message into the transcript.
// The sender's own messages replace the local echo written at send time.
func (model *TUIModel) absorbBroadcast(env Envelope) {
	if env.CorrelationID != "" {
		for i := range model.lines {
			if model.lines[i].CorrelationID == env.CorrelationID {
				model.lines[i].Ts = env.ServerTS
				model.lines[i].Body = env.Body
				return
			}
		}
	}
	model.lines = append(model.lines, chatLine{
		CorrelationID: env.CorrelationID,
		RoomID:        env.RoomID,
		User:          env.SenderName,
		Body:          env.Body,
		Kind:          env.Kind,
		Ts:            env.ServerTS,
	})
}

func (model *TUIModel) rememberName(userID, username string) {
	if userID != "" && username != "" {
		model.names[userID] = username
	}
}

// displayName maps a user ID to the last username seen for it, falling
// back to the raw ID for users we have never heard from.
func (model *TUIModel) displayName(userID string) string {
	if name, ok := model.names[userID]; ok {
		return name
	}
	return userID
}

func usersExcept(users []string, skip string) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u != skip {
			out = append(out, u)
		}
	}
	return out
}
