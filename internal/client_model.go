package internal

import (
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// chatLine is one rendered row in the chat transcript. Local echoes carry
// the correlation ID so later acks can stamp them as delivered.
type chatLine struct {
	CorrelationID string
	RoomID        string
	User          string
	Body          string
	Kind          MsgKind
	Ts            int64
	System        bool
}

type TUIModel struct {
	textInput textinput.Model
	conn      *Conn

	serverURL string
	username  string
	userID    string
	room      string

	lines    []chatLine
	presence []string
	typing   []string
	names    map[string]string

	connState  ConnState
	attempts   int
	connErr    error
	lastTyping time.Time
}

func NewTUIModel(conn *Conn, serverURL, userID, username, room string) *TUIModel {
	input := textinput.New()
	input.Placeholder = "Type a message…"
	input.CharLimit = 0
	input.Focus()
	input.Prompt = "> "

	return &TUIModel{
		textInput: input,
		conn:      conn,
		serverURL: serverURL,
		username:  username,
		userID:    userID,
		room:      room,
		lines:     make([]chatLine, 0, 64),
		names:     map[string]string{userID: username},
		connState: StateDisconnected,
	}
}

func (model *TUIModel) Init() tea.Cmd {
	if err := model.conn.Connect(); err != nil {
		model.connErr = err
	}
	if model.room != "" {
		model.conn.Join(model.room)
	}
	return waitForEvent(model.conn.Events())
}

// waitForEvent bridges the connection's event channel into bubbletea.
func waitForEvent(ch <-chan Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return connEventMsg(ev)
	}
}

func (model *TUIModel) systemLine(body string) {
	model.lines = append(model.lines, chatLine{
		User:   "system",
		Body:   body,
		Ts:     time.Now().Unix(),
		System: true,
	})
}
