package internal

import (
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
)

// RunClient authenticates against the HTTP surface, opens the resilient
// websocket connection, and hands control to the bubbletea program. A
// login failure for an unknown account falls back to creating it, so a
// fresh install can start chatting with one command.
func RunClient(serverURL, username, password, room string) error {
	if username == "" {
		return errors.New("username is required")
	}
	if password == "" {
		return errors.New("password is required")
	}

	baseURL, err := httpBaseFromWSURL(serverURL)
	if err != nil {
		return fmt.Errorf("derive http base from %s: %w", serverURL, err)
	}

	login, err := apiLogin(baseURL, username, password)
	if err != nil {
		if !errors.Is(err, errUnauthorized) {
			return fmt.Errorf("login: %w", err)
		}
		if err := apiSignup(baseURL, username, password); err != nil {
			return fmt.Errorf("signup: %w", err)
		}
		login, err = apiLogin(baseURL, username, password)
		if err != nil {
			return fmt.Errorf("login after signup: %w", err)
		}
	}

	conn := NewConn(ConnConfig{
		URL:      serverURL,
		Token:    login.Token,
		UserID:   login.UserID,
		Username: login.Username,
	})
	defer conn.Disconnect()

	model := NewTUIModel(conn, serverURL, login.UserID, login.Username, room)
	program := tea.NewProgram(model)
	_, err = program.Run()
	return err
}
