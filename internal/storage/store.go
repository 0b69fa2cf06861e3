package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle and exposes the persistence collaborators
// the transport core consumes: message history, user accounts, room
// authorization data, and attachments.
type Store struct {
	db *sql.DB
}

// User represents a row in the users table.
type User struct {
	ID           string
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Message is one durably recorded envelope. (RoomID, Sequence) is the
// primary key; sequence numbers are per-room.
type Message struct {
	RoomID        string
	Sequence      int64
	CorrelationID string
	SenderID      string
	SenderName    string
	Kind          string
	Body          string
	AttachmentID  string
	ServerTS      int64
}

// Attachment is stored metadata for uploaded bytes kept on disk.
type Attachment struct {
	ID          string
	UploaderID  string
	Name        string
	ContentType string
	Size        int64
	CreatedAt   time.Time
}

// ErrUserExists is returned when attempting to insert a duplicate username.
var ErrUserExists = errors.New("user already exists")

// ErrDuplicateSequence is returned when a message with the same room and
// sequence was already persisted.
var ErrDuplicateSequence = errors.New("sequence already persisted")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "wirechat.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			private INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS room_members (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS blocks (
			user_id TEXT NOT NULL,
			blocked_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, blocked_id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			room_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			correlation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'chat',
			body TEXT NOT NULL DEFAULT '',
			attachment_id TEXT NOT NULL DEFAULT '',
			server_ts INTEGER NOT NULL,
			PRIMARY KEY (room_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			uploader_id TEXT NOT NULL,
			name TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateUser inserts a new user. ErrUserExists is returned on conflicts.
func (s *Store) CreateUser(ctx context.Context, id, username string, passwordHash []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users(id, username, password_hash) VALUES(?, ?, ?)`, id, username, passwordHash)
	if err != nil {
		if isConstraintError(err) {
			return ErrUserExists
		}
		return err
	}
	return nil
}

// GetUserByUsername fetches a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username)
	var user User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// GetUserByID fetches a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE id = ?`, id)
	var user User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// CreateRoom registers a room. Rooms referenced for the first time by a
// join are public and need no row; a row exists to mark a room private or
// to pin its creation time.
func (s *Store) CreateRoom(ctx context.Context, id string, private bool) error {
	flag := 0
	if private {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO rooms(id, private) VALUES(?, ?)`, id, flag)
	return err
}

// AddRoomMember grants a user access to a private room.
func (s *Store) AddRoomMember(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO room_members(room_id, user_id) VALUES(?, ?)`, roomID, userID)
	return err
}

// CanJoin implements the authorization collaborator: unknown and public
// rooms admit anyone; private rooms require a membership row.
func (s *Store) CanJoin(ctx context.Context, userID, roomID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT private FROM rooms WHERE id = ?`, roomID)
	var private int
	if err := row.Scan(&private); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, err
	}
	if private == 0 {
		return true, nil
	}
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// AddBlock records that user blocks other. Directional.
func (s *Store) AddBlock(ctx context.Context, userID, blockedID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO blocks(user_id, blocked_id) VALUES(?, ?)`, userID, blockedID)
	return err
}

// RemoveBlock deletes a block row if present.
func (s *Store) RemoveBlock(ctx context.Context, userID, blockedID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE user_id = ? AND blocked_id = ?`, userID, blockedID)
	return err
}

// IsBlocked reports whether userID blocks otherID. Directional; callers
// check both directions where the policy is symmetric.
func (s *Store) IsBlocked(ctx context.Context, userID, otherID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM blocks WHERE user_id = ? AND blocked_id = ?`, userID, otherID)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// PersistMessage records one accepted envelope. The (room, seq) primary
// key makes double-assignment a hard error rather than silent corruption.
func (s *Store) PersistMessage(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages(room_id, seq, correlation_id, sender_id, sender_name, kind, body, attachment_id, server_ts)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.RoomID, m.Sequence, m.CorrelationID, m.SenderID, m.SenderName, m.Kind, m.Body, m.AttachmentID, m.ServerTS)
	if err != nil {
		if isConstraintError(err) {
			return ErrDuplicateSequence
		}
		return err
	}
	return nil
}

// LoadRecentMessages returns up to limit messages with seq < beforeSequence
// for the room, oldest first.
func (s *Store) LoadRecentMessages(ctx context.Context, roomID string, beforeSequence int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, seq, correlation_id, sender_id, sender_name, kind, body, attachment_id, server_ts
		FROM messages
		WHERE room_id = ? AND seq < ?
		ORDER BY seq DESC
		LIMIT ?
	`, roomID, beforeSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.RoomID, &m.Sequence, &m.CorrelationID, &m.SenderID, &m.SenderName, &m.Kind, &m.Body, &m.AttachmentID, &m.ServerTS); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// query walks newest-first for the LIMIT; callers want oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LatestSequence returns the highest sequence persisted for the room, or
// zero for an empty room. Seeds the in-memory counter across restarts.
func (s *Store) LatestSequence(ctx context.Context, roomID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE room_id = ?`, roomID)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// SaveAttachment stores upload metadata.
func (s *Store) SaveAttachment(ctx context.Context, id, uploaderID, name, contentType string, size int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments(id, uploader_id, name, content_type, size) VALUES(?, ?, ?, ?, ?)
	`, id, uploaderID, name, contentType, size)
	return err
}

// GetAttachment fetches upload metadata by id.
func (s *Store) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, uploader_id, name, content_type, size, created_at FROM attachments WHERE id = ?`, id)
	var a Attachment
	if err := row.Scan(&a.ID, &a.UploaderID, &a.Name, &a.ContentType, &a.Size, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintCode
	}
	return false
}
