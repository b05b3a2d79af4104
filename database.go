package main

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// Database owns all durable state: the user directory, session tokens, and
// the conversation/message store. Conflicting writes are serialized by a
// transaction per call where ordering matters; sqlite serializes the rest.
type Database struct {
	db *sql.DB
}

func NewDatabase(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

func (d *Database) CreateTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		approved BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		session_id TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT, -- NULL for direct chats, set for group chats
		type TEXT NOT NULL CHECK (type IN ('direct', 'group')),
		created_by INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (created_by) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS participants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_read_message_id INTEGER,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id),
		FOREIGN KEY (user_id) REFERENCES users(id),
		UNIQUE(conversation_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL,
		sender_id INTEGER NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id),
		FOREIGN KEY (sender_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
	CREATE INDEX IF NOT EXISTS idx_participants_conversation ON participants(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, expires_at);
	`

	_, err := d.db.Exec(schema)
	return err
}

// --- User directory ---

// AddUser registers a user. New users start unapproved; an admin must
// approve them before they can authenticate.
func (d *Database) AddUser(username, password string) (*User, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	result, err := d.db.Exec(
		"INSERT INTO users (username, password, approved) VALUES (?, ?, 0)",
		username, string(hashedPassword),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("username %q already taken: %w", username, ErrConflict)
		}
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return d.GetUserByID(int(id))
}

func (d *Database) GetUser(username string) (*User, error) {
	user := &User{}
	err := d.db.QueryRow(
		"SELECT id, username, password, approved, created_at FROM users WHERE username = ?",
		username,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Approved, &user.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (d *Database) GetUserByID(userID int) (*User, error) {
	user := &User{}
	err := d.db.QueryRow(
		"SELECT id, username, password, approved, created_at FROM users WHERE id = ?",
		userID,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Approved, &user.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user id %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (d *Database) SetApproved(username string, approved bool) error {
	result, err := d.db.Exec(
		"UPDATE users SET approved = ? WHERE username = ?",
		approved, username,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	return nil
}

func (d *Database) ListUsers() ([]User, error) {
	rows, err := d.db.Query(
		"SELECT id, username, password, approved, created_at FROM users ORDER BY username ASC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var user User
		err := rows.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Approved, &user.CreatedAt)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// --- Session tokens ---

func (d *Database) GetSessionToken(sessionID string) (*SessionToken, error) {
	token := &SessionToken{}
	err := d.db.QueryRow(
		"SELECT id, user_id, session_id, created_at, expires_at FROM sessions WHERE session_id = ?",
		sessionID,
	).Scan(&token.ID, &token.UserID, &token.SessionID, &token.CreatedAt, &token.ExpiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return token, nil
}

// EnsureSession returns a valid session id for the user, reusing an
// existing non-expired token before minting a new one.
func (d *Database) EnsureSession(userID int, ttl time.Duration) (string, error) {
	now := time.Now().UTC()

	var sessionID string
	err := d.db.QueryRow(
		"SELECT session_id FROM sessions WHERE user_id = ? AND expires_at > ? ORDER BY expires_at DESC LIMIT 1",
		userID, now,
	).Scan(&sessionID)
	if err == nil {
		return sessionID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	sessionID = uuid.NewString()
	_, err = d.db.Exec(
		"INSERT INTO sessions (user_id, session_id, created_at, expires_at) VALUES (?, ?, ?, ?)",
		userID, sessionID, now, now.Add(ttl),
	)
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// --- Conversation store ---

func (d *Database) CreateConversation(name *string, convType string, creatorID int) (*Conversation, error) {
	if convType != ConversationDirect && convType != ConversationGroup {
		return nil, fmt.Errorf("conversation type %q: %w", convType, ErrBadRequest)
	}

	result, err := d.db.Exec(
		"INSERT INTO conversations (name, type, created_by) VALUES (?, ?, ?)",
		name, convType, creatorID,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return d.GetConversation(int(id))
}

func (d *Database) GetConversation(conversationID int) (*Conversation, error) {
	conv := &Conversation{}
	err := d.db.QueryRow(
		"SELECT id, name, type, created_by, created_at FROM conversations WHERE id = ?",
		conversationID,
	).Scan(&conv.ID, &conv.Name, &conv.Type, &conv.CreatedBy, &conv.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %d: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// GetOrCreateDirect returns the direct conversation between two users,
// creating it on first use. At most one direct conversation exists per
// unordered user pair; the lookup and create run in one transaction.
func (d *Database) GetOrCreateDirect(userA, userB int) (int, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var conversationID int
	err = tx.QueryRow(`
		SELECT c.id FROM conversations c
		JOIN participants p1 ON p1.conversation_id = c.id AND p1.user_id = ?
		JOIN participants p2 ON p2.conversation_id = c.id AND p2.user_id = ?
		WHERE c.type = 'direct'
	`, userA, userB).Scan(&conversationID)
	if err == nil {
		return conversationID, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	result, err := tx.Exec(
		"INSERT INTO conversations (name, type, created_by) VALUES (NULL, 'direct', ?)",
		userA,
	)
	if err != nil {
		return 0, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, userID := range []int{userA, userB} {
		if _, err := tx.Exec(
			"INSERT INTO participants (conversation_id, user_id) VALUES (?, ?)",
			id, userID,
		); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(id), nil
}

func (d *Database) AddParticipant(conversationID, userID int) error {
	if _, err := d.GetConversation(conversationID); err != nil {
		return err
	}
	if _, err := d.GetUserByID(userID); err != nil {
		return err
	}

	_, err := d.db.Exec(
		"INSERT OR IGNORE INTO participants (conversation_id, user_id) VALUES (?, ?)",
		conversationID, userID,
	)
	return err
}

func (d *Database) RemoveParticipant(conversationID, userID int) error {
	result, err := d.db.Exec(
		"DELETE FROM participants WHERE conversation_id = ? AND user_id = ?",
		conversationID, userID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("participant (conversation %d, user %d): %w", conversationID, userID, ErrNotFound)
	}
	return nil
}

func (d *Database) GetParticipants(conversationID int) ([]Participant, error) {
	rows, err := d.db.Query(`
		SELECT p.id, p.conversation_id, p.user_id, u.username, p.joined_at, p.last_read_message_id
		FROM participants p
		JOIN users u ON p.user_id = u.id
		WHERE p.conversation_id = ?
		ORDER BY p.joined_at ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	participants := make([]Participant, 0)
	for rows.Next() {
		var p Participant
		var lastRead sql.NullInt64
		err := rows.Scan(&p.ID, &p.ConversationID, &p.UserID, &p.Username, &p.JoinedAt, &lastRead)
		if err != nil {
			return nil, err
		}
		p.LastReadMessageID = int(lastRead.Int64)
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (d *Database) GetParticipant(conversationID, userID int) (*Participant, error) {
	p := &Participant{}
	var lastRead sql.NullInt64
	err := d.db.QueryRow(`
		SELECT p.id, p.conversation_id, p.user_id, u.username, p.joined_at, p.last_read_message_id
		FROM participants p
		JOIN users u ON p.user_id = u.id
		WHERE p.conversation_id = ? AND p.user_id = ?
	`, conversationID, userID).Scan(&p.ID, &p.ConversationID, &p.UserID, &p.Username, &p.JoinedAt, &lastRead)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("participant (conversation %d, user %d): %w", conversationID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.LastReadMessageID = int(lastRead.Int64)
	return p, nil
}

// AppendMessage durably stores a message and returns it with its assigned
// id. Messages are immutable once created; persistence is atomic per
// message.
func (d *Database) AppendMessage(conversationID, senderID int, content string) (*Message, error) {
	if _, err := d.GetConversation(conversationID); err != nil {
		return nil, err
	}

	result, err := d.db.Exec(
		"INSERT INTO messages (conversation_id, sender_id, content) VALUES (?, ?, ?)",
		conversationID, senderID, content,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return d.GetMessageByID(int(id))
}

func (d *Database) GetMessageByID(messageID int) (*Message, error) {
	message := &Message{}
	err := d.db.QueryRow(
		"SELECT id, conversation_id, sender_id, content, created_at FROM messages WHERE id = ?",
		messageID,
	).Scan(&message.ID, &message.ConversationID, &message.SenderID, &message.Content, &message.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return message, nil
}

// GetMessagesBefore pages backwards through history. The message at the
// cursor is excluded; a zero cursor means "newest". The scan is
// newest-first, the result oldest-first.
func (d *Database) GetMessagesBefore(conversationID, beforeID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, conversation_id, sender_id, content, created_at
		FROM messages
		WHERE conversation_id = ?
	`
	args := []interface{}{conversationID}
	if beforeID > 0 {
		query += " AND id < ?"
		args = append(args, beforeID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var message Message
		err := rows.Scan(&message.ID, &message.ConversationID, &message.SenderID, &message.Content, &message.CreatedAt)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to get oldest-first order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// UpdateLastRead advances a participant's read watermark. The watermark is
// monotonic; moving it backwards is a Conflict.
func (d *Database) UpdateLastRead(participantID, messageID int) error {
	var current sql.NullInt64
	err := d.db.QueryRow(
		"SELECT last_read_message_id FROM participants WHERE id = ?",
		participantID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("participant %d: %w", participantID, ErrNotFound)
	}
	if err != nil {
		return err
	}

	if current.Valid && int(current.Int64) >= messageID {
		return fmt.Errorf("watermark %d behind current %d: %w", messageID, current.Int64, ErrConflict)
	}

	_, err = d.db.Exec(
		"UPDATE participants SET last_read_message_id = ? WHERE id = ? AND (last_read_message_id IS NULL OR last_read_message_id < ?)",
		messageID, participantID, messageID,
	)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}
