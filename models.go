package main

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Approved     bool      `json:"approved"`
	CreatedAt    time.Time `json:"created_at"`
}

type SessionToken struct {
	ID        int       `json:"id"`
	UserID    int       `json:"user_id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

type Conversation struct {
	ID        int       `json:"id"`
	Name      *string   `json:"name"` // nil for direct chats
	Type      string    `json:"type"`
	CreatedBy int       `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type Participant struct {
	ID                int       `json:"id"`
	ConversationID    int       `json:"conversation_id"`
	UserID            int       `json:"user_id"`
	Username          string    `json:"username"`
	JoinedAt          time.Time `json:"joined_at"`
	LastReadMessageID int       `json:"last_read_message_id"`
}

type Message struct {
	ID             int       `json:"id"`
	ConversationID int       `json:"conversation_id"`
	SenderID       int       `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Wire frames exchanged over the live connection. The first client frame
// on /ws/chat is always AuthRequest; everything after is a ChatFrame.

type AuthRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	SessionID string `json:"session_id,omitempty"`
}

const (
	AuthSuccess = "AUTH_SUCCESS"
	AuthFailed  = "AUTH_FAILED"
)

type AuthResponse struct {
	Type      string `json:"type"` // always "response"
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Role      bool   `json:"role,omitempty"`
}

type ChatFrame struct {
	Type     string          `json:"type"` // "message"
	Data     json.RawMessage `json:"data"` // opaque payload, e.g. {"msg": "..."}
	RoomID   int             `json:"room_id"`
	RoomName string          `json:"room_name,omitempty"`
	ChatType string          `json:"chat_type,omitempty"`
	Sender   string          `json:"sender,omitempty"`
}

// CommandFrame carries server-initiated commands, currently only the
// "rejected" forced-disconnect signal.
type CommandFrame struct {
	Type string `json:"type"` // always "cmd"
	Data string `json:"data"`
}

const CmdRejected = "rejected"

func rejectedCommand() []byte {
	b, _ := json.Marshal(CommandFrame{Type: "cmd", Data: CmdRejected})
	return b
}

// DeliveryReport summarizes a single routed message: who it was addressed
// to, who actually got a live copy, and which stale entries were pruned.
type DeliveryReport struct {
	MessageID  int      `json:"message_id"`
	Recipients int      `json:"recipients"`
	Delivered  []string `json:"delivered"`
	Pruned     []string `json:"pruned"`
	Dropped    bool     `json:"dropped"`
}
