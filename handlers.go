package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Server struct {
	db       *Database
	auth     *AuthManager
	registry *Registry
	router   *Router
	bus      *EventBus
	upgrader websocket.Upgrader
}

func NewServer(db *Database, cfg *Config) *Server {
	registry := NewRegistry(db)
	bus := NewEventBus()
	bus.Subscribe(registry.HandleUserEvent)

	return &Server{
		db:       db,
		auth:     NewAuthManager(db, cfg.SessionTTL),
		registry: registry,
		router:   NewRouter(db, registry),
		bus:      bus,
		upgrader: newUpgrader(cfg.AllowedOrigins),
	}
}

func (s *Server) RegisterRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Auth and directory
	mux.HandleFunc("/api/register", s.handleRegister)
	mux.HandleFunc("/api/users", s.handleListUsers)
	mux.HandleFunc("/api/users/online", s.handleListOnline)

	// Conversations and history
	mux.HandleFunc("/api/conversations", s.auth.RequireAuth(s.handleCreateConversation))
	mux.HandleFunc("/api/conversations/direct", s.auth.RequireAuth(s.handleDirectConversation))
	mux.HandleFunc("/api/conversations/", s.auth.RequireAuth(s.handleConversationWithID))
	mux.HandleFunc("/api/messages/read", s.auth.RequireAuth(s.handleMarkRead))
	mux.HandleFunc("/api/messages/", s.auth.RequireAuth(s.handleMessages))

	// Admin actions write the directory and publish to the event bus;
	// connected sessions are updated asynchronously.
	mux.HandleFunc("/api/admin/approve", s.handleApprove)
	mux.HandleFunc("/api/admin/reject", s.handleReject)
	mux.HandleFunc("/api/admin/logout", s.handleForceLogout)

	// Live connection endpoint
	mux.HandleFunc("/ws/chat", s.handleChat)

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]string{"status": "ok"})
	})

	return mux
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		respondError(w, "Username and password required", http.StatusBadRequest)
		return
	}

	user, err := s.db.AddUser(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			respondError(w, "Username already exists", http.StatusConflict)
			return
		}
		respondError(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	// New users wait for admin approval before they can log in.
	s.bus.Publish(UserEvent{Kind: UserAdded, Username: user.Username})

	respondJSON(w, map[string]interface{}{"user": user})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, map[string]interface{}{"users": s.registry.DirectorySnapshot()})
}

func (s *Server) handleListOnline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, map[string]interface{}{"online": s.registry.ListOnline()})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user := userFromContext(r.Context())
	if user == nil {
		respondError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Name         string   `json:"name"`
		Participants []string `json:"participants"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		respondError(w, "Group name required", http.StatusBadRequest)
		return
	}

	conv, err := s.db.CreateConversation(&req.Name, ConversationGroup, user.ID)
	if err != nil {
		respondError(w, "Failed to create conversation", http.StatusInternalServerError)
		return
	}

	if err := s.db.AddParticipant(conv.ID, user.ID); err != nil {
		respondError(w, "Failed to add creator", http.StatusInternalServerError)
		return
	}

	for _, username := range req.Participants {
		member, err := s.db.GetUser(username)
		if err != nil {
			respondError(w, "Unknown participant: "+username, http.StatusNotFound)
			return
		}
		if err := s.db.AddParticipant(conv.ID, member.ID); err != nil {
			respondError(w, "Failed to add participant", http.StatusInternalServerError)
			return
		}
	}

	respondJSON(w, map[string]interface{}{"conversation": conv})
}

func (s *Server) handleDirectConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user := userFromContext(r.Context())
	if user == nil {
		respondError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Username string `json:"username"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	peer, err := s.db.GetUser(req.Username)
	if err != nil {
		respondError(w, "User not found", http.StatusNotFound)
		return
	}

	conversationID, err := s.db.GetOrCreateDirect(user.ID, peer.ID)
	if err != nil {
		respondError(w, "Failed to open direct conversation", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]interface{}{"conversation_id": conversationID})
}

// handleConversationWithID covers /api/conversations/{id}/participants.
func (s *Server) handleConversationWithID(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	if user == nil {
		respondError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "participants" {
		respondError(w, "Invalid URL format", http.StatusNotFound)
		return
	}

	conversationID, err := strconv.Atoi(parts[0])
	if err != nil {
		respondError(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	conv, err := s.db.GetConversation(conversationID)
	if err != nil {
		respondError(w, "Conversation not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		participants, err := s.db.GetParticipants(conversationID)
		if err != nil {
			respondError(w, "Failed to fetch participants", http.StatusInternalServerError)
			return
		}
		respondJSON(w, map[string]interface{}{"participants": participants})
		return

	case http.MethodPost, http.MethodDelete:
		// Direct conversations are fixed at exactly two participants.
		if conv.Type != ConversationGroup {
			respondError(w, "Participants of a direct conversation cannot change", http.StatusBadRequest)
			return
		}

		var req struct {
			Username string `json:"username"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		member, err := s.db.GetUser(req.Username)
		if err != nil {
			respondError(w, "User not found", http.StatusNotFound)
			return
		}

		if r.Method == http.MethodPost {
			err = s.db.AddParticipant(conversationID, member.ID)
		} else {
			err = s.db.RemoveParticipant(conversationID, member.ID)
		}
		if err != nil {
			respondError(w, "Failed to update participants", statusForError(err))
			return
		}

		respondJSON(w, map[string]string{"status": "ok"})
		return

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user := userFromContext(r.Context())
	if user == nil {
		respondError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	conversationID, err := strconv.Atoi(path)
	if err != nil {
		respondError(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	// Only participants may read history.
	if _, err := s.db.GetParticipant(conversationID, user.ID); err != nil {
		respondError(w, "Access denied", http.StatusForbidden)
		return
	}

	before := 0
	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		if parsed, err := strconv.Atoi(beforeStr); err == nil && parsed > 0 {
			before = parsed
		}
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	messages, err := s.db.GetMessagesBefore(conversationID, before, limit)
	if err != nil {
		respondError(w, "Failed to fetch messages", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]interface{}{"messages": messages})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user := userFromContext(r.Context())
	if user == nil {
		respondError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		ConversationID int `json:"conversation_id"`
		MessageID      int `json:"message_id"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	participant, err := s.db.GetParticipant(req.ConversationID, user.ID)
	if err != nil {
		respondError(w, "Not a participant", http.StatusForbidden)
		return
	}

	if err := s.db.UpdateLastRead(participant.ID, req.MessageID); err != nil {
		respondError(w, "Failed to update watermark", statusForError(err))
		return
	}

	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleAdminAction(w, r, true, UserApproved)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.handleAdminAction(w, r, false, UserRejected)
}

func (s *Server) handleAdminAction(w http.ResponseWriter, r *http.Request, approved bool, kind EventKind) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Username string `json:"username"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := s.db.SetApproved(req.Username, approved); err != nil {
		if errors.Is(err, ErrNotFound) {
			respondError(w, "User not found", http.StatusNotFound)
			return
		}
		respondError(w, "Failed to update user", http.StatusInternalServerError)
		return
	}

	s.bus.Publish(UserEvent{Kind: kind, Username: req.Username})
	log.Info().Str("username", req.Username).Str("event", kind.String()).Msg("Admin action")

	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleForceLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Username string `json:"username"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if _, err := s.db.GetUser(req.Username); err != nil {
		respondError(w, "User not found", http.StatusNotFound)
		return
	}

	s.bus.Publish(UserEvent{Kind: UserLoggedOut, Username: req.Username})
	log.Info().Str("username", req.Username).Msg("Forced logout")

	respondJSON(w, map[string]string{"status": "ok"})
}
