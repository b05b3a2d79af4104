package main

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Conn is the surface the registry needs from a live connection. Send must
// not block; a non-nil error marks the connection dead and the registry
// prunes it.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

// Registry is the single authority for "who is online now". All mutation
// of the presence map goes through one mutex; connect, disconnect,
// broadcast and prune are one critical-section family. The raw map is
// never exposed.
type Registry struct {
	db        *Database
	mu        sync.Mutex
	online    map[string]Conn
	directory map[string]bool // username -> approved, event-refreshed view
}

func NewRegistry(db *Database) *Registry {
	return &Registry{
		db:        db,
		online:    make(map[string]Conn),
		directory: make(map[string]bool),
	}
}

// LoadDirectory seeds the registry's view of the user directory. Called
// once at startup; kept fresh afterwards by admin events.
func (r *Registry) LoadDirectory() error {
	users, err := r.db.ListUsers()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.directory = make(map[string]bool, len(users))
	for _, u := range users {
		r.directory[u.Username] = u.Approved
	}
	return nil
}

// Connect admits a live connection for username. If the user is already
// online the previous connection is evicted: it receives the rejected
// command, is closed, and the new connection takes its place.
func (r *Registry) Connect(username string, conn Conn) {
	r.mu.Lock()
	prev, evicting := r.online[username]
	r.online[username] = conn
	count := len(r.online)
	r.mu.Unlock()

	if evicting {
		if err := prev.Send(rejectedCommand()); err != nil {
			log.Debug().Str("username", username).Err(err).Msg("Evicted connection already dead")
		}
		prev.Close()
		metricEvictions.Inc()
		log.Info().Str("username", username).Msg("Evicted previous connection")
	}

	metricActiveConnections.Set(float64(count))
	log.Info().Str("username", username).Int("online", count).Msg("Client connected")
}

// Disconnect removes the presence entry for username, if any.
func (r *Registry) Disconnect(username string) {
	r.mu.Lock()
	_, ok := r.online[username]
	delete(r.online, username)
	count := len(r.online)
	r.mu.Unlock()

	if ok {
		metricActiveConnections.Set(float64(count))
		log.Info().Str("username", username).Int("online", count).Msg("Client disconnected")
	}
}

// release removes the entry only if it still belongs to conn, so a
// lingering read loop of an evicted connection cannot knock its successor
// offline.
func (r *Registry) release(username string, conn Conn) {
	r.mu.Lock()
	current, ok := r.online[username]
	if ok && current == conn {
		delete(r.online, username)
	} else {
		ok = false
	}
	count := len(r.online)
	r.mu.Unlock()

	if ok {
		metricActiveConnections.Set(float64(count))
		log.Info().Str("username", username).Int("online", count).Msg("Client disconnected")
	}
}

func (r *Registry) IsOnline(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.online[username]
	return ok
}

func (r *Registry) ListOnline() []string {
	r.mu.Lock()
	usernames := make([]string, 0, len(r.online))
	for username := range r.online {
		usernames = append(usernames, username)
	}
	r.mu.Unlock()

	sort.Strings(usernames)
	return usernames
}

// BroadcastToConversation delivers payload to every participant of the
// conversation that currently holds a live connection. Undeliverable
// connections are pruned and flipped offline as a side effect; a failure
// for one recipient never stops delivery to the others.
func (r *Registry) BroadcastToConversation(conversationID int, payload []byte) (delivered, pruned []string, err error) {
	participants, err := r.db.GetParticipants(conversationID)
	if err != nil {
		return nil, nil, err
	}

	type target struct {
		username string
		conn     Conn
	}

	r.mu.Lock()
	targets := make([]target, 0, len(participants))
	for _, p := range participants {
		if conn, ok := r.online[p.Username]; ok {
			targets = append(targets, target{p.Username, conn})
		}
	}
	r.mu.Unlock()

	for _, t := range targets {
		if sendErr := t.conn.Send(payload); sendErr != nil {
			r.prune(t.username, t.conn)
			pruned = append(pruned, t.username)
			log.Warn().
				Str("username", t.username).
				Int("conversation_id", conversationID).
				Err(sendErr).
				Msg("Pruned stale connection during broadcast")
			continue
		}
		delivered = append(delivered, t.username)
		metricDeliveries.Inc()
	}

	return delivered, pruned, nil
}

func (r *Registry) prune(username string, conn Conn) {
	r.mu.Lock()
	if current, ok := r.online[username]; ok && current == conn {
		delete(r.online, username)
	}
	count := len(r.online)
	r.mu.Unlock()

	conn.Close()
	metricPrunedConnections.Inc()
	metricActiveConnections.Set(float64(count))
}

// HandleUserEvent is the registry's subscription to the admin event bus.
// Reject and forced logout push the rejected command to the affected live
// connection and mark it offline; socket teardown is left to the client's
// side of the connection. Approve and add refresh the directory view.
func (r *Registry) HandleUserEvent(evt UserEvent) {
	switch evt.Kind {
	case UserRejected, UserLoggedOut:
		r.mu.Lock()
		conn, ok := r.online[evt.Username]
		delete(r.online, evt.Username)
		if evt.Kind == UserRejected {
			r.directory[evt.Username] = false
		}
		count := len(r.online)
		r.mu.Unlock()

		if ok {
			if err := conn.Send(rejectedCommand()); err != nil {
				log.Warn().Str("username", evt.Username).Err(err).Msg("Failed to deliver rejected command")
			}
			metricActiveConnections.Set(float64(count))
			log.Info().
				Str("username", evt.Username).
				Str("event", evt.Kind.String()).
				Msg("Session forced offline")
		}

	case UserAdded, UserApproved:
		user, err := r.db.GetUser(evt.Username)
		if err != nil {
			log.Warn().Str("username", evt.Username).Err(err).Msg("Directory refresh failed")
			return
		}
		r.mu.Lock()
		r.directory[user.Username] = user.Approved
		r.mu.Unlock()
	}
}

type DirectoryEntry struct {
	Username string `json:"username"`
	Approved bool   `json:"approved"`
	Online   bool   `json:"online"`
}

// DirectorySnapshot reports the registry's in-memory view of the user
// directory together with current presence.
func (r *Registry) DirectorySnapshot() []DirectoryEntry {
	r.mu.Lock()
	entries := make([]DirectoryEntry, 0, len(r.directory))
	for username, approved := range r.directory {
		_, online := r.online[username]
		entries = append(entries, DirectoryEntry{Username: username, Approved: approved, Online: online})
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Username < entries[j].Username })
	return entries
}
