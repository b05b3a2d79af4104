package main

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Router takes inbound chat frames from authenticated senders, persists
// them, and fans them out to the conversation's live participants.
type Router struct {
	db       *Database
	registry *Registry
}

func NewRouter(db *Database, registry *Registry) *Router {
	return &Router{db: db, registry: registry}
}

// Route persists the message and then broadcasts it. Store failure fails
// the whole call before anything is delivered; delivery failures after a
// successful write are isolated per recipient and reported, never
// returned as errors.
//
// A frame without a room_id is silently dropped, matching the original
// behavior. Logged and counted, pending product clarification.
func (rt *Router) Route(sender *User, frame ChatFrame) (*DeliveryReport, error) {
	if frame.RoomID == 0 {
		log.Warn().Str("sender", sender.Username).Msg("Dropping message without room_id")
		metricMessagesDropped.Inc()
		return &DeliveryReport{Dropped: true}, nil
	}

	content := string(frame.Data)
	if content == "" {
		content = "{}"
	}

	message, err := rt.db.AppendMessage(frame.RoomID, sender.ID, content)
	if err != nil {
		return nil, fmt.Errorf("persist message for conversation %d: %w", frame.RoomID, err)
	}
	metricMessagesRouted.Inc()

	// Echo the inbound frame to all participants, stamped with the sender.
	frame.Type = "message"
	frame.Sender = sender.Username
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode fan-out frame: %w", err)
	}

	delivered, pruned, err := rt.registry.BroadcastToConversation(frame.RoomID, payload)
	if err != nil {
		// The message is already durable; live delivery is best-effort.
		log.Error().
			Int("conversation_id", frame.RoomID).
			Int("message_id", message.ID).
			Err(err).
			Msg("Fan-out failed after persist")
		return &DeliveryReport{MessageID: message.ID}, nil
	}

	report := &DeliveryReport{
		MessageID:  message.ID,
		Recipients: len(delivered) + len(pruned),
		Delivered:  delivered,
		Pruned:     pruned,
	}

	log.Debug().
		Int("conversation_id", frame.RoomID).
		Int("message_id", message.ID).
		Int("delivered", len(delivered)).
		Int("pruned", len(pruned)).
		Msg("Message routed")

	return report, nil
}
