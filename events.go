package main

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// EventKind is the closed set of administrative state changes that flow
// from the user directory to live sessions.
type EventKind int

const (
	UserAdded EventKind = iota
	UserApproved
	UserRejected
	UserLoggedOut
)

func (k EventKind) String() string {
	switch k {
	case UserAdded:
		return "added"
	case UserApproved:
		return "approved"
	case UserRejected:
		return "rejected"
	case UserLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

type UserEvent struct {
	Kind     EventKind
	Username string
}

type EventListener func(UserEvent)

// EventBus fans administrative events out to subscribers. Every listener
// runs in its own goroutine so a slow or panicking subscriber never blocks
// the publisher or its peers.
type EventBus struct {
	mu        sync.RWMutex
	listeners []EventListener
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

func (b *EventBus) Subscribe(l EventListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *EventBus) Publish(evt UserEvent) {
	b.mu.RLock()
	listeners := make([]EventListener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		go func(l EventListener) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("event", evt.Kind.String()).
						Str("username", evt.Username).
						Msg("Event listener panicked")
				}
			}()
			l(evt)
		}(l)
	}
}
