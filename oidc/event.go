package oidc

import (
	"sync"
)

// EventType identifies a discrete lifecycle event published by the Engine.
type EventType string

const (
	EventDiscoveryDocumentLoaded          EventType = "discovery_document_loaded"
	EventDiscoveryDocumentLoadError       EventType = "discovery_document_load_error"
	EventDiscoveryDocumentValidationError EventType = "discovery_document_validation_error"
	EventUserProfileLoaded                EventType = "user_profile_loaded"
	EventUserProfileLoadError             EventType = "user_profile_load_error"
	EventTokenReceived                    EventType = "token_received"
	EventTokenRefreshed                   EventType = "token_refreshed"
	EventTokenError                       EventType = "token_error"
	EventTokenRefreshError                EventType = "token_refresh_error"
	EventTokenValidationError             EventType = "token_validation_error"
	EventTokenRevokeError                 EventType = "token_revoke_error"
	EventTokenExpires                     EventType = "token_expires"
	EventCodeError                        EventType = "code_error"
	EventInvalidNonceInState              EventType = "invalid_nonce_in_state"
	EventJwksLoadError                    EventType = "jwks_load_error"
	EventSilentlyRefreshed                EventType = "silently_refreshed"
	EventSilentRefreshTimeout             EventType = "silent_refresh_timeout"
	EventSilentRefreshError               EventType = "silent_refresh_error"
	EventSessionChanged                   EventType = "session_changed"
	EventSessionUnchanged                 EventType = "session_unchanged"
	EventSessionError                     EventType = "session_error"
	EventSessionTerminated                EventType = "session_terminated"
	EventPopupClosed                      EventType = "popup_closed"
	EventPopupBlocked                     EventType = "popup_blocked"
	EventLogout                           EventType = "logout"
)

// Event is the discriminated union of lifecycle events. The concrete types
// are InfoEvent, SuccessEvent and ErrorEvent. Events are broadcast to every
// subscriber; consumers must not mutate them.
type Event interface {
	Type() EventType
}

// InfoEvent carries an informational signal, e.g. "token_expires" with
// Info set to "access_token" or "id_token".
type InfoEvent struct {
	EventType EventType
	Info      interface{}
}

func (e *InfoEvent) Type() EventType { return e.EventType }

// SuccessEvent signals the successful completion of an operation.
type SuccessEvent struct {
	EventType EventType
	Info      interface{}
}

func (e *SuccessEvent) Type() EventType { return e.EventType }

// ErrorEvent signals a failure. Reason carries the underlying cause and
// Params any raw response parts that accompanied it. ErrorEvent implements
// the error interface so that operations can fail with the same value they
// publish on the bus.
type ErrorEvent struct {
	EventType EventType
	Reason    interface{}
	Params    map[string]string
}

func (e *ErrorEvent) Type() EventType { return e.EventType }

func (e *ErrorEvent) Error() string { return string(e.EventType) }

// subscriber buffer. Publishing never blocks; a subscriber that falls this
// far behind starts losing events.
const eventBufferSize = 256

type eventBus struct {
	mu     sync.Mutex
	nextId int
	subs   map[int]chan Event
}

func newEventBus() *eventBus {
	return &eventBus{subs: map[int]chan Event{}}
}

func (b *eventBus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// subscribe registers a new subscriber and returns its channel together
// with a cancel function. Cancel is idempotent.
func (b *eventBus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextId
	b.nextId++
	ch := make(chan Event, eventBufferSize)
	b.subs[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
