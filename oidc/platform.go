package oidc

import (
	"net/url"
)

// FrameMessage is a postMessage-style payload received from a Frame or
// Popup, together with the origin it was sent from.
type FrameMessage struct {
	Origin string
	Data   string
}

// StorageEvent is a cross-tab storage notification. Popup logins use it as
// a delivery fallback: the popup writes the response hash under the
// "auth_hash" key and the opener observes the write.
type StorageEvent struct {
	Key      string
	NewValue string
}

// Frame is a hidden frame the Engine points at an IdP url. Session checks
// post into it and listen for replies; silent refresh listens for the
// response fragment relayed by the redirect target.
type Frame interface {
	// Messages delivers payloads posted by the frame's content. The
	// channel is closed when the frame is closed.
	Messages() <-chan FrameMessage

	// PostMessage posts into the frame's content window, restricted to
	// the given target origin.
	PostMessage(message, targetOrigin string) error

	Close()
}

// Popup is a separate login window.
type Popup interface {
	Messages() <-chan FrameMessage

	// Closed is signalled when the user closes the popup. Implementations
	// typically poll every 500ms.
	Closed() <-chan struct{}

	Close()
}

// Platform bundles the host-environment capabilities the Engine needs:
// navigation, the current location, hidden frames, popups and cross-tab
// storage events. Injecting it keeps the Engine testable and lets
// non-browser hosts degrade gracefully — with no Platform the Engine still
// performs discovery, token exchange, validation and refresh-token
// refreshes, while frame-based operations report ErrNoPlatform and the
// expiry timers stay silent.
type Platform interface {
	// OpenURL navigates the user to the given url, e.g. by a full-page
	// redirect.
	OpenURL(uri string) error

	// Location returns the current location. May be nil when the host has
	// no addressable location.
	Location() *url.URL

	// ReplaceLocation replaces the visible location without navigating
	// (history.replaceState semantics).
	ReplaceLocation(uri string)

	// CreateFrame creates a (normally hidden) frame named name pointed at
	// src. A pre-existing frame with the same name must be replaced.
	CreateFrame(name, src string, hidden bool) (Frame, error)

	// OpenPopup opens a login popup. A nil Popup with a nil error means
	// the host blocked it.
	OpenPopup(uri string) (Popup, error)

	// StorageEvents delivers cross-tab storage notifications. May return
	// nil when the host has no shared storage.
	StorageEvents() <-chan StorageEvent
}
