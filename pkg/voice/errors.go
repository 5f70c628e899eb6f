// Package voice defines the shared error taxonomy and credential types for the
// SiteSpeak voice session core.
//
// Every component that can fail in a user-meaningful way (capture, transport,
// playback) wraps one of the sentinel errors below so that callers can branch
// on the failure class with [errors.Is] without depending on component
// internals. The orchestrator maps these classes onto user-visible recovery
// affordances: re-prompt for permission, retry the device, or offer an
// explicit reconnect.
package voice

import "errors"

var (
	// ErrPermissionDenied indicates the user declined microphone access.
	// Recoverable by re-prompting; never retried automatically.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrDevice indicates a hardware or capture failure. The current turn is
	// aborted and the capture engine released; the session stays connected if
	// the transport is healthy.
	ErrDevice = errors.New("audio device failure")

	// ErrConnection indicates the transport failed to establish or dropped.
	// Reconnection is an explicit orchestrator action, never a silent retry.
	ErrConnection = errors.New("connection failure")

	// ErrProtocol indicates a malformed inbound event. Logged and ignored
	// unless it signals a fatal desync, in which case it degrades to
	// [ErrConnection].
	ErrProtocol = errors.New("protocol violation")

	// ErrDecode indicates a single playback chunk failed to decode. The chunk
	// is skipped; the session and turn continue.
	ErrDecode = errors.New("audio decode failure")
)

// Credentials carries the bearer token and optional pre-established session
// identifier issued by the external auth service. This core only consumes
// credentials; it never issues or refreshes them.
type Credentials struct {
	// Token is the bearer token presented on transport connect.
	Token string

	// SessionID optionally resumes a gateway-assigned session. Empty means
	// the gateway assigns a fresh identifier on open.
	SessionID string
}
