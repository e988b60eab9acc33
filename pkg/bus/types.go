package bus

import "time"

// LifecycleKind identifies a session lifecycle transition.
type LifecycleKind string

const (
	LifecycleQR           LifecycleKind = "qr"
	LifecycleReady        LifecycleKind = "ready"
	LifecycleAuthFailure  LifecycleKind = "auth_failure"
	LifecycleDisconnected LifecycleKind = "disconnected"
	LifecycleError        LifecycleKind = "error"

	// LifecycleRescan is synthesized internally by the re-resolution schedule
	// so that all target-cache writes stay on the lifecycle loop.
	LifecycleRescan LifecycleKind = "rescan"
)

// LifecycleEvent is a session state change reported by the session client.
type LifecycleEvent struct {
	Kind   LifecycleKind `json:"kind"`
	Reason string        `json:"reason,omitempty"`
	QRCode string        `json:"qr_code,omitempty"` // raw QR data (kind "qr" only)
	QRSVG  string        `json:"qr_svg,omitempty"`  // server-rendered SVG of the QR code
}

// MessageEvent is a single chat message observed by the session client.
// Self-authored messages (sent by the linked account from any device) carry
// FromMe=true and flow through the same path as everything else.
type MessageEvent struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"`
	Body       string    `json:"body"`
	FromMe     bool      `json:"from_me"`
}

// BusEvent is the observer-facing envelope streamed to subscribers (the
// websocket tap). Exactly one payload field is set per event.
type BusEvent struct {
	Type      string            `json:"type"` // "lifecycle", "message", "relay", "confirmation_sent"
	Lifecycle *LifecycleEvent   `json:"lifecycle,omitempty"`
	Message   *MessageEvent     `json:"message,omitempty"`
	Record    map[string]string `json:"record,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Time      time.Time         `json:"time"`
}
