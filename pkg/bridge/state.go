package bridge

// SessionState tracks the readiness of the underlying WhatsApp session.
// QRPending is the initial state. AuthFailed is terminal until the process
// is restarted; Disconnected recovers through the session's reconnect path.
type SessionState int

const (
	StateQRPending SessionState = iota
	StateAuthenticating
	StateConnected
	StateAuthFailed
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateQRPending:
		return "qr_pending"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateAuthFailed:
		return "auth_failed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Target is the resolved group chat in scope for relay. Its Name always
// equals the configured chat name exactly.
type Target struct {
	ID   string
	Name string
}

// snapshot is the immutable state the handler loops read. The lifecycle loop
// is the only writer; each handler loads exactly one snapshot per event, so
// a concurrent re-resolution can never reattribute an in-flight record.
type snapshot struct {
	state  SessionState
	target *Target
}
