package bus

// Broker lifecycle topics. All share the "broker." prefix.
const (
	TopicSessionAdmitted = "broker.session.admitted"
	TopicSessionPromoted = "broker.session.promoted"
	TopicSessionClosed   = "broker.session.closed"
	TopicAccessResolved  = "broker.access.resolved"
	// TopicIdle fires when the last Instance session is gone.
	TopicIdle = "broker.idle"
)

// SessionEvent describes a session entering or leaving a role.
type SessionEvent struct {
	SessionID string
	Role      string // "unauthorized", "instance" or "external_client"
	Name      string // instance display name or client appName
}

// AccessResolvedEvent is published once per access request.
type AccessResolvedEvent struct {
	RequestID int64
	AppName   string
	Outcome   string // "granted", "denied", "timeout" or "abandoned"
	Asked     int
}
