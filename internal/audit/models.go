package audit

import "time"

// Event records a security-relevant identity outcome. It never carries raw tokens
// or key material; Subject is only set when the identity was verified.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Mode      string    `json:"mode"`
	Kind      string    `json:"kind,omitempty"`
	Source    string    `json:"source,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	Client    string    `json:"client,omitempty"`
}

// Actions emitted by the resolver.
const (
	ActionRejected    = "identity.rejected"
	ActionInvalidated = "identity.invalidated"
)
