package protocol

import "fmt"

// WebSocket close codes in the application range (4000-4999).
// Each terminal session state maps to exactly one close code, so a
// device can distinguish "get a new token" from "retry later".
const (
	CloseNormalDelivery   = 4000 // credentials delivered, session complete
	CloseConnectionLimit  = 4001 // per-identity or global connection cap hit
	CloseRateLimited      = 4002 // rate limit denial at admission
	CloseAdmissionReject  = 4003 // system overloaded, admission denied
	CloseTokenInvalid     = 4004 // pairing token unknown or in a terminal status
	CloseTokenExpired     = 4005 // pairing token expired before delivery
	CloseValidationExpiry = 4008 // validation wait exceeded the method timeout
	CloseInactivity       = 4009 // no client activity within the inactivity window
)

// CloseReason is the structured reason string sent with a close frame.
// Format on the wire: "<reason>" or "<reason> retry_after=<seconds>".
type CloseReason struct {
	Code       int
	Reason     string
	RetryAfter int64 // seconds; 0 means no hint
}

// Text renders the close reason for the wire. Close payloads are capped
// at 125 bytes, so this stays terse.
func (r CloseReason) Text() string {
	if r.RetryAfter > 0 {
		return fmt.Sprintf("%s retry_after=%d", r.Reason, r.RetryAfter)
	}
	return r.Reason
}
