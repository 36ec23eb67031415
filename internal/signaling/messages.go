package signaling

import "encoding/json"

// MessageType enumerates the envelope types understood by the relay.
type MessageType string

const (
	TypeOpen      MessageType = "OPEN"
	TypeLeave     MessageType = "LEAVE"
	TypeCandidate MessageType = "CANDIDATE"
	TypeOffer     MessageType = "OFFER"
	TypeAnswer    MessageType = "ANSWER"
	TypeExpire    MessageType = "EXPIRE"
	TypeHeartbeat MessageType = "HEARTBEAT"
)

// Envelope is the wire unit exchanged over a signaling connection.
//
// Payload is opaque to the relay: it is carried as raw JSON and forwarded
// byte-for-byte after envelope re-framing. The relay never free-forms src; a
// forwarded envelope always carries the sender's bound id.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// known reports whether t is a type the relay understands. Unknown types are
// protocol errors: dropped and logged, never punished with a close.
func (t MessageType) known() bool {
	switch t {
	case TypeOpen, TypeLeave, TypeCandidate, TypeOffer, TypeAnswer, TypeExpire, TypeHeartbeat:
		return true
	default:
		return false
	}
}

// addressed reports whether t is forwarded to a destination peer rather than
// consumed by the relay itself.
func (t MessageType) addressed() bool {
	return t.known() && t != TypeOpen && t != TypeHeartbeat
}
