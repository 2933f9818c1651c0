package models

// SignalType enumerates the envelopes relayed by the address broker.
type SignalType string

const (
	// SignalOpen is sent by the broker right after a link is established
	// and carries the address assigned to it.
	SignalOpen   SignalType = "open"
	SignalOffer  SignalType = "offer"
	SignalAnswer SignalType = "answer"
	// SignalError reports a relay failure back to the sender.
	SignalError SignalType = "error"
)

// Signal is the JSON envelope exchanged with the broker over websocket.
type Signal struct {
	Type  SignalType `json:"type"`
	From  string     `json:"from,omitempty"`
	To    string     `json:"to,omitempty"`
	SDP   string     `json:"sdp,omitempty"`
	Error string     `json:"error,omitempty"`
}

const ErrPeerUnavailable = "peer-unavailable"
