package models

// Status is the lifecycle state of a chat session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusWaiting      Status = "waiting"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusExpired      Status = "expired"
	StatusError        Status = "error"
)

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDisconnected, StatusExpired, StatusError:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }
