package config

import "time"

const (
	// Session
	SessionTTL   = time.Hour
	TickInterval = time.Second

	// Handshake
	SettleDelay      = 500 * time.Millisecond
	HandshakeTimeout = 30 * time.Second

	// Signaling link recovery
	ReconnectBaseDelay   = time.Second
	ReconnectMaxDelay    = 8 * time.Second
	MaxReconnectAttempts = 5

	// Store
	HostLeaseTTL      = 15 * time.Second
	HostLeaseInterval = HostLeaseTTL / 3
	CASRetries        = 5
)
