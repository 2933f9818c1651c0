package models

import "time"

// Room is the rendezvous record two anonymous peers meet in.
// A room holds at most two participants: the host that created it and
// a single guest that joined it.
type Room struct {
	// ID is the unique identifier for the room (UUID). It is never reused.
	ID string `json:"id"`
	// CreatedAt is the creation time in milliseconds since the epoch.
	CreatedAt int64 `json:"createdAt"`
	// HostAddress is the transport address of the creator. Immutable.
	HostAddress string `json:"hostAddress"`
	// GuestAddress is empty until a guest joins and is written at most once.
	GuestAddress string `json:"guestAddress,omitempty"`
	// ExpiresAt is CreatedAt plus the session TTL, in milliseconds.
	ExpiresAt int64 `json:"expiresAt"`
}

// NewRoom builds a room record for host created at now.
func NewRoom(id, hostAddress string, now time.Time, ttl time.Duration) *Room {
	created := now.UnixMilli()
	return &Room{
		ID:          id,
		CreatedAt:   created,
		HostAddress: hostAddress,
		ExpiresAt:   created + ttl.Milliseconds(),
	}
}

// IsExpired reports whether the room lifetime has passed at now.
func (r *Room) IsExpired(now time.Time) bool {
	return now.UnixMilli() > r.ExpiresAt
}

// IsWaiting reports whether the room can still accept a guest.
func (r *Room) IsWaiting(now time.Time) bool {
	return r.GuestAddress == "" && r.ExpiresAt > now.UnixMilli()
}

// Remaining returns the time left before expiry, never negative.
func (r *Room) Remaining(now time.Time) time.Duration {
	left := time.Duration(r.ExpiresAt-now.UnixMilli()) * time.Millisecond
	if left < 0 {
		return 0
	}
	return left
}

// ExpiresTime returns ExpiresAt as a time.Time.
func (r *Room) ExpiresTime() time.Time {
	return time.UnixMilli(r.ExpiresAt)
}

func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
