package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatgogo/rendezvous/internal/config"
	"chatgogo/rendezvous/internal/models"

	"github.com/jonboulle/clockwork"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomOccupied     = errors.New("room already has a guest")
	ErrStoreUnavailable = errors.New("room store unavailable")
	ErrStoreClosed      = errors.New("room store closed")
)

// RoomStore is the shared rendezvous registry. Every client process holds
// its own RoomStore session; rooms created through a session are removed
// when that session ends (Close, or a lapsed host lease).
type RoomStore interface {
	// CreateRoom writes a new room with no guest and returns its id.
	CreateRoom(ctx context.Context, hostAddress string) (string, error)
	// GetRoom returns nil, nil when the room does not exist.
	GetRoom(ctx context.Context, roomID string) (*models.Room, error)
	// JoinRoom attaches guestAddress if and only if the room has no guest
	// yet and has not expired.
	JoinRoom(ctx context.Context, roomID, guestAddress string) (*models.Room, error)
	// FindWaitingRoom picks one joinable room uniformly at random, or nil.
	FindWaitingRoom(ctx context.Context) (*models.Room, error)
	// Subscribe calls fn with the current state and then on every change,
	// with nil once the room is deleted. Calls are serialized.
	Subscribe(ctx context.Context, roomID string, fn func(*models.Room)) (func(), error)
	DeleteRoom(ctx context.Context, roomID string) error
	// CleanupExpired removes every room past its expiry and returns the count.
	CleanupExpired(ctx context.Context) (int, error)
	ListRooms(ctx context.Context) ([]*models.Room, error)
	Close() error
}

type Option func(*options)

type options struct {
	clock    clockwork.Clock
	ttl      time.Duration
	leaseTTL time.Duration
	logger   *slog.Logger
}

func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTTL overrides the room lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithLeaseTTL sets how long a host lease survives without a refresh.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *options) { o.leaseTTL = ttl }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func newOptions(opts []Option) options {
	o := options{
		clock:    clockwork.NewRealClock(),
		ttl:      config.SessionTTL,
		leaseTTL: config.HostLeaseTTL,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
