package chathub

import (
	"context"
	"errors"
	"log/slog"

	"chatgogo/rendezvous/internal/logger"
	"chatgogo/rendezvous/internal/models"
	"chatgogo/rendezvous/internal/storage"
)

// MatchResult says where a random match landed.
type MatchResult struct {
	RoomID string
	// Room is set when the caller joined an existing room as guest.
	Room   *models.Room
	IsHost bool
}

// Matcher pairs a caller with a waiting stranger, or opens a room for
// the next one.
type Matcher struct {
	Store storage.RoomStore
	log   *slog.Logger
}

func NewMatcher(store storage.RoomStore, log *slog.Logger) *Matcher {
	return &Matcher{
		Store: store,
		log:   logger.OrDefault(log).With(slog.String("component", "matcher")),
	}
}

// Match joins a random waiting room as guest. If there is none, or the
// join loses a race to another guest, it creates a room as host instead.
func (m *Matcher) Match(ctx context.Context, address string) (*MatchResult, error) {
	const op = "chathub.Matcher.Match"

	if n, err := m.Store.CleanupExpired(ctx); err != nil {
		m.log.Warn("cleanup before match failed", slog.String("op", op), logger.Err(err))
	} else if n > 0 {
		m.log.Debug("removed expired rooms", slog.Int("count", n))
	}

	waiting, err := m.Store.FindWaitingRoom(ctx)
	if err != nil {
		return nil, err
	}

	if waiting != nil && waiting.HostAddress != address {
		room, err := m.Store.JoinRoom(ctx, waiting.ID, address)
		switch {
		case err == nil:
			m.log.Info("match found", slog.String("room_id", room.ID))
			return &MatchResult{RoomID: room.ID, Room: room}, nil
		case errors.Is(err, storage.ErrRoomNotFound), errors.Is(err, storage.ErrRoomOccupied):
			m.log.Debug("lost race for waiting room, creating one", slog.String("room_id", waiting.ID), logger.Err(err))
		default:
			return nil, err
		}
	}

	roomID, err := m.Store.CreateRoom(ctx, address)
	if err != nil {
		return nil, err
	}

	m.log.Info("no partner yet, waiting in new room", slog.String("room_id", roomID))
	return &MatchResult{RoomID: roomID, IsHost: true}, nil
}
