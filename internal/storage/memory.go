package storage

import (
	"context"
	"math/rand/v2"
	"sync"

	"chatgogo/rendezvous/internal/models"

	"github.com/google/uuid"
)

// MemoryBackend is an in-process room registry shared by any number of
// MemoryStore client sessions.
type MemoryBackend struct {
	opts options

	mu     sync.Mutex
	rooms  map[string]*models.Room
	owners map[string]*MemoryStore
	subs   map[string]map[*subscription]struct{}
}

func NewMemoryBackend(opts ...Option) *MemoryBackend {
	return &MemoryBackend{
		opts:   newOptions(opts),
		rooms:  make(map[string]*models.Room),
		owners: make(map[string]*MemoryStore),
		subs:   make(map[string]map[*subscription]struct{}),
	}
}

// Connect opens a client session against the backend.
func (b *MemoryBackend) Connect() *MemoryStore {
	return &MemoryStore{backend: b}
}

// Len returns the number of stored rooms, expired ones included.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms)
}

// Put stores room as is. Tests use it to seed records.
func (b *MemoryBackend) Put(room *models.Room) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms[room.ID] = room.Clone()
	b.notifyLocked(room.ID, room)
}

func (b *MemoryBackend) notifyLocked(roomID string, room *models.Room) {
	for sub := range b.subs[roomID] {
		sub.push(room)
	}
}

func (b *MemoryBackend) deleteLocked(roomID string) bool {
	if _, ok := b.rooms[roomID]; !ok {
		return false
	}
	delete(b.rooms, roomID)
	delete(b.owners, roomID)
	b.notifyLocked(roomID, nil)
	return true
}

// MemoryStore is one client session of a MemoryBackend.
type MemoryStore struct {
	backend *MemoryBackend
	closed  bool
}

var _ RoomStore = (*MemoryStore)(nil)

func (s *MemoryStore) CreateRoom(ctx context.Context, hostAddress string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	room := models.NewRoom(uuid.NewString(), hostAddress, b.opts.clock.Now(), b.opts.ttl)
	b.rooms[room.ID] = room
	b.owners[room.ID] = s
	b.notifyLocked(room.ID, room)

	return room.ID, nil
}

func (s *MemoryStore) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return b.rooms[roomID].Clone(), nil
}

func (s *MemoryStore) JoinRoom(ctx context.Context, roomID, guestAddress string) (*models.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	room, ok := b.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if room.IsExpired(b.opts.clock.Now()) {
		b.deleteLocked(roomID)
		return nil, ErrRoomNotFound
	}
	if room.GuestAddress != "" {
		return nil, ErrRoomOccupied
	}

	room.GuestAddress = guestAddress
	b.notifyLocked(roomID, room)

	return room.Clone(), nil
}

func (s *MemoryStore) FindWaitingRoom(ctx context.Context) (*models.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	now := b.opts.clock.Now()
	var waiting []*models.Room
	for _, room := range b.rooms {
		if room.IsWaiting(now) {
			waiting = append(waiting, room)
		}
	}
	if len(waiting) == 0 {
		return nil, nil
	}

	return waiting[rand.IntN(len(waiting))].Clone(), nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, roomID string, fn func(*models.Room)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	sub := newSubscription(fn)
	if b.subs[roomID] == nil {
		b.subs[roomID] = make(map[*subscription]struct{})
	}
	b.subs[roomID][sub] = struct{}{}
	sub.push(b.rooms[roomID])

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[roomID], sub)
			if len(b.subs[roomID]) == 0 {
				delete(b.subs, roomID)
			}
			b.mu.Unlock()
			sub.stop()
		})
	}
	context.AfterFunc(ctx, unsubscribe)

	return unsubscribe, nil
}

func (s *MemoryStore) DeleteRoom(ctx context.Context, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	b.deleteLocked(roomID)
	return nil
}

func (s *MemoryStore) CleanupExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	now := b.opts.clock.Now().UnixMilli()
	removed := 0
	for id, room := range b.rooms {
		if room.ExpiresAt < now && b.deleteLocked(id) {
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) ListRooms(ctx context.Context) ([]*models.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rooms := make([]*models.Room, 0, len(b.rooms))
	for _, room := range b.rooms {
		rooms = append(rooms, room.Clone())
	}
	return rooms, nil
}

// Close ends the session and deletes every room it created.
func (s *MemoryStore) Close() error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for id, owner := range b.owners {
		if owner == s {
			b.deleteLocked(id)
		}
	}
	return nil
}
