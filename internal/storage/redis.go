package storage

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"chatgogo/rendezvous/internal/config"
	"chatgogo/rendezvous/internal/logger"
	"chatgogo/rendezvous/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "rendezvous:"
	indexKey  = keyPrefix + "rooms"

	eventChanged = "changed"
	eventDeleted = "deleted"
)

func roomKey(id string) string       { return keyPrefix + "room:" + id }
func leaseKey(id string) string      { return roomKey(id) + ":lease" }
func eventsChannel(id string) string { return roomKey(id) + ":events" }

// roomHash is the Redis hash layout of a room.
type roomHash struct {
	ID           string `redis:"id"`
	CreatedAt    int64  `redis:"createdAt"`
	HostAddress  string `redis:"hostAddress"`
	GuestAddress string `redis:"guestAddress"`
	ExpiresAt    int64  `redis:"expiresAt"`
}

func (h roomHash) room() *models.Room {
	return &models.Room{
		ID:           h.ID,
		CreatedAt:    h.CreatedAt,
		HostAddress:  h.HostAddress,
		GuestAddress: h.GuestAddress,
		ExpiresAt:    h.ExpiresAt,
	}
}

// RedisStore keeps rooms as hashes, an index set of room ids and one
// lease key per room that the creating session refreshes while alive.
type RedisStore struct {
	rdb        *redis.Client
	opts       options
	log        *slog.Logger
	ownsClient bool

	mu      sync.Mutex
	closed  bool
	keepers map[string]context.CancelFunc
}

var _ RoomStore = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client, opts ...Option) *RedisStore {
	o := newOptions(opts)
	return &RedisStore{
		rdb:     rdb,
		opts:    o,
		log:     logger.OrDefault(o.logger).With(slog.String("store", "redis")),
		keepers: make(map[string]context.CancelFunc),
	}
}

func (s *RedisStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *RedisStore) CreateRoom(ctx context.Context, hostAddress string) (string, error) {
	const op = "storage.redis.CreateRoom"

	if s.isClosed() {
		return "", ErrStoreClosed
	}

	room := models.NewRoom(uuid.NewString(), hostAddress, s.opts.clock.Now(), s.opts.ttl)
	key := roomKey(room.ID)

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"id", room.ID,
			"createdAt", room.CreatedAt,
			"hostAddress", room.HostAddress,
			"guestAddress", "",
			"expiresAt", room.ExpiresAt,
		)
		pipe.SAdd(ctx, indexKey, room.ID)
		pipe.Set(ctx, leaseKey(room.ID), hostAddress, s.opts.leaseTTL)
		pipe.Publish(ctx, eventsChannel(room.ID), eventChanged)
		return nil
	})
	if err != nil {
		return "", unavailable(op, err)
	}

	s.startKeeper(room.ID)

	return room.ID, nil
}

// startKeeper refreshes the host lease until the room is deleted, by
// this session or anyone else, or the session closes.
func (s *RedisStore) startKeeper(roomID string) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.keepers[roomID] = cancel
	s.mu.Unlock()

	interval := s.opts.leaseTTL / 3
	if interval <= 0 {
		interval = config.HostLeaseInterval
	}
	ticker := s.opts.clock.NewTicker(interval)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				ok, err := s.rdb.PExpire(ctx, leaseKey(roomID), s.opts.leaseTTL).Result()
				if err != nil {
					if ctx.Err() == nil {
						s.log.Warn("failed to refresh host lease", slog.String("room_id", roomID), logger.Err(err))
					}
					continue
				}
				if !ok {
					s.log.Debug("room gone, lease keeper stopped", slog.String("room_id", roomID))
					s.stopKeeper(roomID)
					return
				}
			}
		}
	}()
}

func (s *RedisStore) stopKeeper(roomID string) {
	s.mu.Lock()
	cancel, ok := s.keepers[roomID]
	delete(s.keepers, roomID)
	s.mu.Unlock()

	if ok {
		cancel()
	}
}

func readRoom(ctx context.Context, c redis.Cmdable, roomID string) (*models.Room, error) {
	res := c.HGetAll(ctx, roomKey(roomID))
	if err := res.Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(res.Val()) == 0 {
		return nil, nil
	}

	var h roomHash
	if err := res.Scan(&h); err != nil {
		return nil, err
	}
	return h.room(), nil
}

func (s *RedisStore) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	const op = "storage.redis.GetRoom"

	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	room, err := readRoom(ctx, s.rdb, roomID)
	if err != nil {
		return nil, unavailable(op, err)
	}
	return room, nil
}

func (s *RedisStore) JoinRoom(ctx context.Context, roomID, guestAddress string) (*models.Room, error) {
	const op = "storage.redis.JoinRoom"

	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	key := roomKey(roomID)
	var joined *models.Room

	txf := func(tx *redis.Tx) error {
		room, err := readRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return ErrRoomNotFound
		}

		// A lapsed lease means the host is gone without cleaning up.
		leased, err := tx.Exists(ctx, leaseKey(roomID)).Result()
		if err != nil {
			return err
		}

		if room.IsExpired(s.opts.clock.Now()) || leased == 0 {
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				deleteRoomCmds(ctx, pipe, roomID)
				return nil
			})
			if err != nil {
				return err
			}
			return ErrRoomNotFound
		}
		if room.GuestAddress != "" {
			return ErrRoomOccupied
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "guestAddress", guestAddress)
			pipe.Publish(ctx, eventsChannel(roomID), eventChanged)
			return nil
		})
		if err != nil {
			return err
		}

		room.GuestAddress = guestAddress
		joined = room
		return nil
	}

	for i := 0; i < config.CASRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key, leaseKey(roomID))
		switch {
		case err == nil:
			return joined, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrRoomOccupied):
			return nil, err
		default:
			return nil, unavailable(op, err)
		}
	}

	// Every attempt lost to a concurrent writer, which can only be another join.
	return nil, ErrRoomOccupied
}

func deleteRoomCmds(ctx context.Context, pipe redis.Pipeliner, roomID string) {
	pipe.Del(ctx, roomKey(roomID), leaseKey(roomID))
	pipe.SRem(ctx, indexKey, roomID)
	pipe.Publish(ctx, eventsChannel(roomID), eventDeleted)
}

type scannedRoom struct {
	room     *models.Room
	id       string
	hasLease bool
}

// scan loads every indexed room together with its lease state. Index
// entries whose hash vanished are pruned.
func (s *RedisStore) scan(ctx context.Context) ([]scannedRoom, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	hashes := make([]*redis.MapStringStringCmd, len(ids))
	leases := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		hashes[i] = pipe.HGetAll(ctx, roomKey(id))
		leases[i] = pipe.Exists(ctx, leaseKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var stale []any
	rooms := make([]scannedRoom, 0, len(ids))
	for i, id := range ids {
		if len(hashes[i].Val()) == 0 {
			stale = append(stale, id)
			continue
		}
		var h roomHash
		if err := hashes[i].Scan(&h); err != nil {
			s.log.Warn("skipping malformed room", slog.String("room_id", id), logger.Err(err))
			continue
		}
		rooms = append(rooms, scannedRoom{room: h.room(), id: id, hasLease: leases[i].Val() > 0})
	}

	if len(stale) > 0 {
		if err := s.rdb.SRem(ctx, indexKey, stale...).Err(); err != nil {
			s.log.Warn("failed to prune room index", logger.Err(err))
		}
	}

	return rooms, nil
}

func (s *RedisStore) FindWaitingRoom(ctx context.Context) (*models.Room, error) {
	const op = "storage.redis.FindWaitingRoom"

	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	rooms, err := s.scan(ctx)
	if err != nil {
		return nil, unavailable(op, err)
	}

	now := s.opts.clock.Now()
	var waiting []*models.Room
	for _, r := range rooms {
		if r.hasLease && r.room.IsWaiting(now) {
			waiting = append(waiting, r.room)
		}
	}
	if len(waiting) == 0 {
		return nil, nil
	}

	return waiting[rand.IntN(len(waiting))], nil
}

func (s *RedisStore) Subscribe(ctx context.Context, roomID string, fn func(*models.Room)) (func(), error) {
	const op = "storage.redis.Subscribe"

	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	pubsub := s.rdb.Subscribe(ctx, eventsChannel(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, unavailable(op, err)
	}

	// Read the current state only after the subscription is live so that
	// no change can slip in between.
	room, err := readRoom(ctx, s.rdb, roomID)
	if err != nil {
		_ = pubsub.Close()
		return nil, unavailable(op, err)
	}

	sub := newSubscription(fn)
	sub.push(room)

	loopCtx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
			sub.stop()
		})
	}
	context.AfterFunc(ctx, unsubscribe)

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-loopCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == eventDeleted {
					sub.push(nil)
					continue
				}
				room, err := readRoom(loopCtx, s.rdb, roomID)
				if err != nil {
					if loopCtx.Err() == nil {
						s.log.Warn("failed to refresh subscribed room", slog.String("room_id", roomID), logger.Err(err))
					}
					continue
				}
				sub.push(room)
			}
		}
	}()

	return unsubscribe, nil
}

func (s *RedisStore) DeleteRoom(ctx context.Context, roomID string) error {
	const op = "storage.redis.DeleteRoom"

	if s.isClosed() {
		return ErrStoreClosed
	}

	s.stopKeeper(roomID)
	if err := s.deleteRoom(ctx, roomID); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (s *RedisStore) deleteRoom(ctx context.Context, roomID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleteRoomCmds(ctx, pipe, roomID)
		return nil
	})
	return err
}

// CleanupExpired deletes rooms past their expiry and rooms whose host
// lease has lapsed.
func (s *RedisStore) CleanupExpired(ctx context.Context) (int, error) {
	const op = "storage.redis.CleanupExpired"

	if s.isClosed() {
		return 0, ErrStoreClosed
	}

	rooms, err := s.scan(ctx)
	if err != nil {
		return 0, unavailable(op, err)
	}

	now := s.opts.clock.Now().UnixMilli()
	removed := 0
	for _, r := range rooms {
		if r.room.ExpiresAt >= now && r.hasLease {
			continue
		}
		if err := s.deleteRoom(ctx, r.id); err != nil {
			return removed, unavailable(op, err)
		}
		removed++
	}
	return removed, nil
}

func (s *RedisStore) ListRooms(ctx context.Context) ([]*models.Room, error) {
	const op = "storage.redis.ListRooms"

	rooms, err := s.scan(ctx)
	if err != nil {
		return nil, unavailable(op, err)
	}

	res := make([]*models.Room, 0, len(rooms))
	for _, r := range rooms {
		res = append(res, r.room)
	}
	return res, nil
}

// Close stops lease refresh and deletes every room created through this
// session.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	keepers := s.keepers
	s.keepers = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for roomID, stop := range keepers {
		stop()
		if err := s.deleteRoom(ctx, roomID); err != nil {
			errs = append(errs, err)
		}
	}

	if s.ownsClient {
		errs = append(errs, s.rdb.Close())
	}

	return errors.Join(errs...)
}
