package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chatgogo/rendezvous/internal/config"
	"chatgogo/rendezvous/internal/logger"
	"chatgogo/rendezvous/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const notifyChannel = "rendezvous_rooms"

// RoomRow is the Postgres row of a room. LeaseUntil is pushed forward by
// the creating session while it is alive.
type RoomRow struct {
	ID           string  `gorm:"primaryKey;type:uuid"`
	Created      int64   `gorm:"column:created_at;not null"`
	HostAddress  string  `gorm:"not null"`
	GuestAddress *string // NULL until a guest joins
	ExpiresAt    int64   `gorm:"not null;index"`
	LeaseUntil   int64   `gorm:"not null;index"`
}

func (RoomRow) TableName() string { return "rendezvous_rooms" }

// BeforeCreate generates the room id if the caller did not set one.
func (r *RoomRow) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return
}

func (r *RoomRow) room() *models.Room {
	room := &models.Room{
		ID:          r.ID,
		CreatedAt:   r.Created,
		HostAddress: r.HostAddress,
		ExpiresAt:   r.ExpiresAt,
	}
	if r.GuestAddress != nil {
		room.GuestAddress = *r.GuestAddress
	}
	return room
}

// Migrate creates or updates the rooms table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&RoomRow{})
}

// PostgresStore keeps rooms in one table and fans out changes through
// LISTEN/NOTIFY.
type PostgresStore struct {
	db     *gorm.DB
	dsn    string
	opts   options
	log    *slog.Logger
	ownsDB bool

	mu       sync.Mutex
	closed   bool
	keepers  map[string]context.CancelFunc
	listener *pq.Listener
	subs     map[string]map[*subscription]struct{}
}

var _ RoomStore = (*PostgresStore)(nil)

// NewPostgresStore wraps db. dsn is used for the notification listener,
// which needs a dedicated connection.
func NewPostgresStore(db *gorm.DB, dsn string, opts ...Option) *PostgresStore {
	o := newOptions(opts)
	return &PostgresStore{
		db:      db,
		dsn:     dsn,
		opts:    o,
		log:     logger.OrDefault(o.logger).With(slog.String("store", "postgres")),
		keepers: make(map[string]context.CancelFunc),
		subs:    make(map[string]map[*subscription]struct{}),
	}
}

func (s *PostgresStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *PostgresStore) nowMillis() int64 {
	return s.opts.clock.Now().UnixMilli()
}

func (s *PostgresStore) notify(ctx context.Context, roomID string) error {
	return s.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", notifyChannel, roomID).Error
}

func (s *PostgresStore) CreateRoom(ctx context.Context, hostAddress string) (string, error) {
	const op = "storage.postgres.CreateRoom"

	if s.isClosed() {
		return "", ErrStoreClosed
	}

	room := models.NewRoom(uuid.NewString(), hostAddress, s.opts.clock.Now(), s.opts.ttl)
	row := &RoomRow{
		ID:          room.ID,
		Created:     room.CreatedAt,
		HostAddress: room.HostAddress,
		ExpiresAt:   room.ExpiresAt,
		LeaseUntil:  room.CreatedAt + s.opts.leaseTTL.Milliseconds(),
	}

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return "", unavailable(op, err)
	}
	if err := s.notify(ctx, row.ID); err != nil {
		s.log.Warn("failed to notify room change", slog.String("op", op), logger.Err(err))
	}

	s.startKeeper(row.ID)

	return row.ID, nil
}

func (s *PostgresStore) startKeeper(roomID string) {
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
				res := s.db.WithContext(ctx).Model(&RoomRow{}).
					Where("id = ?", roomID).
					Update("lease_until", s.nowMillis()+s.opts.leaseTTL.Milliseconds())
				if res.Error != nil {
					if ctx.Err() == nil {
						s.log.Warn("failed to refresh host lease", slog.String("room_id", roomID), logger.Err(res.Error))
					}
					continue
				}
				if res.RowsAffected == 0 {
					s.log.Debug("room gone, lease keeper stopped", slog.String("room_id", roomID))
					s.stopKeeper(roomID)
					return
				}
			}
		}
	}()
}

func (s *PostgresStore) stopKeeper(roomID string) {
	s.mu.Lock()
	cancel, ok := s.keepers[roomID]
	delete(s.keepers, roomID)
	s.mu.Unlock()

	if ok {
		cancel()
	}
}

func (s *PostgresStore) getRow(ctx context.Context, roomID string) (*RoomRow, error) {
	var row RoomRow
	err := s.db.WithContext(ctx).Where("id = ?", roomID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	const op = "storage.postgres.GetRoom"

	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	if _, err := uuid.Parse(roomID); err != nil {
		return nil, nil
	}

	row, err := s.getRow(ctx, roomID)
	if err != nil {
		return nil, unavailable(op, err)
	}
	if row == nil {
		return nil, nil
	}
	return row.room(), nil
}

func (s *PostgresStore) JoinRoom(ctx context.Context, roomID, guestAddress string) (*models.Room, error) {
	const op = "storage.postgres.JoinRoom"

	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	if _, err := uuid.Parse(roomID); err != nil {
		return nil, ErrRoomNotFound
	}

	now := s.nowMillis()
	res := s.db.WithContext(ctx).Model(&RoomRow{}).
		Where("id = ? AND guest_address IS NULL AND expires_at >= ? AND lease_until >= ?", roomID, now, now).
		Update("guest_address", guestAddress)
	if res.Error != nil {
		return nil, unavailable(op, res.Error)
	}

	row, err := s.getRow(ctx, roomID)
	if err != nil {
		return nil, unavailable(op, err)
	}

	if res.RowsAffected == 1 {
		if err := s.notify(ctx, roomID); err != nil {
			s.log.Warn("failed to notify room change", slog.String("op", op), logger.Err(err))
		}
		if row == nil {
			return nil, ErrRoomNotFound
		}
		return row.room(), nil
	}

	switch {
	case row == nil:
		return nil, ErrRoomNotFound
	case row.ExpiresAt < now, row.LeaseUntil < now:
		// Expired, or its host vanished without closing the session.
		if err := s.deleteRoom(ctx, roomID); err != nil {
			s.log.Warn("failed to delete stale room", slog.String("room_id", roomID), logger.Err(err))
		}
		return nil, ErrRoomNotFound
	default:
		return nil, ErrRoomOccupied
	}
}

func (s *PostgresStore) FindWaitingRoom(ctx context.Context) (*models.Room, error) {
	const op = "storage.postgres.FindWaitingRoom"

	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	now := s.nowMillis()
	var row RoomRow
	err := s.db.WithContext(ctx).
		Where("guest_address IS NULL AND expires_at > ? AND lease_until >= ?", now, now).
		Order("RANDOM()").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(op, err)
	}
	return row.room(), nil
}

// ensureListenerLocked starts the shared LISTEN connection on first use.
// Must be called with s.mu held.
func (s *PostgresStore) ensureListenerLocked() error {
	if s.listener != nil {
		return nil
	}

	l := pq.NewListener(s.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.log.Warn("room listener event", slog.Int("event", int(ev)), logger.Err(err))
		}
	})
	if err := l.Listen(notifyChannel); err != nil {
		_ = l.Close()
		return err
	}
	s.listener = l

	go s.dispatch(l)
	return nil
}

func (s *PostgresStore) dispatch(l *pq.Listener) {
	for n := range l.Notify {
		if n == nil {
			// The connection was re-established; notifications may have
			// been missed, so refresh every subscribed room.
			s.mu.Lock()
			ids := make([]string, 0, len(s.subs))
			for id := range s.subs {
				ids = append(ids, id)
			}
			s.mu.Unlock()
			for _, id := range ids {
				s.refresh(id)
			}
			continue
		}
		s.refresh(n.Extra)
	}
}

func (s *PostgresStore) refresh(roomID string) {
	s.mu.Lock()
	_, watched := s.subs[roomID]
	s.mu.Unlock()
	if !watched {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row, err := s.getRow(ctx, roomID)
	if err != nil {
		s.log.Warn("failed to refresh subscribed room", slog.String("room_id", roomID), logger.Err(err))
		return
	}
	var room *models.Room
	if row != nil {
		room = row.room()
	}

	s.mu.Lock()
	for sub := range s.subs[roomID] {
		sub.push(room)
	}
	s.mu.Unlock()
}

func (s *PostgresStore) Subscribe(ctx context.Context, roomID string, fn func(*models.Room)) (func(), error) {
	const op = "storage.postgres.Subscribe"

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	if err := s.ensureListenerLocked(); err != nil {
		s.mu.Unlock()
		return nil, unavailable(op, err)
	}
	sub := newSubscription(fn)
	if s.subs[roomID] == nil {
		s.subs[roomID] = make(map[*subscription]struct{})
	}
	s.subs[roomID][sub] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[roomID], sub)
			if len(s.subs[roomID]) == 0 {
				delete(s.subs, roomID)
			}
			s.mu.Unlock()
			sub.stop()
		})
	}

	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	sub.push(room)
	context.AfterFunc(ctx, unsubscribe)

	return unsubscribe, nil
}

func (s *PostgresStore) deleteRoom(ctx context.Context, roomID string) error {
	res := s.db.WithContext(ctx).Where("id = ?", roomID).Delete(&RoomRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return s.notify(ctx, roomID)
	}
	return nil
}

func (s *PostgresStore) DeleteRoom(ctx context.Context, roomID string) error {
	const op = "storage.postgres.DeleteRoom"

	if s.isClosed() {
		return ErrStoreClosed
	}
	if _, err := uuid.Parse(roomID); err != nil {
		return nil
	}

	s.stopKeeper(roomID)
	if err := s.deleteRoom(ctx, roomID); err != nil {
		return unavailable(op, err)
	}
	return nil
}

// CleanupExpired deletes rooms past their expiry and rooms whose host
// lease has lapsed.
func (s *PostgresStore) CleanupExpired(ctx context.Context) (int, error) {
	const op = "storage.postgres.CleanupExpired"

	if s.isClosed() {
		return 0, ErrStoreClosed
	}

	now := s.nowMillis()
	var removed []RoomRow
	err := s.db.WithContext(ctx).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "id"}}}).
		Where("expires_at < ? OR lease_until < ?", now, now).
		Delete(&removed).Error
	if err != nil {
		return 0, unavailable(op, err)
	}

	for _, row := range removed {
		if err := s.notify(ctx, row.ID); err != nil {
			s.log.Warn("failed to notify room change", slog.String("op", op), logger.Err(err))
		}
	}
	return len(removed), nil
}

func (s *PostgresStore) ListRooms(ctx context.Context) ([]*models.Room, error) {
	const op = "storage.postgres.ListRooms"

	var rows []RoomRow
	if err := s.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, unavailable(op, err)
	}

	rooms := make([]*models.Room, 0, len(rows))
	for i := range rows {
		rooms = append(rooms, rows[i].room())
	}
	return rooms, nil
}

// Close stops lease refresh, deletes every room created through this
// session and drops the listener connection.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	keepers := s.keepers
	s.keepers = make(map[string]context.CancelFunc)
	listener := s.listener
	subs := s.subs
	s.subs = make(map[string]map[*subscription]struct{})
	s.mu.Unlock()

	for _, set := range subs {
		for sub := range set {
			sub.stop()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for roomID, stop := range keepers {
		stop()
		if err := s.deleteRoom(ctx, roomID); err != nil {
			errs = append(errs, err)
		}
	}

	if listener != nil {
		errs = append(errs, listener.Close())
	}

	if s.ownsDB {
		if sqlDB, err := s.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}

	return errors.Join(errs...)
}
