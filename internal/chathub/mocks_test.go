package chathub_test

import (
	"context"

	"chatgogo/rendezvous/internal/models"
	"chatgogo/rendezvous/internal/storage"

	"github.com/stretchr/testify/mock"
)

// MockStore is a testify mock of storage.RoomStore.
type MockStore struct {
	mock.Mock
}

var _ storage.RoomStore = (*MockStore)(nil)

func (m *MockStore) CreateRoom(ctx context.Context, hostAddress string) (string, error) {
	args := m.Called(ctx, hostAddress)
	return args.String(0), args.Error(1)
}

func (m *MockStore) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Room), args.Error(1)
}

func (m *MockStore) JoinRoom(ctx context.Context, roomID, guestAddress string) (*models.Room, error) {
	args := m.Called(ctx, roomID, guestAddress)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Room), args.Error(1)
}

func (m *MockStore) FindWaitingRoom(ctx context.Context) (*models.Room, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Room), args.Error(1)
}

func (m *MockStore) Subscribe(ctx context.Context, roomID string, fn func(*models.Room)) (func(), error) {
	args := m.Called(ctx, roomID, fn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(func()), args.Error(1)
}

func (m *MockStore) DeleteRoom(ctx context.Context, roomID string) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

func (m *MockStore) CleanupExpired(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) ListRooms(ctx context.Context) ([]*models.Room, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Room), args.Error(1)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
