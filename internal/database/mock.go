package database

import (
	"context"

	"github.com/npezzotti/jobpulse/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockNotificationRepository struct {
	mock.Mock
}

func (m *MockNotificationRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockNotificationRepository) SaveNotification(ctx context.Context, n types.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}
func (m *MockNotificationRepository) ListNotifications(ctx context.Context, userId string, limit int) ([]types.Notification, error) {
	args := m.Called(ctx, userId, limit)
	if notifications, ok := args.Get(0).([]types.Notification); ok {
		return notifications, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockNotificationRepository) MarkNotificationRead(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
