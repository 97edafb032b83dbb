package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/npezzotti/jobpulse/internal/auth"
	"github.com/npezzotti/jobpulse/internal/testutil"
	"github.com/npezzotti/jobpulse/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) ListNotifications(ctx context.Context, token string, page, limit int) ([]types.Notification, error) {
	args := m.Called(ctx, token, page, limit)
	notifications, _ := args.Get(0).([]types.Notification)
	return notifications, args.Error(1)
}

func (m *mockBackend) MarkNotificationRead(ctx context.Context, token, id string) error {
	args := m.Called(ctx, token, id)
	return args.Error(0)
}

func note(id string, read bool) types.Notification {
	return types.Notification{Id: id, Type: "notification", Message: "message " + id, Read: read}
}

func TestStoreAdd(t *testing.T) {
	s := NewStore(testutil.TestLogger(t), nil, nil, 0)

	assert.True(t, s.Add(note("1", false)), "expected first notification to be added")
	assert.True(t, s.Add(note("2", false)))
	assert.False(t, s.Add(note("1", false)), "expected duplicate to be ignored")

	page, ok := s.Page(1)
	require.True(t, ok)
	assert.Equal(t, []types.Notification{note("2", false), note("1", false)}, page.Notifications,
		"expected newest notification first")
	assert.Equal(t, 2, page.UnreadCount, "expected unread count to increase once per notification")
	assert.Equal(t, 2, s.UnreadCount())
}

func TestStoreAddLeavesLaterPagesUntouched(t *testing.T) {
	b := &mockBackend{}
	b.On("ListNotifications", mock.Anything, testutil.TestToken, 1, 2).
		Return([]types.Notification{note("a", false), note("b", true)}, nil)
	b.On("ListNotifications", mock.Anything, testutil.TestToken, 2, 2).
		Return([]types.Notification{note("c", false), note("d", false)}, nil)

	s := NewStore(testutil.TestLogger(t), b, auth.NewCredential(testutil.TestToken), 2)
	_, err := s.LoadPage(context.Background(), 1)
	require.NoError(t, err)
	second, err := s.LoadPage(context.Background(), 2)
	require.NoError(t, err)

	// "c" is only on page two, so it counts as new for page one
	assert.True(t, s.Add(note("c", false)))
	assert.False(t, s.Add(note("a", false)), "expected id on page one to be ignored")

	first, _ := s.Page(1)
	assert.Equal(t, []types.Notification{note("c", false), note("a", false), note("b", true)}, first.Notifications)
	assert.Equal(t, 2, first.UnreadCount)

	after, _ := s.Page(2)
	assert.Equal(t, second, after, "expected later pages to be untouched")
	assert.Equal(t, 4, s.UnreadCount())
}

func TestStoreAddReadNotification(t *testing.T) {
	s := NewStore(testutil.TestLogger(t), nil, nil, 0)
	s.Add(note("1", true))
	assert.Equal(t, 0, s.UnreadCount(), "expected already read notification not to count")
}

func TestStoreLoadPage(t *testing.T) {
	tcases := []struct {
		name     string
		page     int
		result   []types.Notification
		err      error
		unread   int
		expected error
	}{
		{
			name:   "unread computed from read flags",
			page:   1,
			result: []types.Notification{note("1", false), note("2", true), note("3", false)},
			unread: 2,
		},
		{
			name:     "backend error",
			page:     1,
			err:      errors.New("backend down"),
			expected: errors.New("backend down"),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			b := &mockBackend{}
			b.On("ListNotifications", mock.Anything, testutil.TestToken, tc.page, DefaultPageSize).
				Return(tc.result, tc.err).Once()

			s := NewStore(testutil.TestLogger(t), b, auth.NewCredential(testutil.TestToken), 0)
			page, err := s.LoadPage(context.Background(), tc.page)
			if tc.expected != nil {
				assert.ErrorContains(t, err, tc.expected.Error())
				_, ok := s.Page(tc.page)
				assert.False(t, ok, "expected nothing cached on error")
				return
			}

			assert.NoError(t, err)
			assert.Equal(t, tc.unread, page.UnreadCount)
			assert.Equal(t, tc.result, page.Notifications)
			b.AssertExpectations(t)
		})
	}
}

func TestStoreLoadPageErrors(t *testing.T) {
	s := NewStore(testutil.TestLogger(t), nil, nil, 0)
	_, err := s.LoadPage(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoBackend)

	s = NewStore(testutil.TestLogger(t), &mockBackend{}, nil, 0)
	_, err = s.LoadPage(context.Background(), 0)
	assert.Error(t, err, "expected error for page 0")
}

func TestStoreMarkRead(t *testing.T) {
	b := &mockBackend{}
	b.On("MarkNotificationRead", mock.Anything, testutil.TestToken, "1").Return(nil).Twice()

	s := NewStore(testutil.TestLogger(t), b, auth.NewCredential(testutil.TestToken), 0)
	s.Add(note("1", false))
	s.Add(note("2", false))
	before := s.Pages()

	assert.NoError(t, s.MarkRead(context.Background(), "1"))
	assert.NoError(t, s.MarkRead(context.Background(), "1"))

	assert.Equal(t, 1, s.UnreadCount(), "expected unread count to drop exactly once")
	page, _ := s.Page(1)
	assert.True(t, page.Notifications[1].Read)
	assert.False(t, page.Notifications[0].Read)
	assert.False(t, before[0].Notifications[1].Read, "expected earlier reads to be unaffected")
	b.AssertExpectations(t)
}

func TestStoreMarkReadBackendError(t *testing.T) {
	b := &mockBackend{}
	b.On("MarkNotificationRead", mock.Anything, mock.Anything, "1").Return(errors.New("boom"))

	s := NewStore(testutil.TestLogger(t), b, nil, 0)
	s.Add(note("1", false))

	assert.ErrorContains(t, s.MarkRead(context.Background(), "1"), "boom")
	assert.Equal(t, 0, s.UnreadCount(), "expected local state to stay read")
}
