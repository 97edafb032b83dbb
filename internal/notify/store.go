package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/npezzotti/jobpulse/internal/types"
)

const DefaultPageSize = 20

var ErrNoBackend = errors.New("notification backend not configured")

// Backend is the subset of backend.Client the store needs.
type Backend interface {
	ListNotifications(ctx context.Context, token string, page, limit int) ([]types.Notification, error)
	MarkNotificationRead(ctx context.Context, token, id string) error
}

type TokenSource interface {
	Token() string
}

// Store is the paginated notification cache. Page one holds the newest
// notifications; real-time arrivals are prepended to it.
type Store struct {
	log     *log.Logger
	backend Backend
	cred    TokenSource
	limit   int

	mu    sync.RWMutex
	pages []types.NotificationPage
}

// NewStore creates a store. backend may be nil, in which case only
// real-time notifications are kept.
func NewStore(logger *log.Logger, backend Backend, cred TokenSource, limit int) *Store {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	return &Store{
		log:     logger,
		backend: backend,
		cred:    cred,
		limit:   limit,
	}
}

// Add prepends n to page one and increments its unread count. It returns
// false without changing anything when page one already holds n.Id.
func (s *Store) Add(n types.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first types.NotificationPage
	if len(s.pages) > 0 {
		first = s.pages[0]
	}

	for _, existing := range first.Notifications {
		if existing.Id == n.Id {
			return false
		}
	}

	notifications := make([]types.Notification, 0, len(first.Notifications)+1)
	notifications = append(notifications, n)
	notifications = append(notifications, first.Notifications...)

	unread := first.UnreadCount
	if !n.Read {
		unread++
	}

	next := make([]types.NotificationPage, max(len(s.pages), 1))
	copy(next, s.pages)
	next[0] = types.NotificationPage{Notifications: notifications, UnreadCount: unread}
	s.pages = next

	return true
}

// LoadPage fetches a 1-based page from the backend and replaces the cached
// copy. The unread count is derived from the read flags.
func (s *Store) LoadPage(ctx context.Context, page int) (types.NotificationPage, error) {
	if s.backend == nil {
		return types.NotificationPage{}, ErrNoBackend
	}
	if page < 1 {
		return types.NotificationPage{}, fmt.Errorf("invalid page %d", page)
	}

	notifications, err := s.backend.ListNotifications(ctx, s.token(), page, s.limit)
	if err != nil {
		return types.NotificationPage{}, fmt.Errorf("list notifications: %w", err)
	}

	p := types.NotificationPage{Notifications: notifications}
	for _, n := range notifications {
		if !n.Read {
			p.UnreadCount++
		}
	}

	s.mu.Lock()
	next := make([]types.NotificationPage, max(len(s.pages), page))
	copy(next, s.pages)
	next[page-1] = p
	s.pages = next
	s.mu.Unlock()

	return p, nil
}

// MarkRead flips the notification to read locally, decrementing its page's
// unread count only if it was unread, then tells the backend. Repeated
// calls leave the count unchanged.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	if s.markLocal(id) {
		s.log.Printf("marked notification %s read", id)
	}

	if s.backend == nil {
		return nil
	}
	if err := s.backend.MarkNotificationRead(ctx, s.token(), id); err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}

	return nil
}

func (s *Store) markLocal(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.pages {
		for k, n := range p.Notifications {
			if n.Id != id {
				continue
			}
			if n.Read {
				return false
			}

			notifications := append([]types.Notification(nil), p.Notifications...)
			notifications[k].Read = true

			next := append([]types.NotificationPage(nil), s.pages...)
			next[i] = types.NotificationPage{
				Notifications: notifications,
				UnreadCount:   max(p.UnreadCount-1, 0),
			}
			s.pages = next
			return true
		}
	}

	return false
}

// Page returns the cached 1-based page.
func (s *Store) Page(page int) (types.NotificationPage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if page < 1 || page > len(s.pages) {
		return types.NotificationPage{}, false
	}
	return s.pages[page-1], true
}

func (s *Store) Pages() []types.NotificationPage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.NotificationPage(nil), s.pages...)
}

func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, p := range s.pages {
		total += p.UnreadCount
	}
	return total
}

func (s *Store) token() string {
	if s.cred == nil {
		return ""
	}
	return s.cred.Token()
}
