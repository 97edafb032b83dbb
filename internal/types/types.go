package types

import (
	"time"
)

type Job struct {
	Id        string    `json:"id"`
	Title     string    `json:"title"`
	Company   string    `json:"company"`
	Location  string    `json:"location,omitempty"`
	IsSaved   bool      `json:"is_saved"`
	IsApplied bool      `json:"is_applied"`
	PostedAt  time.Time `json:"posted_at,omitempty"`
}

type Notification struct {
	Id        string    `json:"id"`
	UserId    string    `json:"user_id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	ActionURL string    `json:"action_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}

type NotificationPage struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unread_count"`
}
