package types

import (
	"time"
)

// Presence states a user can be in. Propagated to friends on change.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// Message kinds carried by the session protocol.
const (
	MessageText    = "text"
	MessageImage   = "image"
	MessageFile    = "file"
	MessageNotice  = "notice"
	MessageCommand = "command"
	MessageSystem  = "system"
)

type User struct {
	Id        int64     `json:"id"`
	Username  string    `json:"username"`
	Nickname  string    `json:"nickname"`
	Status    string    `json:"status,omitempty"`
	LastLogin time.Time `json:"last_login,omitempty"`
}

type Room struct {
	Id           int64     `json:"id"`
	ExternalId   string    `json:"external_id"`
	Name         string    `json:"name"`
	IsGroup      bool      `json:"is_group"`
	Participants []User    `json:"participants,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

type Message struct {
	Id             int64     `json:"id"`
	RoomId         string    `json:"room_id"`
	SenderId       int64     `json:"sender_id"`
	SenderNickname string    `json:"sender_nickname"`
	Kind           string    `json:"kind"`
	Content        string    `json:"content"`
	Notice         bool      `json:"notice,omitempty"`
	SentAt         time.Time `json:"sent_at"`
	ReadCount      int       `json:"read_count"`
	UnreadCount    int       `json:"unread_count"`
}

type TimelineEvent struct {
	Id          int64     `json:"id"`
	RoomId      string    `json:"room_id"`
	UserId      int64     `json:"user_id"`
	Command     string    `json:"command"`
	Description string    `json:"description"`
	EventTime   time.Time `json:"event_time"`
	EventType   string    `json:"event_type"`
	EventName   string    `json:"event_name"`
}

type PresenceChange struct {
	UserId int64  `json:"user_id"`
	Status string `json:"status"`
}
