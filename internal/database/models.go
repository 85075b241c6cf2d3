package database

import "time"

type Account struct {
	Id         int64
	Username   string
	SecretHash string
	Nickname   string
	Status     string
	LastLogin  time.Time
	CreatedAt  time.Time
}

type Room struct {
	Id           int64
	ExternalId   string
	Name         string
	IsGroup      bool
	CreatedAt    time.Time
	Participants []Participant
}

type Participant struct {
	UserId   int64
	Username string
	Nickname string
	Status   string
	JoinedAt time.Time
}

type Message struct {
	Id             int64
	RoomId         int64
	SenderId       int64
	SenderNickname string
	Kind           string
	Content        string
	IsNotice       bool
	SentAt         time.Time
	// ReadCount is the current size of the message's reader set,
	// computed at query time.
	ReadCount int
}

type TimelineEvent struct {
	Id          int64
	RoomId      int64
	UserId      int64
	Command     string
	Description string
	EventTime   time.Time
	EventType   string
	EventName   string
}

type CreateAccountParams struct {
	Username   string
	SecretHash string
	Nickname   string
}

type CreateRoomParams struct {
	ExternalId     string
	Name           string
	IsGroup        bool
	ParticipantIds []int64
	// PairKey is the canonical "low:high" participant pair for private
	// rooms; empty for group rooms. A partial unique index on it keeps
	// concurrent private-room creation convergent.
	PairKey string
}

type CreateMessageParams struct {
	RoomId         int64
	SenderId       int64
	SenderNickname string
	Kind           string
	Content        string
	IsNotice       bool
}

type CreateTimelineEventParams struct {
	RoomId      int64
	UserId      int64
	Command     string
	Description string
	EventType   string
	EventName   string
}
