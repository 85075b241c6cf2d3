package database

import "time"

type Repository interface {
	Ping() error

	CreateAccount(params CreateAccountParams) (Account, error)
	GetAccountById(id int64) (Account, error)
	GetAccountByUsername(username string) (Account, error)
	UpdateAccountStatus(id int64, status string) error
	UpdateLastLogin(id int64, lastLogin time.Time) error

	// CreateFriendPair inserts both edges of the symmetric relation in
	// one transaction.
	CreateFriendPair(userId, friendId int64) error
	FriendshipExists(userId, friendId int64) (bool, error)
	ListFriends(userId int64) ([]Account, error)

	// CreateRoom inserts the room and all participant rows as one
	// transaction; a failure rolls the whole operation back.
	CreateRoom(params CreateRoomParams) (Room, error)
	GetRoomById(id int64) (Room, error)
	GetRoomByExternalId(externalId string) (Room, error)
	// GetPrivateRoomByPairKey looks up a non-group room by its canonical
	// participant pair key.
	GetPrivateRoomByPairKey(pairKey string) (Room, error)
	ListRoomsForUser(userId int64) ([]Room, error)
	ListRoomIds() ([]int64, error)
	AddParticipant(roomId, userId int64) error
	RemoveParticipant(roomId, userId int64) error
	ListParticipants(roomId int64) ([]Participant, error)
	IsParticipant(roomId, userId int64) (bool, error)

	CreateMessage(params CreateMessageParams) (Message, error)
	GetMessageById(id int64) (Message, error)
	ListMessages(roomId int64) ([]Message, error)
	ListNotices(roomId int64) ([]Message, error)
	// MarkMessageRead records userId in the message's reader set.
	// Returns false if the user had already read the message.
	MarkMessageRead(messageId, userId int64) (bool, error)
	ListReaders(messageId int64) ([]int64, error)
	// ListStaleUnread returns non-system messages in the room sent
	// before the cutoff which userId has not read.
	ListStaleUnread(roomId, userId int64, before time.Time) ([]Message, error)

	CreateTimelineEvent(params CreateTimelineEventParams) (TimelineEvent, error)
	ListTimelineEvents(roomId int64) ([]TimelineEvent, error)
}
