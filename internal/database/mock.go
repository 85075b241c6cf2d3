package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) CreateAccount(params CreateAccountParams) (Account, error) {
	args := m.Called(params)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockRepository) GetAccountById(id int64) (Account, error) {
	args := m.Called(id)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockRepository) GetAccountByUsername(username string) (Account, error) {
	args := m.Called(username)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockRepository) UpdateAccountStatus(id int64, status string) error {
	args := m.Called(id, status)
	return args.Error(0)
}
func (m *MockRepository) UpdateLastLogin(id int64, lastLogin time.Time) error {
	args := m.Called(id, lastLogin)
	return args.Error(0)
}
func (m *MockRepository) CreateFriendPair(userId, friendId int64) error {
	args := m.Called(userId, friendId)
	return args.Error(0)
}
func (m *MockRepository) FriendshipExists(userId, friendId int64) (bool, error) {
	args := m.Called(userId, friendId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) ListFriends(userId int64) ([]Account, error) {
	args := m.Called(userId)
	return args.Get(0).([]Account), args.Error(1)
}
func (m *MockRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) GetRoomById(id int64) (Room, error) {
	args := m.Called(id)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) GetRoomByExternalId(externalId string) (Room, error) {
	args := m.Called(externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) GetPrivateRoomByPairKey(pairKey string) (Room, error) {
	args := m.Called(pairKey)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) ListRoomsForUser(userId int64) ([]Room, error) {
	args := m.Called(userId)
	return args.Get(0).([]Room), args.Error(1)
}
func (m *MockRepository) ListRoomIds() ([]int64, error) {
	args := m.Called()
	return args.Get(0).([]int64), args.Error(1)
}
func (m *MockRepository) AddParticipant(roomId, userId int64) error {
	args := m.Called(roomId, userId)
	return args.Error(0)
}
func (m *MockRepository) RemoveParticipant(roomId, userId int64) error {
	args := m.Called(roomId, userId)
	return args.Error(0)
}
func (m *MockRepository) ListParticipants(roomId int64) ([]Participant, error) {
	args := m.Called(roomId)
	return args.Get(0).([]Participant), args.Error(1)
}
func (m *MockRepository) IsParticipant(roomId, userId int64) (bool, error) {
	args := m.Called(roomId, userId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) GetMessageById(id int64) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) ListMessages(roomId int64) ([]Message, error) {
	args := m.Called(roomId)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockRepository) ListNotices(roomId int64) ([]Message, error) {
	args := m.Called(roomId)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockRepository) MarkMessageRead(messageId, userId int64) (bool, error) {
	args := m.Called(messageId, userId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) ListReaders(messageId int64) ([]int64, error) {
	args := m.Called(messageId)
	return args.Get(0).([]int64), args.Error(1)
}
func (m *MockRepository) ListStaleUnread(roomId, userId int64, before time.Time) ([]Message, error) {
	args := m.Called(roomId, userId, before)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockRepository) CreateTimelineEvent(params CreateTimelineEventParams) (TimelineEvent, error) {
	args := m.Called(params)
	return args.Get(0).(TimelineEvent), args.Error(1)
}
func (m *MockRepository) ListTimelineEvents(roomId int64) ([]TimelineEvent, error) {
	args := m.Called(roomId)
	return args.Get(0).([]TimelineEvent), args.Error(1)
}
