// Package protocol defines the envelopes exchanged over a session
// connection: one request envelope per inbound command and one response
// envelope per outbound event or reply.
package protocol

import (
	"encoding/json"
	"time"
)

// Commands a session may issue.
const (
	CmdLogin           = "LOGIN"
	CmdRegister        = "REGISTER"
	CmdLogout          = "LOGOUT"
	CmdGetFriends      = "GET_FRIENDS"
	CmdAddFriend       = "ADD_FRIEND"
	CmdCreateRoom      = "CREATE_ROOM"
	CmdGetRooms        = "GET_ROOMS"
	CmdGetRoomMessages = "GET_ROOM_MESSAGES"
	CmdSendMessage     = "SEND_MESSAGE"
	CmdReadMessage     = "READ_MESSAGE"
	CmdInviteToRoom    = "INVITE_TO_ROOM"
	CmdLeaveRoom       = "LEAVE_ROOM"
	CmdSetAwayStatus   = "SET_AWAY_STATUS"
	CmdGetNotices      = "GET_NOTICES"
	CmdGetTimeline     = "GET_TIMELINE"
)

// Response kinds pushed to sessions.
const (
	EventLoginResult    = "LOGIN_RESULT"
	EventRegisterResult = "REGISTER_RESULT"
	EventFriendList     = "FRIEND_LIST"
	EventRoomList       = "ROOM_LIST"
	EventRoomMessages   = "ROOM_MESSAGES"
	EventNewMessage     = "NEW_MESSAGE"
	EventReadConfirm    = "READ_CONFIRM"
	EventPresence       = "PRESENCE"
	EventSystemNotice   = "SYSTEM_NOTICE"
	EventNoticeList     = "NOTICE_LIST"
	EventTimeline       = "TIMELINE"
	EventOk             = "OK"
	EventError          = "ERROR"
)

// ClientMessage is the request envelope: a command type and its payload.
type ClientMessage struct {
	Id      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is the response envelope for both direct replies and
// broadcast pushes.
type ServerMessage struct {
	Id        int       `json:"id,omitempty"`
	Type      string    `json:"type"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type LoginPayload struct {
	Username string `json:"username,omitempty"`
	Secret   string `json:"secret,omitempty"`
	// Token is a resume token previously issued by a LOGIN response;
	// accepted in place of username+secret.
	Token string `json:"token,omitempty"`
}

// LoginResultPayload answers a successful LOGIN: the bound user and a
// resume token for reconnecting without credentials.
type LoginResultPayload struct {
	User  any    `json:"user"`
	Token string `json:"token,omitempty"`
}

type RegisterPayload struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
	Nickname string `json:"nickname"`
}

type AddFriendPayload struct {
	Username string `json:"username"`
}

type CreateRoomPayload struct {
	IsGroup        bool    `json:"is_group"`
	Name           string  `json:"name,omitempty"`
	ParticipantIds []int64 `json:"participant_ids"`
}

type RoomPayload struct {
	RoomId string `json:"room_id"`
}

type SendMessagePayload struct {
	RoomId  string `json:"room_id"`
	Content string `json:"content"`
	Kind    string `json:"kind,omitempty"`
	Notice  bool   `json:"notice,omitempty"`
}

type ReadMessagePayload struct {
	MessageId int64 `json:"message_id"`
}

type InvitePayload struct {
	RoomId string `json:"room_id"`
	UserId int64  `json:"user_id"`
}

type SetAwayPayload struct {
	Away bool `json:"away"`
}

type ReadConfirmPayload struct {
	MessageId   int64  `json:"message_id"`
	RoomId      string `json:"room_id"`
	ReadCount   int    `json:"read_count"`
	UnreadCount int    `json:"unread_count"`
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

func Ok(id int, kind string, payload any) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Type:      kind,
		Success:   true,
		Payload:   payload,
		Timestamp: Now(),
	}
}

func Push(kind string, payload any) *ServerMessage {
	return Ok(0, kind, payload)
}

func Failure(id int, kind, message string) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Type:      kind,
		Success:   false,
		Message:   message,
		Timestamp: Now(),
	}
}

func ErrNotAuthenticated(id int) *ServerMessage {
	return Failure(id, EventError, "not authenticated")
}

func ErrUnknownCommand(id int, cmd string) *ServerMessage {
	return Failure(id, EventError, "unknown command: "+cmd)
}

func ErrInvalidPayload(id int) *ServerMessage {
	return Failure(id, EventError, "invalid message payload")
}

func ErrInvalidArguments(id int, msg string) *ServerMessage {
	return Failure(id, EventError, msg)
}

func ErrPersistence(id int) *ServerMessage {
	return Failure(id, EventError, "storage operation failed")
}
