package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/jfely/parley/internal/auth"
	"github.com/jfely/parley/internal/database"
	"github.com/jfely/parley/internal/directory"
	"github.com/jfely/parley/internal/protocol"
	"github.com/jfely/parley/internal/stats"
	"github.com/jfely/parley/internal/tracker"
	"github.com/jfely/parley/internal/types"
)

// dispatch routes one inbound command. LOGIN and REGISTER are the only
// commands an unauthenticated session may issue.
func (cs *ChatServer) dispatch(c *Client, msg *protocol.ClientMessage) {
	switch msg.Type {
	case protocol.CmdLogin:
		cs.handleLogin(c, msg)
		return
	case protocol.CmdRegister:
		cs.handleRegister(c, msg)
		return
	}

	user, ok := c.User()
	if !ok {
		c.QueueEvent(protocol.ErrNotAuthenticated(msg.Id))
		return
	}

	switch msg.Type {
	case protocol.CmdLogout:
		cs.handleLogout(c, msg)
	case protocol.CmdGetFriends:
		cs.handleGetFriends(c, user, msg)
	case protocol.CmdAddFriend:
		cs.handleAddFriend(c, user, msg)
	case protocol.CmdCreateRoom:
		cs.handleCreateRoom(c, user, msg)
	case protocol.CmdGetRooms:
		cs.handleGetRooms(c, user, msg)
	case protocol.CmdGetRoomMessages:
		cs.handleGetRoomMessages(c, user, msg)
	case protocol.CmdSendMessage:
		cs.handleSendMessage(c, user, msg)
	case protocol.CmdReadMessage:
		cs.handleReadMessage(c, user, msg)
	case protocol.CmdInviteToRoom:
		cs.handleInviteToRoom(c, user, msg)
	case protocol.CmdLeaveRoom:
		cs.handleLeaveRoom(c, user, msg)
	case protocol.CmdSetAwayStatus:
		cs.handleSetAwayStatus(c, user, msg)
	case protocol.CmdGetNotices:
		cs.handleGetNotices(c, user, msg)
	case protocol.CmdGetTimeline:
		cs.handleGetTimeline(c, user, msg)
	default:
		c.QueueEvent(protocol.ErrUnknownCommand(msg.Id, msg.Type))
	}
}

func (cs *ChatServer) handleLogin(c *Client, msg *protocol.ClientMessage) {
	if _, ok := c.User(); ok {
		c.QueueEvent(protocol.Failure(msg.Id, protocol.EventLoginResult, "already authenticated"))
		return
	}

	var payload protocol.LoginPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.QueueEvent(protocol.ErrInvalidPayload(msg.Id))
		return
	}

	var user types.User
	var err error
	if payload.Token != "" {
		user, err = cs.userFromToken(payload.Token)
	} else {
		user, err = cs.creds.Verify(payload.Username, payload.Secret)
	}
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.QueueEvent(protocol.Failure(msg.Id, protocol.EventLoginResult, auth.ErrInvalidCredentials.Error()))
		} else {
			cs.log.Println("login failed:", err)
			c.QueueEvent(protocol.ErrPersistence(msg.Id))
		}
		return
	}

	cs.registerSession(c, user)
	user, _ = c.User()

	token, err := cs.tokens.Issue(user.Id)
	if err != nil {
		cs.log.Println("failed to issue resume token:", err)
	}

	c.QueueEvent(protocol.Ok(msg.Id, protocol.EventLoginResult, protocol.LoginResultPayload{
		User:  user,
		Token: token,
	}))

	cs.pushFriendList(user.Id)
	cs.pushRoomList(user.Id)
}

func (cs *ChatServer) userFromToken(token string) (types.User, error) {
	userId, err := cs.tokens.Verify(token)
	if err != nil {
		return types.User{}, auth.ErrInvalidCredentials
	}

	account, err := cs.db.GetAccountById(userId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, auth.ErrInvalidCredentials
		}
		return types.User{}, fmt.Errorf("look up account: %w", err)
	}

	return accountUser(account), nil
}

func (cs *ChatServer) handleRegister(c *Client, msg *protocol.ClientMessage) {
	var payload protocol.RegisterPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.QueueEvent(protocol.ErrInvalidPayload(msg.Id))
		return
	}

	if payload.Username == "" || payload.Secret == "" {
		c.QueueEvent(protocol.Failure(msg.Id, protocol.EventRegisterResult, "username and secret are required"))
		return
	}

	user, err := cs.creds.Create(payload.Username, payload.Secret, payload.Nickname)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			c.QueueEvent(protocol.Failure(msg.Id, protocol.EventRegisterResult, "username already taken"))
			return
		}
		cs.log.Println("failed to create account:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}

	c.QueueEvent(protocol.Ok(msg.Id, protocol.EventRegisterResult, user))
}

func (cs *ChatServer) handleLogout(c *Client, msg *protocol.ClientMessage) {
	c.QueueEvent(protocol.Ok(msg.Id, protocol.EventOk, nil))
	c.stopClient()
}

func (cs *ChatServer) handleGetFriends(c *Client, user types.User, msg *protocol.ClientMessage) {
	friends, err := cs.db.ListFriends(user.Id)
	if err != nil {
		cs.log.Println("failed to list friends:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}

	users := make([]types.User, 0, len(friends))
	for _, f := range friends {
		users = append(users, accountUser(f))
	}

	c.QueueEvent(protocol.Ok(msg.Id, protocol.EventFriendList, users))
}

func (cs *ChatServer) handleAddFriend(c *Client, user types.User, msg *protocol.ClientMessage) {
	var payload protocol.AddFriendPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.QueueEvent(protocol.ErrInvalidPayload(msg.Id))
		return
	}

	target, err := cs.db.GetAccountByUsername(payload.Username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.QueueEvent(protocol.ErrInvalidArguments(msg.Id, "user not found"))
			return
		}
		cs.log.Println("failed to look up user:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}

	if target.Id == user.Id {
		c.QueueEvent(protocol.ErrInvalidArguments(msg.Id, "cannot add yourself as a friend"))
		return
	}

	exists, err := cs.db.FriendshipExists(user.Id, target.Id)
	if err != nil {
		cs.log.Println("failed to check friendship:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}
	if exists {
		c.QueueEvent(protocol.ErrInvalidArguments(msg.Id, "already friends"))
		return
	}

	if err := cs.db.CreateFriendPair(user.Id, target.Id); err != nil {
		cs.log.Println("failed to create friend pair:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}

	friends, err := cs.db.ListFriends(user.Id)
	if err != nil {
		cs.log.Println("failed to list friends:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}

	users := make([]types.User, 0, len(friends))
	for _, f := range friends {
		users = append(users, accountUser(f))
	}

	c.QueueEvent(protocol.Ok(msg.Id, protocol.EventFriendList, users))
	cs.pushFriendList(target.Id)
}

func (cs *ChatServer) handleCreateRoom(c *Client, user types.User, msg *protocol.ClientMessage) {
	var payload protocol.CreateRoomPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.QueueEvent(protocol.ErrInvalidPayload(msg.Id))
		return
	}

	var room database.Room
	var created bool
	var err error
	if payload.IsGroup {
		room, err = cs.directory.CreateGroupRoom(payload.Name, user.Id, payload.ParticipantIds)
		created = err == nil
	} else {
		if len(payload.ParticipantIds) != 2 {
			c.QueueEvent(protocol.ErrInvalidArguments(msg.Id, "a private room requires exactly two participants"))
			return
		}
		room, created, err = cs.directory.CreateOrGetPrivateRoom(payload.ParticipantIds[0], payload.ParticipantIds[1])
	}
	if err != nil {
		if errors.Is(err, directory.ErrValidation) {
			c.QueueEvent(protocol.ErrInvalidArguments(msg.Id, err.Error()))
			return
		}
		cs.log.Println("failed to create room:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}

	if created {
		if err := cs.tracker.Record(database.CreateTimelineEventParams{
			RoomId:      room.Id,
			UserId:      user.Id,
			Command:     protocol.CmdCreateRoom,
			Description: fmt.Sprintf("%s created the room", user.Nickname),
			EventType:   "membership",
			EventName:   "created",
		}); err != nil {
			cs.log.Println("failed to record room creation:", err)
		}
	}

	c.QueueEvent(protocol.Ok(msg.Id, protocol.EventOk, cs.directory.RoomView(room, user.Id)))
	cs.pushRoomList(directory.ParticipantIds(room)...)
}

func (cs *ChatServer) handleGetRooms(c *Client, user types.User, msg *protocol.ClientMessage) {
	rooms, err := cs.directory.RoomsFor(user.Id)
	if err != nil {
		cs.log.Println("failed to list rooms:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}

	c.QueueEvent(protocol.Ok(msg.Id, protocol.EventRoomList, rooms))
}

func (cs *ChatServer) handleGetRoomMessages(c *Client, user types.User, msg *protocol.ClientMessage) {
	var payload protocol.RoomPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.QueueEvent(protocol.ErrInvalidPayload(msg.Id))
		return
	}

	room, ok := cs.memberRoom(c, user, msg.Id, payload.RoomId)
	if !ok {
		return
	}

	msgs, err := cs.tracker.RoomMessages(room)
	if err != nil {
		cs.log.Println("failed to list messages:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}

	c.QueueEvent(protocol.Ok(msg.Id, protocol.EventRoomMessages, msgs))
}

func (cs *ChatServer) handleSendMessage(c *Client, user types.User, msg *protocol.ClientMessage) {
	var payload protocol.SendMessagePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.QueueEvent(protocol.ErrInvalidPayload(msg.Id))
		return
	}

	if payload.Content == "" {
		c.QueueEvent(protocol.ErrInvalidArguments(msg.Id, "message content is required"))
		return
	}

	room, ok := cs.memberRoom(c, user, msg.Id, payload.RoomId)
	if !ok {
		return
	}

	saved, err := cs.tracker.Save(database.CreateMessageParams{
		RoomId:         room.Id,
		SenderId:       user.Id,
		SenderNickname: user.Nickname,
		Kind:           payload.Kind,
		Content:        payload.Content,
		IsNotice:       payload.Notice,
	})
	if err != nil {
		cs.log.Println("failed to persist message:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}
	cs.stats.Incr(stats.MetricMessagesPersisted)

	if payload.Notice {
		if err := cs.tracker.Record(database.CreateTimelineEventParams{
			RoomId:      room.Id,
			UserId:      user.Id,
			Command:     protocol.CmdSendMessage,
			Description: payload.Content,
			EventType:   "message",
			EventName:   "notice",
		}); err != nil {
			cs.log.Println("failed to record notice:", err)
		}
	}

	// The message is durable before anyone hears about it.
	view := tracker.MessageView(saved, room)
	cs.Broadcast(directory.ParticipantIds(room), protocol.Push(protocol.EventNewMessage, view))
	c.QueueEvent(protocol.Ok(msg.Id, protocol.EventOk, view))
}

func (cs *ChatServer) handleReadMessage(c *Client, user types.User, msg *protocol.ClientMessage) {
	var payload protocol.ReadMessagePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.QueueEvent(protocol.ErrInvalidPayload(msg.Id))
		return
	}

	stored, err := cs.db.GetMessageById(payload.MessageId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.QueueEvent(protocol.ErrInvalidArguments(msg.Id, "message not found"))
			return
		}
		cs.log.Println("failed to look up message:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}

	room, err := cs.db.GetRoomById(stored.RoomId)
	if err != nil {
		cs.log.Println("failed to look up room:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}

	isMember, err := cs.db.IsParticipant(room.Id, user.Id)
	if err != nil {
		cs.log.Println("failed to check membership:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}
	if !isMember {
		c.QueueEvent(protocol.ErrInvalidArguments(msg.Id, "not a member of this room"))
		return
	}

	if _, err := cs.tracker.MarkRead(stored.Id, user.Id); err != nil {
		cs.log.Println("failed to mark message read:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}

	// Recount after the write so the confirmation reflects this read.
	readers, err := cs.db.ListReaders(stored.Id)
	if err != nil {
		cs.log.Println("failed to list readers:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}

	confirm := protocol.ReadConfirmPayload{
		MessageId:   stored.Id,
		RoomId:      room.ExternalId,
		ReadCount:   len(readers),
		UnreadCount: tracker.Unread(len(room.Participants), len(readers)),
	}

	cs.Broadcast(directory.ParticipantIds(room), protocol.Push(protocol.EventReadConfirm, confirm))
	c.QueueEvent(protocol.Ok(msg.Id, protocol.EventReadConfirm, confirm))
}

func (cs *ChatServer) handleInviteToRoom(c *Client, user types.User, msg *protocol.ClientMessage) {
	var payload protocol.InvitePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.QueueEvent(protocol.ErrInvalidPayload(msg.Id))
		return
	}

	room, ok := cs.memberRoom(c, user, msg.Id, payload.RoomId)
	if !ok {
		return
	}

	invitee, err := cs.db.GetAccountById(payload.UserId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.QueueEvent(protocol.ErrInvalidArguments(msg.Id, "user not found"))
			return
		}
		cs.log.Println("failed to look up user:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}

	if err := cs.directory.Invite(room.Id, invitee.Id); err != nil {
		if errors.Is(err, directory.ErrValidation) {
			c.QueueEvent(protocol.ErrInvalidArguments(msg.Id, err.Error()))
			return
		}
		cs.log.Println("failed to invite user:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}

	if err := cs.tracker.Record(database.CreateTimelineEventParams{
		RoomId:      room.Id,
		UserId:      invitee.Id,
		Command:     protocol.CmdInviteToRoom,
		Description: fmt.Sprintf("%s invited %s", user.Nickname, invitee.Nickname),
		EventType:   "membership",
		EventName:   "joined",
	}); err != nil {
		cs.log.Println("failed to record invite:", err)
	}

	room, err = cs.db.GetRoomById(room.Id)
	if err != nil {
		cs.log.Println("failed to reload room:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}

	c.QueueEvent(protocol.Ok(msg.Id, protocol.EventOk, cs.directory.RoomView(room, user.Id)))
	cs.pushRoomList(directory.ParticipantIds(room)...)

	// The invitee also gets the room's history so their view is complete.
	if _, connected := cs.registry.Lookup(invitee.Id); connected {
		if msgs, err := cs.tracker.RoomMessages(room); err == nil {
			cs.Broadcast([]int64{invitee.Id}, protocol.Push(protocol.EventRoomMessages, msgs))
		} else {
			cs.log.Println("failed to list messages for invitee:", err)
		}
	}
}

func (cs *ChatServer) handleLeaveRoom(c *Client, user types.User, msg *protocol.ClientMessage) {
	var payload protocol.RoomPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.QueueEvent(protocol.ErrInvalidPayload(msg.Id))
		return
	}

	room, ok := cs.memberRoom(c, user, msg.Id, payload.RoomId)
	if !ok {
		return
	}

	if err := cs.directory.Leave(room.Id, user.Id); err != nil {
		if errors.Is(err, directory.ErrValidation) {
			c.QueueEvent(protocol.ErrInvalidArguments(msg.Id, err.Error()))
			return
		}
		cs.log.Println("failed to leave room:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}

	if err := cs.tracker.Record(database.CreateTimelineEventParams{
		RoomId:      room.Id,
		UserId:      user.Id,
		Command:     protocol.CmdLeaveRoom,
		Description: fmt.Sprintf("%s left the room", user.Nickname),
		EventType:   "membership",
		EventName:   "left",
	}); err != nil {
		cs.log.Println("failed to record leave:", err)
	}

	rooms, err := cs.directory.RoomsFor(user.Id)
	if err != nil {
		cs.log.Println("failed to list rooms:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}
	c.QueueEvent(protocol.Ok(msg.Id, protocol.EventRoomList, rooms))

	room, err = cs.db.GetRoomById(room.Id)
	if err != nil {
		cs.log.Println("failed to reload room:", err)
		return
	}
	cs.pushRoomList(directory.ParticipantIds(room)...)
}

func (cs *ChatServer) handleSetAwayStatus(c *Client, user types.User, msg *protocol.ClientMessage) {
	var payload protocol.SetAwayPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.QueueEvent(protocol.ErrInvalidPayload(msg.Id))
		return
	}

	status := types.StatusOnline
	if payload.Away {
		status = types.StatusAway
	}

	if err := cs.db.UpdateAccountStatus(user.Id, status); err != nil {
		cs.log.Println("failed to update account status:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}
	c.setStatus(status)

	cs.broadcastPresence(user.Id, status)
	c.QueueEvent(protocol.Ok(msg.Id, protocol.EventOk, types.PresenceChange{UserId: user.Id, Status: status}))
}

func (cs *ChatServer) handleGetNotices(c *Client, user types.User, msg *protocol.ClientMessage) {
	var payload protocol.RoomPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.QueueEvent(protocol.ErrInvalidPayload(msg.Id))
		return
	}

	room, ok := cs.memberRoom(c, user, msg.Id, payload.RoomId)
	if !ok {
		return
	}

	notices, err := cs.tracker.RoomNotices(room)
	if err != nil {
		cs.log.Println("failed to list notices:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}

	c.QueueEvent(protocol.Ok(msg.Id, protocol.EventNoticeList, notices))
}

func (cs *ChatServer) handleGetTimeline(c *Client, user types.User, msg *protocol.ClientMessage) {
	var payload protocol.RoomPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.QueueEvent(protocol.ErrInvalidPayload(msg.Id))
		return
	}

	room, ok := cs.memberRoom(c, user, msg.Id, payload.RoomId)
	if !ok {
		return
	}

	events, err := cs.tracker.Timeline(room)
	if err != nil {
		cs.log.Println("failed to list timeline events:", err)
		c.QueueEvent(protocol.ErrPersistence(msg.Id))
		return
	}

	c.QueueEvent(protocol.Ok(msg.Id, protocol.EventTimeline, events))
}

// memberRoom resolves a room by external id and enforces that the caller
// participates in it, replying with the appropriate error otherwise.
func (cs *ChatServer) memberRoom(c *Client, user types.User, msgId int, externalId string) (database.Room, bool) {
	room, err := cs.db.GetRoomByExternalId(externalId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.QueueEvent(protocol.ErrInvalidArguments(msgId, "room not found"))
			return database.Room{}, false
		}
		cs.log.Println("failed to look up room:", err)
		c.QueueEvent(protocol.ErrPersistence(msgId))
		return database.Room{}, false
	}

	isMember, err := cs.db.IsParticipant(room.Id, user.Id)
	if err != nil {
		cs.log.Println("failed to check membership:", err)
		c.QueueEvent(protocol.ErrPersistence(msgId))
		return database.Room{}, false
	}
	if !isMember {
		c.QueueEvent(protocol.ErrInvalidArguments(msgId, "not a member of this room"))
		return database.Room{}, false
	}

	return room, true
}
