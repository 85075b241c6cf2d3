package server

import (
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/jfely/parley/internal/auth"
	"github.com/jfely/parley/internal/database"
	"github.com/jfely/parley/internal/protocol"
	"github.com/jfely/parley/internal/stats"
	"github.com/jfely/parley/internal/types"
)

func payloadJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()

	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return b
}

// authedClient binds the user to a fresh client and registers it without
// touching the database.
func authedClient(t *testing.T, cs *ChatServer, su stats.StatsProvider, user types.User) *Client {
	t.Helper()

	c := newTestClient(t, cs, su)
	c.setUser(user)
	cs.registry.Register(user.Id, c)
	return c
}

func TestDispatchUnauthenticated(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, db, su)
	c := newTestClient(t, cs, su)

	cs.dispatch(c, &protocol.ClientMessage{Id: 1, Type: protocol.CmdGetRooms})

	ev := nextEvent(t, c)
	assert.Equal(t, protocol.EventError, ev.Type, "expected an error event")
	assert.False(t, ev.Success, "expected a failed response")
	assert.Equal(t, "not authenticated", ev.Message, "expected the authentication error")
	assert.Equal(t, 1, ev.Id, "expected the reply to carry the request id")
}

func TestDispatchUnknownCommand(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, db, su)
	c := authedClient(t, cs, su, types.User{Id: 1, Username: "alice"})

	cs.dispatch(c, &protocol.ClientMessage{Id: 2, Type: "DANCE"})

	ev := nextEvent(t, c)
	assert.Equal(t, protocol.EventError, ev.Type, "expected an error event")
	assert.Equal(t, "unknown command: DANCE", ev.Message, "expected the unknown command error")
}

func TestHandleLogin(t *testing.T) {
	alice := types.User{Id: 1, Username: "alice", Nickname: "Alice"}

	t.Run("successful login with credentials", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)

		creds := cs.creds.(*auth.MockCredentialStore)
		creds.On("Verify", "alice", "s3cret").Return(alice, nil).Once()
		defer creds.AssertExpectations(t)

		su.On("Incr", stats.MetricActiveSessions).Once()
		su.On("Incr", stats.MetricEventsBroadcast).Twice()
		db.On("UpdateAccountStatus", alice.Id, types.StatusOnline).Return(nil).Once()
		db.On("UpdateLastLogin", alice.Id, mock.Anything).Return(nil).Once()
		db.On("ListFriends", alice.Id).Return([]database.Account{}, nil).Twice()
		db.On("ListRoomsForUser", alice.Id).Return([]database.Room{}, nil).Once()

		c := newTestClient(t, cs, su)
		cs.dispatch(c, &protocol.ClientMessage{
			Id:      1,
			Type:    protocol.CmdLogin,
			Payload: payloadJSON(t, protocol.LoginPayload{Username: "alice", Secret: "s3cret"}),
		})

		ev := nextEvent(t, c)
		assert.Equal(t, protocol.EventLoginResult, ev.Type, "expected a login result")
		assert.True(t, ev.Success, "expected a successful login")
		result := ev.Payload.(protocol.LoginResultPayload)
		assert.NotEmpty(t, result.Token, "expected a resume token")
		assert.Equal(t, types.StatusOnline, result.User.(types.User).Status, "expected the bound user to be online")

		assert.Equal(t, protocol.EventFriendList, nextEvent(t, c).Type, "expected the friend list push")
		assert.Equal(t, protocol.EventRoomList, nextEvent(t, c).Type, "expected the room list push")
	})

	t.Run("invalid credentials", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)

		creds := cs.creds.(*auth.MockCredentialStore)
		creds.On("Verify", "alice", "wrong").Return(types.User{}, auth.ErrInvalidCredentials).Once()
		defer creds.AssertExpectations(t)

		c := newTestClient(t, cs, su)
		cs.dispatch(c, &protocol.ClientMessage{
			Id:      1,
			Type:    protocol.CmdLogin,
			Payload: payloadJSON(t, protocol.LoginPayload{Username: "alice", Secret: "wrong"}),
		})

		ev := nextEvent(t, c)
		assert.Equal(t, protocol.EventLoginResult, ev.Type, "expected a login result")
		assert.False(t, ev.Success, "expected a failed login")
		assert.Equal(t, auth.ErrInvalidCredentials.Error(), ev.Message, "expected the credentials error")

		_, ok := cs.registry.Lookup(alice.Id)
		assert.False(t, ok, "expected no session to be registered")
	})

	t.Run("successful login with resume token", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)

		token, err := cs.tokens.Issue(alice.Id)
		assert.NoError(t, err, "expected no error issuing a token")

		su.On("Incr", stats.MetricActiveSessions).Once()
		su.On("Incr", stats.MetricEventsBroadcast).Twice()
		db.On("GetAccountById", alice.Id).
			Return(database.Account{Id: alice.Id, Username: "alice", Nickname: "Alice"}, nil).Once()
		db.On("UpdateAccountStatus", alice.Id, types.StatusOnline).Return(nil).Once()
		db.On("UpdateLastLogin", alice.Id, mock.Anything).Return(nil).Once()
		db.On("ListFriends", alice.Id).Return([]database.Account{}, nil).Twice()
		db.On("ListRoomsForUser", alice.Id).Return([]database.Room{}, nil).Once()

		c := newTestClient(t, cs, su)
		cs.dispatch(c, &protocol.ClientMessage{
			Id:      1,
			Type:    protocol.CmdLogin,
			Payload: payloadJSON(t, protocol.LoginPayload{Token: token}),
		})

		ev := nextEvent(t, c)
		assert.Equal(t, protocol.EventLoginResult, ev.Type, "expected a login result")
		assert.True(t, ev.Success, "expected a successful token login")
	})

	t.Run("already authenticated", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		c := authedClient(t, cs, su, alice)

		cs.dispatch(c, &protocol.ClientMessage{
			Id:      1,
			Type:    protocol.CmdLogin,
			Payload: payloadJSON(t, protocol.LoginPayload{Username: "alice", Secret: "s3cret"}),
		})

		ev := nextEvent(t, c)
		assert.False(t, ev.Success, "expected a failed login")
		assert.Equal(t, "already authenticated", ev.Message, "expected the double-login error")
	})
}

func TestHandleRegister(t *testing.T) {
	t.Run("successful registration", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)

		creds := cs.creds.(*auth.MockCredentialStore)
		creds.On("Create", "alice", "s3cret", "Alice").
			Return(types.User{Id: 1, Username: "alice", Nickname: "Alice"}, nil).Once()
		defer creds.AssertExpectations(t)

		c := newTestClient(t, cs, su)
		cs.dispatch(c, &protocol.ClientMessage{
			Id:      1,
			Type:    protocol.CmdRegister,
			Payload: payloadJSON(t, protocol.RegisterPayload{Username: "alice", Secret: "s3cret", Nickname: "Alice"}),
		})

		ev := nextEvent(t, c)
		assert.Equal(t, protocol.EventRegisterResult, ev.Type, "expected a register result")
		assert.True(t, ev.Success, "expected a successful registration")
		assert.Equal(t, int64(1), ev.Payload.(types.User).Id, "expected the created user")

		_, ok := c.User()
		assert.False(t, ok, "expected registration not to authenticate the session")
	})

	t.Run("username taken", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)

		creds := cs.creds.(*auth.MockCredentialStore)
		creds.On("Create", "alice", "s3cret", "").
			Return(types.User{}, &pq.Error{Code: "23505"}).Once()
		defer creds.AssertExpectations(t)

		c := newTestClient(t, cs, su)
		cs.dispatch(c, &protocol.ClientMessage{
			Id:      1,
			Type:    protocol.CmdRegister,
			Payload: payloadJSON(t, protocol.RegisterPayload{Username: "alice", Secret: "s3cret"}),
		})

		ev := nextEvent(t, c)
		assert.False(t, ev.Success, "expected a failed registration")
		assert.Equal(t, "username already taken", ev.Message, "expected the duplicate username error")
	})

	t.Run("missing credentials", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		c := newTestClient(t, cs, su)

		cs.dispatch(c, &protocol.ClientMessage{
			Id:      1,
			Type:    protocol.CmdRegister,
			Payload: payloadJSON(t, protocol.RegisterPayload{Username: "alice"}),
		})

		ev := nextEvent(t, c)
		assert.False(t, ev.Success, "expected a failed registration")
		assert.Equal(t, "username and secret are required", ev.Message, "expected the validation error")
	})
}

func TestHandleSendMessage(t *testing.T) {
	alice := types.User{Id: 1, Username: "alice", Nickname: "Alice"}
	bob := types.User{Id: 2, Username: "bob", Nickname: "Bob"}

	groupRoom := database.Room{
		Id:         10,
		ExternalId: "r1",
		Name:       "general",
		IsGroup:    true,
		Participants: []database.Participant{
			{UserId: 1, Username: "alice", Nickname: "Alice"},
			{UserId: 2, Username: "bob", Nickname: "Bob"},
			{UserId: 3, Username: "carol", Nickname: "Carol"},
		},
	}

	t.Run("persists then broadcasts to participants", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		aliceClient := authedClient(t, cs, su, alice)
		bobClient := authedClient(t, cs, su, bob)
		// carol has no live session

		db.On("GetRoomByExternalId", "r1").Return(groupRoom, nil).Once()
		db.On("IsParticipant", int64(10), alice.Id).Return(true, nil).Once()
		db.On("CreateMessage", mock.MatchedBy(func(p database.CreateMessageParams) bool {
			return p.RoomId == 10 && p.SenderId == alice.Id && p.Content == "hello" && p.Kind == types.MessageText
		})).Return(database.Message{
			Id: 5, RoomId: 10, SenderId: alice.Id, SenderNickname: "Alice",
			Kind: types.MessageText, Content: "hello",
		}, nil).Once()
		db.On("MarkMessageRead", int64(5), alice.Id).Return(true, nil).Once()
		su.On("Incr", stats.MetricMessagesPersisted).Once()
		su.On("Incr", stats.MetricEventsBroadcast).Twice()

		cs.dispatch(aliceClient, &protocol.ClientMessage{
			Id:      1,
			Type:    protocol.CmdSendMessage,
			Payload: payloadJSON(t, protocol.SendMessagePayload{RoomId: "r1", Content: "hello"}),
		})

		ev := nextEvent(t, bobClient)
		assert.Equal(t, protocol.EventNewMessage, ev.Type, "expected a new message push for bob")
		view := ev.Payload.(types.Message)
		assert.Equal(t, "hello", view.Content, "expected the message content")
		assert.Equal(t, "r1", view.RoomId, "expected the room's external id")
		assert.Equal(t, 1, view.ReadCount, "expected the sender to count as a reader")
		assert.Equal(t, 2, view.UnreadCount, "expected the other two participants unread")

		assert.Equal(t, protocol.EventNewMessage, nextEvent(t, aliceClient).Type, "expected the sender's own push")
		reply := nextEvent(t, aliceClient)
		assert.Equal(t, protocol.EventOk, reply.Type, "expected the direct reply")
		assert.True(t, reply.Success, "expected a successful reply")
		assert.Equal(t, 1, reply.Id, "expected the reply to carry the request id")
	})

	t.Run("rejects non-member sender", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		c := authedClient(t, cs, su, alice)

		db.On("GetRoomByExternalId", "r1").Return(groupRoom, nil).Once()
		db.On("IsParticipant", int64(10), alice.Id).Return(false, nil).Once()

		cs.dispatch(c, &protocol.ClientMessage{
			Id:      1,
			Type:    protocol.CmdSendMessage,
			Payload: payloadJSON(t, protocol.SendMessagePayload{RoomId: "r1", Content: "hello"}),
		})

		ev := nextEvent(t, c)
		assert.False(t, ev.Success, "expected a failed send")
		assert.Equal(t, "not a member of this room", ev.Message, "expected the membership error")
	})

	t.Run("unknown room", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		c := authedClient(t, cs, su, alice)

		db.On("GetRoomByExternalId", "nope").Return(database.Room{}, sql.ErrNoRows).Once()

		cs.dispatch(c, &protocol.ClientMessage{
			Id:      1,
			Type:    protocol.CmdSendMessage,
			Payload: payloadJSON(t, protocol.SendMessagePayload{RoomId: "nope", Content: "hello"}),
		})

		ev := nextEvent(t, c)
		assert.Equal(t, "room not found", ev.Message, "expected the lookup error")
	})

	t.Run("empty content", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		c := authedClient(t, cs, su, alice)

		cs.dispatch(c, &protocol.ClientMessage{
			Id:      1,
			Type:    protocol.CmdSendMessage,
			Payload: payloadJSON(t, protocol.SendMessagePayload{RoomId: "r1"}),
		})

		ev := nextEvent(t, c)
		assert.Equal(t, "message content is required", ev.Message, "expected the validation error")
	})
}

func TestHandleReadMessage(t *testing.T) {
	alice := types.User{Id: 1, Username: "alice"}
	bob := types.User{Id: 2, Username: "bob"}

	room := database.Room{
		Id:         10,
		ExternalId: "r1",
		IsGroup:    true,
		Participants: []database.Participant{
			{UserId: 1, Username: "alice"},
			{UserId: 2, Username: "bob"},
			{UserId: 3, Username: "carol"},
		},
	}

	t.Run("records the read and confirms to all participants", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		aliceClient := authedClient(t, cs, su, alice)
		bobClient := authedClient(t, cs, su, bob)

		db.On("GetMessageById", int64(5)).
			Return(database.Message{Id: 5, RoomId: 10, SenderId: alice.Id, ReadCount: 1}, nil).Once()
		db.On("GetRoomById", int64(10)).Return(room, nil).Once()
		db.On("IsParticipant", int64(10), bob.Id).Return(true, nil).Once()
		db.On("MarkMessageRead", int64(5), bob.Id).Return(true, nil).Once()
		db.On("ListReaders", int64(5)).Return([]int64{1, 2}, nil).Once()
		su.On("Incr", stats.MetricEventsBroadcast).Twice()

		cs.dispatch(bobClient, &protocol.ClientMessage{
			Id:      1,
			Type:    protocol.CmdReadMessage,
			Payload: payloadJSON(t, protocol.ReadMessagePayload{MessageId: 5}),
		})

		ev := nextEvent(t, aliceClient)
		assert.Equal(t, protocol.EventReadConfirm, ev.Type, "expected a read confirmation for alice")
		confirm := ev.Payload.(protocol.ReadConfirmPayload)
		assert.Equal(t, int64(5), confirm.MessageId, "expected the read message id")
		assert.Equal(t, "r1", confirm.RoomId, "expected the room's external id")
		assert.Equal(t, 2, confirm.ReadCount, "expected two readers after bob's read")
		assert.Equal(t, 1, confirm.UnreadCount, "expected carol still unread")

		assert.Equal(t, protocol.EventReadConfirm, nextEvent(t, bobClient).Type, "expected bob's broadcast copy")
		reply := nextEvent(t, bobClient)
		assert.Equal(t, protocol.EventReadConfirm, reply.Type, "expected the direct reply")
		assert.True(t, reply.Success, "expected a successful reply")
	})

	t.Run("message not found", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		c := authedClient(t, cs, su, bob)

		db.On("GetMessageById", int64(99)).Return(database.Message{}, sql.ErrNoRows).Once()

		cs.dispatch(c, &protocol.ClientMessage{
			Id:      1,
			Type:    protocol.CmdReadMessage,
			Payload: payloadJSON(t, protocol.ReadMessagePayload{MessageId: 99}),
		})

		ev := nextEvent(t, c)
		assert.Equal(t, "message not found", ev.Message, "expected the lookup error")
	})
}

func TestHandleCreateRoom(t *testing.T) {
	alice := types.User{Id: 1, Username: "alice", Nickname: "Alice"}

	t.Run("group room is created and recorded", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		c := authedClient(t, cs, su, alice)

		created := database.Room{
			Id:         10,
			ExternalId: "r1",
			Name:       "general",
			IsGroup:    true,
			Participants: []database.Participant{
				{UserId: 1, Username: "alice"},
				{UserId: 2, Username: "bob"},
			},
		}

		db.On("CreateRoom", mock.MatchedBy(func(p database.CreateRoomParams) bool {
			return p.IsGroup && p.Name == "general" && len(p.ParticipantIds) == 2 && p.PairKey == ""
		})).Return(created, nil).Once()
		db.On("CreateTimelineEvent", mock.MatchedBy(func(p database.CreateTimelineEventParams) bool {
			return p.RoomId == 10 && p.UserId == alice.Id && p.EventName == "created"
		})).Return(database.TimelineEvent{}, nil).Once()
		db.On("ListRoomsForUser", alice.Id).Return([]database.Room{created}, nil).Once()
		su.On("Incr", stats.MetricEventsBroadcast).Once()

		cs.dispatch(c, &protocol.ClientMessage{
			Id:      1,
			Type:    protocol.CmdCreateRoom,
			Payload: payloadJSON(t, protocol.CreateRoomPayload{IsGroup: true, Name: "general", ParticipantIds: []int64{2}}),
		})

		reply := nextEvent(t, c)
		assert.Equal(t, protocol.EventOk, reply.Type, "expected the direct reply")
		assert.True(t, reply.Success, "expected a successful creation")
		assert.Equal(t, "general", reply.Payload.(types.Room).Name, "expected the created room view")

		push := nextEvent(t, c)
		assert.Equal(t, protocol.EventRoomList, push.Type, "expected the room list push")
	})

	t.Run("private room creation is idempotent for the pair", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		c := authedClient(t, cs, su, alice)

		existing := database.Room{
			Id:         11,
			ExternalId: "r2",
			Participants: []database.Participant{
				{UserId: 1, Username: "alice", Nickname: "Alice"},
				{UserId: 2, Username: "bob", Nickname: "Bob"},
			},
		}

		// the existing room is returned; nothing is created or recorded
		db.On("GetPrivateRoomByPairKey", "p:1:2").Return(existing, nil).Once()
		db.On("ListRoomsForUser", alice.Id).Return([]database.Room{existing}, nil).Once()
		su.On("Incr", stats.MetricEventsBroadcast).Once()

		cs.dispatch(c, &protocol.ClientMessage{
			Id:      1,
			Type:    protocol.CmdCreateRoom,
			Payload: payloadJSON(t, protocol.CreateRoomPayload{ParticipantIds: []int64{2, 1}}),
		})

		reply := nextEvent(t, c)
		assert.True(t, reply.Success, "expected a successful reply")
		view := reply.Payload.(types.Room)
		assert.Equal(t, "r2", view.ExternalId, "expected the existing room")
		assert.Equal(t, "Bob", view.Name, "expected the private room named after the other participant")
	})

	t.Run("private room requires exactly two participants", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		c := authedClient(t, cs, su, alice)

		cs.dispatch(c, &protocol.ClientMessage{
			Id:      1,
			Type:    protocol.CmdCreateRoom,
			Payload: payloadJSON(t, protocol.CreateRoomPayload{ParticipantIds: []int64{1, 2, 3}}),
		})

		ev := nextEvent(t, c)
		assert.False(t, ev.Success, "expected a failed creation")
		assert.Equal(t, "a private room requires exactly two participants", ev.Message, "expected the validation error")
	})
}

func TestHandleAddFriend(t *testing.T) {
	alice := types.User{Id: 1, Username: "alice", Nickname: "Alice"}
	bob := types.User{Id: 2, Username: "bob", Nickname: "Bob"}

	t.Run("establishes the symmetric relation and pushes both lists", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		aliceClient := authedClient(t, cs, su, alice)
		bobClient := authedClient(t, cs, su, bob)

		db.On("GetAccountByUsername", "bob").Return(database.Account{Id: 2, Username: "bob", Nickname: "Bob"}, nil).Once()
		db.On("FriendshipExists", alice.Id, bob.Id).Return(false, nil).Once()
		db.On("CreateFriendPair", alice.Id, bob.Id).Return(nil).Once()
		db.On("ListFriends", alice.Id).Return([]database.Account{{Id: 2, Username: "bob"}}, nil).Once()
		db.On("ListFriends", bob.Id).Return([]database.Account{{Id: 1, Username: "alice"}}, nil).Once()
		su.On("Incr", stats.MetricEventsBroadcast).Once()

		cs.dispatch(aliceClient, &protocol.ClientMessage{
			Id:      1,
			Type:    protocol.CmdAddFriend,
			Payload: payloadJSON(t, protocol.AddFriendPayload{Username: "bob"}),
		})

		reply := nextEvent(t, aliceClient)
		assert.Equal(t, protocol.EventFriendList, reply.Type, "expected alice's friend list")
		friends := reply.Payload.([]types.User)
		assert.Len(t, friends, 1, "expected one friend")
		assert.Equal(t, bob.Id, friends[0].Id, "expected bob in alice's list")

		push := nextEvent(t, bobClient)
		assert.Equal(t, protocol.EventFriendList, push.Type, "expected bob's friend list push")
	})

	t.Run("cannot add yourself", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		c := authedClient(t, cs, su, alice)

		db.On("GetAccountByUsername", "alice").Return(database.Account{Id: 1, Username: "alice"}, nil).Once()

		cs.dispatch(c, &protocol.ClientMessage{
			Id:      1,
			Type:    protocol.CmdAddFriend,
			Payload: payloadJSON(t, protocol.AddFriendPayload{Username: "alice"}),
		})

		ev := nextEvent(t, c)
		assert.Equal(t, "cannot add yourself as a friend", ev.Message, "expected the self-add error")
	})

	t.Run("already friends", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		c := authedClient(t, cs, su, alice)

		db.On("GetAccountByUsername", "bob").Return(database.Account{Id: 2, Username: "bob"}, nil).Once()
		db.On("FriendshipExists", alice.Id, bob.Id).Return(true, nil).Once()

		cs.dispatch(c, &protocol.ClientMessage{
			Id:      1,
			Type:    protocol.CmdAddFriend,
			Payload: payloadJSON(t, protocol.AddFriendPayload{Username: "bob"}),
		})

		ev := nextEvent(t, c)
		assert.Equal(t, "already friends", ev.Message, "expected the duplicate friendship error")
	})
}

func TestHandleInviteToRoom(t *testing.T) {
	alice := types.User{Id: 1, Username: "alice", Nickname: "Alice"}
	carol := types.User{Id: 3, Username: "carol", Nickname: "Carol"}

	db := &database.MockRepository{}
	defer db.AssertExpectations(t)
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, db, su)
	aliceClient := authedClient(t, cs, su, alice)
	carolClient := authedClient(t, cs, su, carol)

	before := database.Room{
		Id:         10,
		ExternalId: "r1",
		Name:       "general",
		IsGroup:    true,
		Participants: []database.Participant{
			{UserId: 1, Username: "alice"},
			{UserId: 2, Username: "bob"},
		},
	}
	after := before
	after.Participants = append([]database.Participant{}, before.Participants...)
	after.Participants = append(after.Participants, database.Participant{UserId: 3, Username: "carol"})

	db.On("GetRoomByExternalId", "r1").Return(before, nil).Once()
	db.On("IsParticipant", int64(10), alice.Id).Return(true, nil).Once()
	db.On("GetAccountById", carol.Id).Return(database.Account{Id: 3, Username: "carol", Nickname: "Carol"}, nil).Once()
	db.On("IsParticipant", int64(10), carol.Id).Return(false, nil).Once()
	db.On("AddParticipant", int64(10), carol.Id).Return(nil).Once()
	db.On("CreateTimelineEvent", mock.MatchedBy(func(p database.CreateTimelineEventParams) bool {
		return p.RoomId == 10 && p.UserId == carol.Id && p.EventName == "joined"
	})).Return(database.TimelineEvent{}, nil).Once()
	db.On("GetRoomById", int64(10)).Return(after, nil).Once()
	db.On("ListRoomsForUser", alice.Id).Return([]database.Room{after}, nil).Once()
	db.On("ListRoomsForUser", carol.Id).Return([]database.Room{after}, nil).Once()
	db.On("ListMessages", int64(10)).Return([]database.Message{}, nil).Once()
	su.On("Incr", stats.MetricEventsBroadcast).Times(3)

	cs.dispatch(aliceClient, &protocol.ClientMessage{
		Id:      1,
		Type:    protocol.CmdInviteToRoom,
		Payload: payloadJSON(t, protocol.InvitePayload{RoomId: "r1", UserId: 3}),
	})

	reply := nextEvent(t, aliceClient)
	assert.Equal(t, protocol.EventOk, reply.Type, "expected the direct reply")
	assert.True(t, reply.Success, "expected a successful invite")

	assert.Equal(t, protocol.EventRoomList, nextEvent(t, aliceClient).Type, "expected alice's room list push")
	assert.Equal(t, protocol.EventRoomList, nextEvent(t, carolClient).Type, "expected carol's room list push")
	assert.Equal(t, protocol.EventRoomMessages, nextEvent(t, carolClient).Type, "expected carol's history push")
}

func TestHandleLeaveRoom(t *testing.T) {
	alice := types.User{Id: 1, Username: "alice", Nickname: "Alice"}
	bob := types.User{Id: 2, Username: "bob", Nickname: "Bob"}

	db := &database.MockRepository{}
	defer db.AssertExpectations(t)
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, db, su)
	aliceClient := authedClient(t, cs, su, alice)
	bobClient := authedClient(t, cs, su, bob)

	before := database.Room{
		Id:         10,
		ExternalId: "r1",
		Name:       "general",
		IsGroup:    true,
		Participants: []database.Participant{
			{UserId: 1, Username: "alice"},
			{UserId: 2, Username: "bob"},
		},
	}
	after := before
	after.Participants = []database.Participant{{UserId: 2, Username: "bob"}}

	db.On("GetRoomByExternalId", "r1").Return(before, nil).Once()
	db.On("IsParticipant", int64(10), alice.Id).Return(true, nil).Twice()
	db.On("RemoveParticipant", int64(10), alice.Id).Return(nil).Once()
	db.On("CreateTimelineEvent", mock.MatchedBy(func(p database.CreateTimelineEventParams) bool {
		return p.RoomId == 10 && p.UserId == alice.Id && p.EventName == "left"
	})).Return(database.TimelineEvent{}, nil).Once()
	db.On("ListRoomsForUser", alice.Id).Return([]database.Room{}, nil).Once()
	db.On("GetRoomById", int64(10)).Return(after, nil).Once()
	db.On("ListRoomsForUser", bob.Id).Return([]database.Room{after}, nil).Once()
	su.On("Incr", stats.MetricEventsBroadcast).Once()

	cs.dispatch(aliceClient, &protocol.ClientMessage{
		Id:      1,
		Type:    protocol.CmdLeaveRoom,
		Payload: payloadJSON(t, protocol.RoomPayload{RoomId: "r1"}),
	})

	reply := nextEvent(t, aliceClient)
	assert.Equal(t, protocol.EventRoomList, reply.Type, "expected the caller's updated list")
	assert.True(t, reply.Success, "expected a successful leave")
	assert.Empty(t, reply.Payload.([]types.Room), "expected the left room to be gone from the caller's list")

	push := nextEvent(t, bobClient)
	assert.Equal(t, protocol.EventRoomList, push.Type, "expected bob's room list push")
}

func TestHandleSetAwayStatus(t *testing.T) {
	alice := types.User{Id: 1, Username: "alice"}
	bob := types.User{Id: 2, Username: "bob"}

	db := &database.MockRepository{}
	defer db.AssertExpectations(t)
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, db, su)
	aliceClient := authedClient(t, cs, su, alice)
	bobClient := authedClient(t, cs, su, bob)

	db.On("UpdateAccountStatus", alice.Id, types.StatusAway).Return(nil).Once()
	db.On("ListFriends", alice.Id).Return([]database.Account{{Id: 2, Username: "bob"}}, nil).Once()
	su.On("Incr", stats.MetricEventsBroadcast).Once()

	cs.dispatch(aliceClient, &protocol.ClientMessage{
		Id:      1,
		Type:    protocol.CmdSetAwayStatus,
		Payload: payloadJSON(t, protocol.SetAwayPayload{Away: true}),
	})

	ev := nextEvent(t, bobClient)
	assert.Equal(t, protocol.EventPresence, ev.Type, "expected a presence event for bob")
	assert.Equal(t, types.StatusAway, ev.Payload.(types.PresenceChange).Status, "expected an away presence change")

	reply := nextEvent(t, aliceClient)
	assert.True(t, reply.Success, "expected a successful reply")

	user, _ := aliceClient.User()
	assert.Equal(t, types.StatusAway, user.Status, "expected the client's bound status to track the change")
}

func TestHandleGetRoomMessages(t *testing.T) {
	alice := types.User{Id: 1, Username: "alice"}

	room := database.Room{
		Id:         10,
		ExternalId: "r1",
		IsGroup:    true,
		Participants: []database.Participant{
			{UserId: 1, Username: "alice"},
			{UserId: 2, Username: "bob"},
		},
	}

	db := &database.MockRepository{}
	defer db.AssertExpectations(t)
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, db, su)
	c := authedClient(t, cs, su, alice)

	db.On("GetRoomByExternalId", "r1").Return(room, nil).Once()
	db.On("IsParticipant", int64(10), alice.Id).Return(true, nil).Once()
	db.On("ListMessages", int64(10)).Return([]database.Message{
		{Id: 5, RoomId: 10, SenderId: 2, Kind: types.MessageText, Content: "hi", ReadCount: 1},
	}, nil).Once()

	cs.dispatch(c, &protocol.ClientMessage{
		Id:      1,
		Type:    protocol.CmdGetRoomMessages,
		Payload: payloadJSON(t, protocol.RoomPayload{RoomId: "r1"}),
	})

	ev := nextEvent(t, c)
	assert.Equal(t, protocol.EventRoomMessages, ev.Type, "expected the room history")
	msgs := ev.Payload.([]types.Message)
	assert.Len(t, msgs, 1, "expected one message")
	assert.Equal(t, 1, msgs[0].UnreadCount, "expected one unread participant")
}

func TestHandleGetNoticesAndTimeline(t *testing.T) {
	alice := types.User{Id: 1, Username: "alice"}

	room := database.Room{
		Id:         10,
		ExternalId: "r1",
		IsGroup:    true,
		Participants: []database.Participant{
			{UserId: 1, Username: "alice"},
		},
	}

	db := &database.MockRepository{}
	defer db.AssertExpectations(t)
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, db, su)
	c := authedClient(t, cs, su, alice)

	db.On("GetRoomByExternalId", "r1").Return(room, nil).Twice()
	db.On("IsParticipant", int64(10), alice.Id).Return(true, nil).Twice()
	db.On("ListNotices", int64(10)).Return([]database.Message{
		{Id: 6, RoomId: 10, SenderId: 1, Kind: types.MessageText, Content: "maintenance tonight", IsNotice: true, ReadCount: 1},
	}, nil).Once()
	db.On("ListTimelineEvents", int64(10)).Return([]database.TimelineEvent{
		{Id: 1, RoomId: 10, UserId: 1, Command: protocol.CmdCreateRoom, EventType: "membership", EventName: "created"},
	}, nil).Once()

	cs.dispatch(c, &protocol.ClientMessage{
		Id:      1,
		Type:    protocol.CmdGetNotices,
		Payload: payloadJSON(t, protocol.RoomPayload{RoomId: "r1"}),
	})

	ev := nextEvent(t, c)
	assert.Equal(t, protocol.EventNoticeList, ev.Type, "expected the notice list")
	notices := ev.Payload.([]types.Message)
	assert.Len(t, notices, 1, "expected one notice")
	assert.True(t, notices[0].Notice, "expected the notice flag")

	cs.dispatch(c, &protocol.ClientMessage{
		Id:      2,
		Type:    protocol.CmdGetTimeline,
		Payload: payloadJSON(t, protocol.RoomPayload{RoomId: "r1"}),
	})

	ev = nextEvent(t, c)
	assert.Equal(t, protocol.EventTimeline, ev.Type, "expected the timeline")
	events := ev.Payload.([]types.TimelineEvent)
	assert.Len(t, events, 1, "expected one timeline event")
	assert.Equal(t, "created", events[0].EventName, "expected the creation event")
	assert.Equal(t, "r1", events[0].RoomId, "expected the room's external id on the view")
}

func TestHandleLogout(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, db, su)
	c := authedClient(t, cs, su, types.User{Id: 1, Username: "alice"})

	cs.dispatch(c, &protocol.ClientMessage{Id: 1, Type: protocol.CmdLogout})

	ev := nextEvent(t, c)
	assert.Equal(t, protocol.EventOk, ev.Type, "expected the logout acknowledgement")
	assert.True(t, ev.Success, "expected a successful logout")

	select {
	case <-c.stop:
	default:
		t.Error("expected the session to be stopped")
	}
}
