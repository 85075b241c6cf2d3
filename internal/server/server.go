package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jfely/parley/internal/auth"
	"github.com/jfely/parley/internal/database"
	"github.com/jfely/parley/internal/directory"
	"github.com/jfely/parley/internal/protocol"
	"github.com/jfely/parley/internal/registry"
	"github.com/jfely/parley/internal/stats"
	"github.com/jfely/parley/internal/tracker"
	"github.com/jfely/parley/internal/types"
)

// ChatServer coordinates sessions, room membership and message flow. All
// connection state lives in the registry; everything durable is in the
// repository, so a restart only drops live connections.
type ChatServer struct {
	log       *log.Logger
	db        database.Repository
	registry  *registry.Registry
	directory *directory.Directory
	tracker   *tracker.Tracker
	creds     auth.CredentialStore
	tokens    *auth.TokenIssuer
	stats     stats.StatsProvider

	// nil when the system account is missing; reminders are disabled then.
	systemUser *types.User

	clientsLock sync.Mutex
	clients     map[*Client]struct{}
}

func NewChatServer(l *log.Logger, db database.Repository, creds auth.CredentialStore,
	tokens *auth.TokenIssuer, su stats.StatsProvider, systemUsername string) (*ChatServer, error) {
	cs := &ChatServer{
		log:       l,
		db:        db,
		registry:  registry.New(),
		directory: directory.New(db, l),
		tracker:   tracker.New(db),
		creds:     creds,
		tokens:    tokens,
		stats:     su,
		clients:   make(map[*Client]struct{}),
	}

	su.RegisterMetric(stats.MetricConnections)
	su.RegisterMetric(stats.MetricActiveSessions)
	su.RegisterMetric(stats.MetricMessagesPersisted)
	su.RegisterMetric(stats.MetricEventsBroadcast)
	su.RegisterMetric(stats.MetricEventsDropped)
	su.RegisterMetric(stats.MetricRemindersSent)

	account, err := db.GetAccountByUsername(systemUsername)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to look up system account: %w", err)
		}
		l.Printf("system account %q not found, unread reminders disabled", systemUsername)
	} else {
		user := accountUser(account)
		cs.systemUser = &user
	}

	return cs, nil
}

// SystemUser returns the reminder sender account, or nil when absent.
func (cs *ChatServer) SystemUser() *types.User {
	return cs.systemUser
}

// AttachClient starts tracking an accepted connection for shutdown.
func (cs *ChatServer) AttachClient(c *Client) {
	cs.clientsLock.Lock()
	cs.clients[c] = struct{}{}
	cs.clientsLock.Unlock()

	cs.stats.Incr(stats.MetricConnections)
}

func (cs *ChatServer) detachClient(c *Client) {
	cs.clientsLock.Lock()
	_, tracked := cs.clients[c]
	delete(cs.clients, c)
	cs.clientsLock.Unlock()

	if tracked {
		cs.stats.Decr(stats.MetricConnections)
	}

	cs.unregisterSession(c)
}

// RegisterSession is the pre-authenticated entry point used by the HTTP
// layer when a valid token accompanies the upgrade.
func (cs *ChatServer) RegisterSession(c *Client, user types.User) {
	cs.registerSession(c, user)
}

// registerSession binds an authenticated user to the client. A newer
// session for the same user silently replaces the older one.
func (cs *ChatServer) registerSession(c *Client, user types.User) {
	user.Status = types.StatusOnline
	c.setUser(user)

	prev := cs.registry.Register(user.Id, c)
	if prev != nil {
		cs.log.Printf("user %d: session %s superseded by %s", user.Id, prev.SessionID(), c.SessionID())
	} else {
		cs.stats.Incr(stats.MetricActiveSessions)
	}

	if err := cs.db.UpdateAccountStatus(user.Id, types.StatusOnline); err != nil {
		cs.log.Println("failed to update account status:", err)
	}
	if err := cs.db.UpdateLastLogin(user.Id, time.Now()); err != nil {
		cs.log.Println("failed to update last login:", err)
	}

	cs.broadcastPresence(user.Id, types.StatusOnline)
}

// unregisterSession marks the user offline if this client is still the
// registered session. A stale session that was already replaced must not
// disturb the newer one.
func (cs *ChatServer) unregisterSession(c *Client) {
	user, ok := c.User()
	if !ok {
		return
	}

	if !cs.registry.Unregister(user.Id, c) {
		return
	}
	cs.stats.Decr(stats.MetricActiveSessions)

	if err := cs.db.UpdateAccountStatus(user.Id, types.StatusOffline); err != nil {
		cs.log.Println("failed to update account status:", err)
	}

	cs.broadcastPresence(user.Id, types.StatusOffline)
}

// Broadcast queues an event on every target user's registered session.
// Users without a live session are skipped.
func (cs *ChatServer) Broadcast(userIds []int64, msg *protocol.ServerMessage) {
	for _, id := range userIds {
		session, ok := cs.registry.Lookup(id)
		if !ok {
			continue
		}

		if session.QueueEvent(msg) {
			cs.stats.Incr(stats.MetricEventsBroadcast)
		}
	}
}

func (cs *ChatServer) broadcastPresence(userId int64, status string) {
	friends, err := cs.db.ListFriends(userId)
	if err != nil {
		cs.log.Println("failed to list friends for presence update:", err)
		return
	}

	ids := make([]int64, 0, len(friends))
	for _, f := range friends {
		ids = append(ids, f.Id)
	}

	cs.Broadcast(ids, protocol.Push(protocol.EventPresence, types.PresenceChange{
		UserId: userId,
		Status: status,
	}))
}

// pushRoomList sends each connected target their own view of the room
// list. Views differ per user because private rooms are named after the
// other participant.
func (cs *ChatServer) pushRoomList(userIds ...int64) {
	for _, id := range userIds {
		if _, ok := cs.registry.Lookup(id); !ok {
			continue
		}

		rooms, err := cs.directory.RoomsFor(id)
		if err != nil {
			cs.log.Printf("failed to list rooms for user %d: %s", id, err)
			continue
		}

		cs.Broadcast([]int64{id}, protocol.Push(protocol.EventRoomList, rooms))
	}
}

func (cs *ChatServer) pushFriendList(userId int64) {
	if _, ok := cs.registry.Lookup(userId); !ok {
		return
	}

	friends, err := cs.db.ListFriends(userId)
	if err != nil {
		cs.log.Printf("failed to list friends for user %d: %s", userId, err)
		return
	}

	users := make([]types.User, 0, len(friends))
	for _, f := range friends {
		users = append(users, accountUser(f))
	}

	cs.Broadcast([]int64{userId}, protocol.Push(protocol.EventFriendList, users))
}

func accountUser(a database.Account) types.User {
	return types.User{
		Id:        a.Id,
		Username:  a.Username,
		Nickname:  a.Nickname,
		Status:    a.Status,
		LastLogin: a.LastLogin,
	}
}

// Shutdown stops every live session and waits for them to drain.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		cs.clientsLock.Lock()
		remaining := len(cs.clients)
		cs.clientsLock.Unlock()

		if remaining == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
