package server

import (
	"fmt"
	"log"
	"time"

	"github.com/jfely/parley/internal/database"
	"github.com/jfely/parley/internal/protocol"
	"github.com/jfely/parley/internal/stats"
	"github.com/jfely/parley/internal/tracker"
	"github.com/jfely/parley/internal/types"
)

// Sentinel periodically scans every room for messages that have gone
// unread past the staleness threshold and nudges the lagging participant
// with a system message. It does nothing when the system account is
// missing.
type Sentinel struct {
	log        *log.Logger
	cs         *ChatServer
	interval   time.Duration
	staleAfter time.Duration
	stop       chan struct{}
	done       chan struct{}
}

func NewSentinel(l *log.Logger, cs *ChatServer, interval, staleAfter time.Duration) *Sentinel {
	return &Sentinel{
		log:        l,
		cs:         cs,
		interval:   interval,
		staleAfter: staleAfter,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (s *Sentinel) Run() {
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(s.done)
	}()

	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.stop:
			return
		}
	}
}

func (s *Sentinel) Stop() {
	close(s.stop)
	<-s.done
}

// sweep emits at most one reminder per (room, participant) pair no
// matter how many of their messages are stale.
func (s *Sentinel) sweep(now time.Time) {
	bot := s.cs.SystemUser()
	if bot == nil {
		return
	}

	cutoff := now.Add(-s.staleAfter)

	roomIds, err := s.cs.db.ListRoomIds()
	if err != nil {
		s.log.Println("sweep: failed to list rooms:", err)
		return
	}

	for _, roomId := range roomIds {
		room, err := s.cs.db.GetRoomById(roomId)
		if err != nil {
			s.log.Printf("sweep: failed to load room %d: %s", roomId, err)
			continue
		}

		for _, p := range room.Participants {
			stale, err := s.cs.db.ListStaleUnread(room.Id, p.UserId, cutoff)
			if err != nil {
				s.log.Printf("sweep: failed to list stale unread for user %d in room %d: %s",
					p.UserId, room.Id, err)
				continue
			}
			if len(stale) == 0 {
				continue
			}

			s.remind(room, p, *bot, len(stale))
		}
	}
}

func (s *Sentinel) remind(room database.Room, p database.Participant, bot types.User, count int) {
	name := p.Nickname
	if name == "" {
		name = p.Username
	}
	roomName := s.cs.directory.RoomView(room, p.UserId).Name

	content := fmt.Sprintf("%s, you have %d unread message(s) in %s", name, count, roomName)

	saved, err := s.cs.tracker.Save(database.CreateMessageParams{
		RoomId:         room.Id,
		SenderId:       bot.Id,
		SenderNickname: bot.Nickname,
		Kind:           types.MessageSystem,
		Content:        content,
	})
	if err != nil {
		s.log.Printf("sweep: failed to persist reminder for user %d in room %d: %s",
			p.UserId, room.Id, err)
		return
	}
	s.cs.stats.Incr(stats.MetricMessagesPersisted)

	// Only the lagging participant hears the nudge.
	s.cs.Broadcast([]int64{p.UserId},
		protocol.Push(protocol.EventSystemNotice, tracker.MessageView(saved, room)))
	s.cs.stats.Incr(stats.MetricRemindersSent)
}
