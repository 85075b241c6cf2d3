// Package tracker persists messages, records reads and computes unread
// counts, and keeps the append-only timeline ledger.
package tracker

import (
	"fmt"

	"github.com/jfely/parley/internal/database"
	"github.com/jfely/parley/internal/types"
)

type Tracker struct {
	db database.Repository
}

func New(db database.Repository) *Tracker {
	return &Tracker{db: db}
}

// Save persists a message. The sender of a non-system message is
// immediately a member of its own reader set.
func (t *Tracker) Save(params database.CreateMessageParams) (database.Message, error) {
	if params.Kind == "" {
		params.Kind = types.MessageText
	}

	msg, err := t.db.CreateMessage(params)
	if err != nil {
		return database.Message{}, fmt.Errorf("persist message: %w", err)
	}

	if params.Kind != types.MessageSystem {
		if _, err := t.db.MarkMessageRead(msg.Id, msg.SenderId); err != nil {
			return database.Message{}, fmt.Errorf("mark sender read: %w", err)
		}
		msg.ReadCount = 1
	}

	return msg, nil
}

// MarkRead records userId as a reader of the message. Idempotent: a
// repeat call reports false and changes nothing.
func (t *Tracker) MarkRead(messageId, userId int64) (bool, error) {
	recorded, err := t.db.MarkMessageRead(messageId, userId)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	return recorded, nil
}

// Unread is the number of room participants who have not read the
// message, never negative.
func Unread(participantCount, readCount int) int {
	unread := participantCount - readCount
	if unread < 0 {
		return 0
	}
	return unread
}

// MessageView annotates a stored message with the counts for its room,
// computed at read time. System messages carry no unread semantics.
func MessageView(m database.Message, room database.Room) types.Message {
	view := types.Message{
		Id:             m.Id,
		RoomId:         room.ExternalId,
		SenderId:       m.SenderId,
		SenderNickname: m.SenderNickname,
		Kind:           m.Kind,
		Content:        m.Content,
		Notice:         m.IsNotice,
		SentAt:         m.SentAt,
		ReadCount:      m.ReadCount,
	}

	if m.Kind != types.MessageSystem {
		view.UnreadCount = Unread(len(room.Participants), m.ReadCount)
	}

	return view
}

// RoomMessages lists the room's messages oldest-first with live counts.
func (t *Tracker) RoomMessages(room database.Room) ([]types.Message, error) {
	msgs, err := t.db.ListMessages(room.Id)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	views := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, MessageView(m, room))
	}

	return views, nil
}

// RoomNotices lists the room's notice-flagged messages oldest-first.
func (t *Tracker) RoomNotices(room database.Room) ([]types.Message, error) {
	msgs, err := t.db.ListNotices(room.Id)
	if err != nil {
		return nil, fmt.Errorf("list notices: %w", err)
	}

	views := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, MessageView(m, room))
	}

	return views, nil
}

// Record appends an event to the timeline ledger.
func (t *Tracker) Record(params database.CreateTimelineEventParams) error {
	if _, err := t.db.CreateTimelineEvent(params); err != nil {
		return fmt.Errorf("record timeline event: %w", err)
	}
	return nil
}

// Timeline lists the room's timeline events oldest-first.
func (t *Tracker) Timeline(room database.Room) ([]types.TimelineEvent, error) {
	events, err := t.db.ListTimelineEvents(room.Id)
	if err != nil {
		return nil, fmt.Errorf("list timeline events: %w", err)
	}

	views := make([]types.TimelineEvent, 0, len(events))
	for _, e := range events {
		views = append(views, types.TimelineEvent{
			Id:          e.Id,
			RoomId:      room.ExternalId,
			UserId:      e.UserId,
			Command:     e.Command,
			Description: e.Description,
			EventTime:   e.EventTime,
			EventType:   e.EventType,
			EventName:   e.EventName,
		})
	}

	return views, nil
}
