// Package directory owns room creation, membership and the private-chat
// deduplication rule on top of the persistence layer.
package directory

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/lib/pq"
	"github.com/teris-io/shortid"

	"github.com/jfely/parley/internal/database"
	"github.com/jfely/parley/internal/types"
)

// ErrValidation marks failures caused by bad arguments; no state was
// mutated.
var ErrValidation = errors.New("invalid arguments")

const uniqueViolation = "23505"

type Directory struct {
	db  database.Repository
	log *log.Logger
}

func New(db database.Repository, logger *log.Logger) *Directory {
	return &Directory{db: db, log: logger}
}

// PairKey canonicalizes an unordered pair of user ids.
func PairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("p:%d:%d", a, b)
}

// CreateOrGetPrivateRoom returns the private room for the pair, creating
// it if absent. Concurrent callers converge on the same room: the loser
// of a creation race re-reads the winner's row. The second return value
// reports whether a room was created.
func (d *Directory) CreateOrGetPrivateRoom(userA, userB int64) (database.Room, bool, error) {
	if userA == userB {
		return database.Room{}, false, fmt.Errorf("%w: a private room requires two distinct users", ErrValidation)
	}

	key := PairKey(userA, userB)
	room, err := d.db.GetPrivateRoomByPairKey(key)
	if err == nil {
		return room, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return database.Room{}, false, fmt.Errorf("lookup private room: %w", err)
	}

	externalId, err := shortid.Generate()
	if err != nil {
		return database.Room{}, false, fmt.Errorf("generate room id: %w", err)
	}

	room, err = d.db.CreateRoom(database.CreateRoomParams{
		ExternalId:     externalId,
		IsGroup:        false,
		ParticipantIds: []int64{userA, userB},
		PairKey:        key,
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			// lost the race; the winner's room is authoritative
			room, err = d.db.GetPrivateRoomByPairKey(key)
			if err != nil {
				return database.Room{}, false, fmt.Errorf("re-read private room: %w", err)
			}
			return room, false, nil
		}
		return database.Room{}, false, fmt.Errorf("create private room: %w", err)
	}

	return room, true, nil
}

// CreateGroupRoom always creates a new room. The creator is a participant
// whether or not the caller listed them.
func (d *Directory) CreateGroupRoom(name string, creatorId int64, participantIds []int64) (database.Room, error) {
	if name == "" {
		return database.Room{}, fmt.Errorf("%w: a group room requires a name", ErrValidation)
	}

	ids := make([]int64, 0, len(participantIds)+1)
	seen := make(map[int64]struct{})
	for _, id := range append([]int64{creatorId}, participantIds...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	externalId, err := shortid.Generate()
	if err != nil {
		return database.Room{}, fmt.Errorf("generate room id: %w", err)
	}

	room, err := d.db.CreateRoom(database.CreateRoomParams{
		ExternalId:     externalId,
		Name:           name,
		IsGroup:        true,
		ParticipantIds: ids,
	})
	if err != nil {
		return database.Room{}, fmt.Errorf("create group room: %w", err)
	}

	return room, nil
}

// Invite adds userId to the room. Fails if they already participate.
func (d *Directory) Invite(roomId, userId int64) error {
	isMember, err := d.db.IsParticipant(roomId, userId)
	if err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	if isMember {
		return fmt.Errorf("%w: user is already a participant", ErrValidation)
	}

	if err := d.db.AddParticipant(roomId, userId); err != nil {
		return fmt.Errorf("add participant: %w", err)
	}

	return nil
}

// Leave removes userId from the room's participants.
func (d *Directory) Leave(roomId, userId int64) error {
	isMember, err := d.db.IsParticipant(roomId, userId)
	if err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	if !isMember {
		return fmt.Errorf("%w: not a member of this room", ErrValidation)
	}

	if err := d.db.RemoveParticipant(roomId, userId); err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}

	return nil
}

// RoomsFor lists the viewer's rooms with the per-viewer naming policy
// applied.
func (d *Directory) RoomsFor(viewerId int64) ([]types.Room, error) {
	dbRooms, err := d.db.ListRoomsForUser(viewerId)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	rooms := make([]types.Room, 0, len(dbRooms))
	for _, r := range dbRooms {
		rooms = append(rooms, d.RoomView(r, viewerId))
	}

	return rooms, nil
}

// RoomView renders a room for one viewer. Private rooms are titled with
// the other participant's nickname at read time; the stored name is not
// canonical for them.
func (d *Directory) RoomView(room database.Room, viewerId int64) types.Room {
	view := types.Room{
		Id:         room.Id,
		ExternalId: room.ExternalId,
		Name:       room.Name,
		IsGroup:    room.IsGroup,
		CreatedAt:  room.CreatedAt,
	}

	for _, p := range room.Participants {
		view.Participants = append(view.Participants, types.User{
			Id:       p.UserId,
			Username: p.Username,
			Nickname: p.Nickname,
			Status:   p.Status,
		})
	}

	if !room.IsGroup {
		for _, p := range room.Participants {
			if p.UserId != viewerId {
				view.Name = p.Nickname
				if view.Name == "" {
					view.Name = p.Username
				}
				break
			}
		}
	}

	return view
}

// ParticipantIds returns the ids of the room's current participants.
func ParticipantIds(room database.Room) []int64 {
	ids := make([]int64, 0, len(room.Participants))
	for _, p := range room.Participants {
		ids = append(ids, p.UserId)
	}
	return ids
}
