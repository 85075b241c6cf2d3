package database

import (
	"database/sql"
	"fmt"
	"time"
)

func (db *PgRepository) CreateAccount(params CreateAccountParams) (Account, error) {
	res := db.conn.QueryRow(
		"INSERT INTO users (username, secret_hash, nickname, status, created_at) "+
			"VALUES ($1, $2, $3, 'offline', $4) RETURNING id, username, nickname, status",
		params.Username,
		params.SecretHash,
		params.Nickname,
		time.Now().UTC(),
	)

	var a Account
	err := res.Scan(
		&a.Id,
		&a.Username,
		&a.Nickname,
		&a.Status,
	)

	return a, err
}

func (db *PgRepository) GetAccountById(id int64) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, secret_hash, nickname, status, COALESCE(last_login, 'epoch') "+
			"FROM users WHERE id = $1 LIMIT 1",
		id,
	)

	return scanAccount(row)
}

func (db *PgRepository) GetAccountByUsername(username string) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, secret_hash, nickname, status, COALESCE(last_login, 'epoch') "+
			"FROM users WHERE username = $1 LIMIT 1",
		username,
	)

	return scanAccount(row)
}

func scanAccount(row *sql.Row) (Account, error) {
	var a Account
	err := row.Scan(
		&a.Id,
		&a.Username,
		&a.SecretHash,
		&a.Nickname,
		&a.Status,
		&a.LastLogin,
	)

	return a, err
}

func (db *PgRepository) UpdateAccountStatus(id int64, status string) error {
	_, err := db.conn.Exec(
		"UPDATE users SET status = $2 WHERE id = $1",
		id, status,
	)
	return err
}

func (db *PgRepository) UpdateLastLogin(id int64, lastLogin time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE users SET last_login = $2 WHERE id = $1",
		id, lastLogin.UTC(),
	)
	return err
}

func (db *PgRepository) CreateFriendPair(userId, friendId int64) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	if _, err = tx.Exec(
		"INSERT INTO friends (user_id, friend_id, created_at) VALUES ($1, $2, $3)",
		userId, friendId, now,
	); err != nil {
		return fmt.Errorf("insert friend edge: %w", err)
	}

	if _, err = tx.Exec(
		"INSERT INTO friends (user_id, friend_id, created_at) VALUES ($1, $2, $3)",
		friendId, userId, now,
	); err != nil {
		return fmt.Errorf("insert reverse friend edge: %w", err)
	}

	return tx.Commit()
}

func (db *PgRepository) FriendshipExists(userId, friendId int64) (bool, error) {
	row := db.conn.QueryRow(
		"SELECT EXISTS (SELECT 1 FROM friends WHERE user_id = $1 AND friend_id = $2)",
		userId, friendId,
	)

	var exists bool
	err := row.Scan(&exists)
	return exists, err
}

func (db *PgRepository) ListFriends(userId int64) ([]Account, error) {
	rows, err := db.conn.Query(
		"SELECT u.id, u.username, u.nickname, u.status FROM friends f "+
			"JOIN users u ON u.id = f.friend_id "+
			"WHERE f.user_id = $1 ORDER BY u.username",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var friends []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.Id, &a.Username, &a.Nickname, &a.Status); err != nil {
			return nil, fmt.Errorf("scan friend: %w", err)
		}
		friends = append(friends, a)
	}

	return friends, rows.Err()
}

func (db *PgRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var pairKey sql.NullString
	if params.PairKey != "" {
		pairKey = sql.NullString{String: params.PairKey, Valid: true}
	}

	res := tx.QueryRow(
		"INSERT INTO chat_rooms (external_id, name, is_group, pair_key, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id, external_id, name, is_group, created_at",
		params.ExternalId,
		params.Name,
		params.IsGroup,
		pairKey,
		time.Now().UTC(),
	)

	var room Room
	err = res.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.IsGroup,
		&room.CreatedAt,
	)
	if err != nil {
		return Room{}, err
	}

	for _, userId := range params.ParticipantIds {
		if _, err = tx.Exec(
			"INSERT INTO room_participants (room_id, user_id, joined_at) VALUES ($1, $2, $3)",
			room.Id, userId, time.Now().UTC(),
		); err != nil {
			return Room{}, fmt.Errorf("insert participant %d: %w", userId, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return Room{}, err
	}

	room.Participants, err = db.ListParticipants(room.Id)
	return room, err
}

const roomColumns = "id, external_id, name, is_group, created_at"

func (db *PgRepository) GetRoomById(id int64) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT "+roomColumns+" FROM chat_rooms WHERE id = $1 LIMIT 1",
		id,
	)

	return db.scanRoomWithParticipants(row)
}

func (db *PgRepository) GetRoomByExternalId(externalId string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT "+roomColumns+" FROM chat_rooms WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	return db.scanRoomWithParticipants(row)
}

func (db *PgRepository) GetPrivateRoomByPairKey(pairKey string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT "+roomColumns+" FROM chat_rooms "+
			"WHERE pair_key = $1 AND is_group = FALSE LIMIT 1",
		pairKey,
	)

	return db.scanRoomWithParticipants(row)
}

func (db *PgRepository) scanRoomWithParticipants(row *sql.Row) (Room, error) {
	var room Room
	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.IsGroup,
		&room.CreatedAt,
	)
	if err != nil {
		return Room{}, err
	}

	room.Participants, err = db.ListParticipants(room.Id)
	return room, err
}

func (db *PgRepository) ListRoomsForUser(userId int64) ([]Room, error) {
	rows, err := db.conn.Query(
		"SELECT r.id, r.external_id, r.name, r.is_group, r.created_at FROM chat_rooms r "+
			"JOIN room_participants p ON p.room_id = r.id "+
			"WHERE p.user_id = $1 ORDER BY r.created_at",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.Id, &room.ExternalId, &room.Name, &room.IsGroup, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range rooms {
		rooms[i].Participants, err = db.ListParticipants(rooms[i].Id)
		if err != nil {
			return nil, err
		}
	}

	return rooms, nil
}

func (db *PgRepository) ListRoomIds() ([]int64, error) {
	rows, err := db.conn.Query("SELECT id FROM chat_rooms ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (db *PgRepository) AddParticipant(roomId, userId int64) error {
	_, err := db.conn.Exec(
		"INSERT INTO room_participants (room_id, user_id, joined_at) VALUES ($1, $2, $3)",
		roomId, userId, time.Now().UTC(),
	)
	return err
}

func (db *PgRepository) RemoveParticipant(roomId, userId int64) error {
	_, err := db.conn.Exec(
		"DELETE FROM room_participants WHERE room_id = $1 AND user_id = $2",
		roomId, userId,
	)
	return err
}

func (db *PgRepository) ListParticipants(roomId int64) ([]Participant, error) {
	rows, err := db.conn.Query(
		"SELECT p.user_id, u.username, u.nickname, u.status, p.joined_at "+
			"FROM room_participants p JOIN users u ON u.id = p.user_id "+
			"WHERE p.room_id = $1 ORDER BY p.joined_at",
		roomId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.UserId, &p.Username, &p.Nickname, &p.Status, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}

	return participants, rows.Err()
}

func (db *PgRepository) IsParticipant(roomId, userId int64) (bool, error) {
	row := db.conn.QueryRow(
		"SELECT EXISTS (SELECT 1 FROM room_participants WHERE room_id = $1 AND user_id = $2)",
		roomId, userId,
	)

	var exists bool
	err := row.Scan(&exists)
	return exists, err
}

const messageColumns = "m.id, m.room_id, m.sender_id, m.sender_nickname, m.kind, " +
	"m.content, m.is_notice, m.sent_at, " +
	"(SELECT COUNT(*) FROM message_reads mr WHERE mr.message_id = m.id) AS read_count"

func (db *PgRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	res := db.conn.QueryRow(
		"INSERT INTO messages (room_id, sender_id, sender_nickname, kind, content, is_notice, sent_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) "+
			"RETURNING id, room_id, sender_id, sender_nickname, kind, content, is_notice, sent_at",
		params.RoomId,
		params.SenderId,
		params.SenderNickname,
		params.Kind,
		params.Content,
		params.IsNotice,
		time.Now().UTC(),
	)

	var m Message
	err := res.Scan(
		&m.Id,
		&m.RoomId,
		&m.SenderId,
		&m.SenderNickname,
		&m.Kind,
		&m.Content,
		&m.IsNotice,
		&m.SentAt,
	)

	return m, err
}

func (db *PgRepository) GetMessageById(id int64) (Message, error) {
	row := db.conn.QueryRow(
		"SELECT "+messageColumns+" FROM messages m WHERE m.id = $1 LIMIT 1",
		id,
	)

	var m Message
	err := row.Scan(
		&m.Id,
		&m.RoomId,
		&m.SenderId,
		&m.SenderNickname,
		&m.Kind,
		&m.Content,
		&m.IsNotice,
		&m.SentAt,
		&m.ReadCount,
	)

	return m, err
}

func (db *PgRepository) ListMessages(roomId int64) ([]Message, error) {
	rows, err := db.conn.Query(
		"SELECT "+messageColumns+" FROM messages m "+
			"WHERE m.room_id = $1 ORDER BY m.sent_at, m.id",
		roomId,
	)
	if err != nil {
		return nil, err
	}

	return scanMessages(rows)
}

func (db *PgRepository) ListNotices(roomId int64) ([]Message, error) {
	rows, err := db.conn.Query(
		"SELECT "+messageColumns+" FROM messages m "+
			"WHERE m.room_id = $1 AND m.is_notice = TRUE ORDER BY m.sent_at, m.id",
		roomId,
	)
	if err != nil {
		return nil, err
	}

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		err := rows.Scan(
			&m.Id,
			&m.RoomId,
			&m.SenderId,
			&m.SenderNickname,
			&m.Kind,
			&m.Content,
			&m.IsNotice,
			&m.SentAt,
			&m.ReadCount,
		)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (db *PgRepository) MarkMessageRead(messageId, userId int64) (bool, error) {
	res, err := db.conn.Exec(
		"INSERT INTO message_reads (message_id, user_id, read_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT (message_id, user_id) DO NOTHING",
		messageId, userId, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}

	inserted, err := res.RowsAffected()
	return inserted > 0, err
}

func (db *PgRepository) ListReaders(messageId int64) ([]int64, error) {
	rows, err := db.conn.Query(
		"SELECT user_id FROM message_reads WHERE message_id = $1 ORDER BY read_at",
		messageId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readers []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		readers = append(readers, id)
	}

	return readers, rows.Err()
}

func (db *PgRepository) ListStaleUnread(roomId, userId int64, before time.Time) ([]Message, error) {
	rows, err := db.conn.Query(
		"SELECT "+messageColumns+" FROM messages m "+
			"WHERE m.room_id = $1 AND m.kind != 'system' AND m.sent_at < $3 "+
			"AND NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id = m.id AND mr.user_id = $2) "+
			"ORDER BY m.sent_at, m.id",
		roomId, userId, before.UTC(),
	)
	if err != nil {
		return nil, err
	}

	return scanMessages(rows)
}

func (db *PgRepository) CreateTimelineEvent(params CreateTimelineEventParams) (TimelineEvent, error) {
	res := db.conn.QueryRow(
		"INSERT INTO timeline_events (room_id, user_id, command, description, event_time, event_type, event_name) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) "+
			"RETURNING id, room_id, user_id, command, description, event_time, event_type, event_name",
		params.RoomId,
		params.UserId,
		params.Command,
		params.Description,
		time.Now().UTC(),
		params.EventType,
		params.EventName,
	)

	var e TimelineEvent
	err := res.Scan(
		&e.Id,
		&e.RoomId,
		&e.UserId,
		&e.Command,
		&e.Description,
		&e.EventTime,
		&e.EventType,
		&e.EventName,
	)

	return e, err
}

func (db *PgRepository) ListTimelineEvents(roomId int64) ([]TimelineEvent, error) {
	rows, err := db.conn.Query(
		"SELECT id, room_id, user_id, command, description, event_time, event_type, event_name "+
			"FROM timeline_events WHERE room_id = $1 ORDER BY event_time, id",
		roomId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TimelineEvent
	for rows.Next() {
		var e TimelineEvent
		err := rows.Scan(
			&e.Id,
			&e.RoomId,
			&e.UserId,
			&e.Command,
			&e.Description,
			&e.EventTime,
			&e.EventType,
			&e.EventName,
		)
		if err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}
