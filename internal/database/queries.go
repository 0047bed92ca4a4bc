package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const (
	roomColumns = "r.id, r.external_id, r.name, r.description, r.seq_id, r.owner_id, " +
		"COALESCE(s.last_read_seq_id, 0), r.created_at, r.updated_at"

	insertSubQuery = "INSERT INTO subscriptions (account_id, room_id, created_at, updated_at) " +
		"SELECT m, $1, $3, $3 FROM unnest($2::int[]) AS m " +
		"WHERE NOT EXISTS (SELECT 1 FROM subscriptions s WHERE s.room_id = $1 AND s.account_id = m)"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(row scanner) (Room, error) {
	var room Room
	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.Description,
		&room.SeqId,
		&room.OwnerId,
		&room.LastReadSeqId,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	return room, err
}

func (db *PgChatRepository) ListRooms(ctx context.Context, accountId, limit, offset int) ([]Room, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+roomColumns+" FROM subscriptions s JOIN rooms r ON r.id = s.room_id "+
			"WHERE s.account_id = $1 ORDER BY r.updated_at DESC, r.id DESC LIMIT $2 OFFSET $3",
		accountId,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]Room, 0, limit)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *PgChatRepository) GetRoom(ctx context.Context, accountId int, externalId string) (Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM subscriptions s JOIN rooms r ON r.id = s.room_id "+
			"WHERE s.account_id = $1 AND r.external_id = $2 LIMIT 1",
		accountId,
		externalId,
	)

	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrRoomNotFound
	}
	return room, err
}

func (db *PgChatRepository) ListSubscribers(ctx context.Context, roomIds []int) (map[int][]User, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT s.room_id, a.id, a.username FROM subscriptions AS s "+
			"JOIN accounts AS a ON s.account_id = a.id WHERE s.room_id = ANY($1) ORDER BY s.id",
		pq.Array(roomIds),
	)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	subs := make(map[int][]User, len(roomIds))
	for rows.Next() {
		var (
			roomId int
			user   User
		)
		if err := rows.Scan(&roomId, &user.Id, &user.Username); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs[roomId] = append(subs[roomId], user)
	}

	return subs, rows.Err()
}

func (db *PgChatRepository) LastMessages(ctx context.Context, roomIds []int) (map[int]Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT DISTINCT ON (m.room_id) m.id, m.seq_id, m.room_id, m.user_id, COALESCE(a.username, ''), m.content, m.created_at "+
			"FROM messages m LEFT JOIN accounts a ON a.id = m.user_id "+
			"WHERE m.room_id = ANY($1) ORDER BY m.room_id, m.seq_id DESC",
		pq.Array(roomIds),
	)
	if err != nil {
		return nil, fmt.Errorf("last messages: %w", err)
	}
	defer rows.Close()

	last := make(map[int]Message, len(roomIds))
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		last[msg.RoomId] = msg
	}

	return last, rows.Err()
}

func scanMessage(row scanner) (Message, error) {
	var msg Message
	if err := row.Scan(&msg.Id, &msg.SeqId, &msg.RoomId, &msg.UserId, &msg.Username, &msg.Content, &msg.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	return msg, nil
}

func (db *PgChatRepository) ListMessages(ctx context.Context, roomId, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT m.id, m.seq_id, m.room_id, m.user_id, COALESCE(a.username, ''), m.content, m.created_at "+
			"FROM messages m LEFT JOIN accounts a ON a.id = m.user_id "+
			"WHERE m.room_id = $1 ORDER BY m.seq_id DESC LIMIT $2 OFFSET $3",
		roomId,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// CreateMessage assigns the next sequence id of the room and stores msg.
func (db *PgChatRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	err = tx.QueryRowContext(ctx,
		"UPDATE rooms SET seq_id = seq_id + 1, updated_at = $2 WHERE id = $1 RETURNING seq_id",
		msg.RoomId,
		msg.CreatedAt,
	).Scan(&msg.SeqId)
	if err != nil {
		return Message{}, fmt.Errorf("update room seq id: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		"INSERT INTO messages (seq_id, room_id, user_id, content, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) RETURNING id",
		msg.SeqId,
		msg.RoomId,
		msg.UserId,
		msg.Content,
		msg.CreatedAt,
	).Scan(&msg.Id)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	// the sender has read everything up to their own message
	_, err = tx.ExecContext(ctx,
		"UPDATE subscriptions SET last_read_seq_id = $3 WHERE account_id = $1 AND room_id = $2",
		msg.UserId,
		msg.RoomId,
		msg.SeqId,
	)
	if err != nil {
		return Message{}, fmt.Errorf("update last read seq id: %w", err)
	}

	return msg, tx.Commit()
}

func (db *PgChatRepository) MarkRead(ctx context.Context, accountId, roomId int) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE subscriptions s SET last_read_seq_id = r.seq_id, updated_at = $3 "+
			"FROM rooms r WHERE r.id = s.room_id AND s.account_id = $1 AND s.room_id = $2",
		accountId,
		roomId,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (db *PgChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	room, err := scanRoom(tx.QueryRowContext(ctx,
		"INSERT INTO rooms (name, external_id, description, owner_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) "+
			"RETURNING id, external_id, name, description, seq_id, owner_id, 0, created_at, updated_at",
		params.Name,
		params.ExternalId,
		params.Description,
		params.OwnerId,
		now,
	))
	if err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}

	members := withOwner(params.Members, params.OwnerId)
	if _, err := tx.ExecContext(ctx, insertSubQuery, room.Id, pq.Array(members), now); err != nil {
		return Room{}, fmt.Errorf("insert subscriptions: %w", err)
	}

	return room, tx.Commit()
}

// UpdateRoom renames the room and reconciles its subscribers. Only the owner
// may update a room.
func (db *PgChatRepository) UpdateRoom(ctx context.Context, params UpdateRoomParams) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var ownerId int
	err = tx.QueryRowContext(ctx,
		"UPDATE rooms SET name = COALESCE(NULLIF($2, ''), name), updated_at = $3 WHERE id = $1 RETURNING owner_id",
		params.RoomId,
		params.Name,
		now,
	).Scan(&ownerId)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}

	if params.Members != nil {
		members := pq.Array(withOwner(params.Members, ownerId))
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM subscriptions WHERE room_id = $1 AND NOT (account_id = ANY($2::int[]))",
			params.RoomId,
			members,
		); err != nil {
			return fmt.Errorf("delete subscriptions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insertSubQuery, params.RoomId, members, now); err != nil {
			return fmt.Errorf("insert subscriptions: %w", err)
		}
	}

	return tx.Commit()
}

func (db *PgChatRepository) DeleteRoom(ctx context.Context, id int) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM subscriptions WHERE room_id = $1",
		"DELETE FROM messages WHERE room_id = $1",
		"DELETE FROM rooms WHERE id = $1",
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func withOwner(members []int, ownerId int) []int {
	out := make([]int, 0, len(members)+1)
	out = append(out, ownerId)
	for _, m := range members {
		if m != ownerId {
			out = append(out, m)
		}
	}
	return out
}
