package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RoomIDLength is the length of generated room identifiers.
const RoomIDLength = 8

// createAttempts bounds retries when a generated room id collides.
const createAttempts = 5

var (
	// ErrRoomNotFound is returned when a room record does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomIDExhausted is returned when no unused room id could be generated.
	ErrRoomIDExhausted = errors.New("could not allocate a room id")
)

// RoomRecord is a persisted room and the usernames that have joined it.
type RoomRecord struct {
	ID        string    `json:"roomId"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	Users     []string  `json:"users"`
}

// UserCount returns the number of distinct users recorded on the room.
func (r RoomRecord) UserCount() int { return len(r.Users) }

// RoomRepository stores room metadata. It is independent of live realtime
// membership, which exists only in memory.
type RoomRepository struct {
	db    *pgxpool.Pool
	newID func() string
}

// NewRoomRepository creates a RoomRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewRoomRepository(db *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{db: db, newID: NewRoomID}
}

// NewRoomID returns a short room identifier taken from a random UUID.
func NewRoomID() string {
	return uuid.NewString()[:RoomIDLength]
}

// Create stores a new room owned by createdBy, who is recorded as its first user.
//
// Precondition: createdBy must be non-empty.
// Postcondition: Returns the stored room, or ErrRoomIDExhausted after repeated id collisions.
func (r *RoomRepository) Create(ctx context.Context, createdBy string) (RoomRecord, error) {
	if createdBy == "" {
		return RoomRecord{}, fmt.Errorf("%w: creator is required", ErrInvalidUsername)
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		rec, err := r.insert(ctx, r.newID(), createdBy)
		if err == nil {
			return rec, nil
		}
		if !isDuplicateKeyError(err) {
			return RoomRecord{}, err
		}
	}
	return RoomRecord{}, ErrRoomIDExhausted
}

func (r *RoomRepository) insert(ctx context.Context, id, createdBy string) (RoomRecord, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return RoomRecord{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec := RoomRecord{ID: id, CreatedBy: createdBy, Users: []string{createdBy}}
	err = tx.QueryRow(ctx,
		`INSERT INTO rooms (id, created_by) VALUES ($1, $2) RETURNING created_at`,
		id, createdBy,
	).Scan(&rec.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return RoomRecord{}, err
		}
		return RoomRecord{}, fmt.Errorf("inserting room: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO room_users (room_id, username) VALUES ($1, $2)`,
		id, createdBy,
	); err != nil {
		return RoomRecord{}, fmt.Errorf("recording room creator: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return RoomRecord{}, fmt.Errorf("committing room: %w", err)
	}
	return rec, nil
}

// AddUser records username on the room. Adding an existing user is a no-op.
//
// Postcondition: Returns ErrRoomNotFound if the room does not exist.
func (r *RoomRepository) AddUser(ctx context.Context, roomID, username string) error {
	if username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidUsername)
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO room_users (room_id, username) VALUES ($1, $2)
		 ON CONFLICT (room_id, username) DO NOTHING`,
		roomID, username,
	)
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("room %q: %w", roomID, ErrRoomNotFound)
		}
		return fmt.Errorf("adding user to room: %w", err)
	}
	return nil
}

// Get returns one room with its users in join order.
//
// Postcondition: Returns ErrRoomNotFound if the room does not exist.
func (r *RoomRepository) Get(ctx context.Context, roomID string) (RoomRecord, error) {
	rec := RoomRecord{ID: roomID}
	err := r.db.QueryRow(ctx,
		`SELECT created_by, created_at FROM rooms WHERE id = $1`,
		roomID,
	).Scan(&rec.CreatedBy, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RoomRecord{}, fmt.Errorf("room %q: %w", roomID, ErrRoomNotFound)
		}
		return RoomRecord{}, fmt.Errorf("querying room: %w", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT username FROM room_users WHERE room_id = $1 ORDER BY joined_at, username`,
		roomID,
	)
	if err != nil {
		return RoomRecord{}, fmt.Errorf("querying room users: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return RoomRecord{}, fmt.Errorf("scanning room users: %w", err)
	}
	rec.Users = users
	return rec, nil
}

// List returns every room, newest first, with its users.
func (r *RoomRepository) List(ctx context.Context) ([]RoomRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT r.id, r.created_by, r.created_at,
		        COALESCE(array_agg(u.username ORDER BY u.joined_at, u.username)
		                 FILTER (WHERE u.username IS NOT NULL), '{}')
		 FROM rooms r
		 LEFT JOIN room_users u ON u.room_id = r.id
		 GROUP BY r.id, r.created_by, r.created_at
		 ORDER BY r.created_at DESC, r.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (RoomRecord, error) {
		var rec RoomRecord
		err := row.Scan(&rec.ID, &rec.CreatedBy, &rec.CreatedAt, &rec.Users)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning rooms: %w", err)
	}
	if recs == nil {
		recs = []RoomRecord{}
	}
	return recs, nil
}
