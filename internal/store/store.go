// Package store implements the persistent user/room record store the
// protocol core consults for lookups and writes of profile, buddy-list
// and offline-message data. The core only depends on the Store
// interface; the SQLite implementation lives alongside it.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// UserRecord is a persisted user identity.
type UserRecord struct {
	UID      uint32
	Nickname string
	Password string
	Level    int
	Color    string
	Buddies  map[uint32]string
	Blocked  map[uint32]string
}

// CategoryRecord is one room category.
type CategoryRecord struct {
	Code int32
	Name string
	Sort int32
}

// RoomRecord is a persisted (permanent) room definition.
type RoomRecord struct {
	ID          int32
	Name        string
	Category    int32
	Rating      string
	Voice       bool
	Private     bool
	Password    string
	Topic       string
	OwnerUID    uint32
	MicEnabled  bool
	TextEnabled bool
}

// OfflineMessage is an instant message queued for an offline recipient.
type OfflineMessage struct {
	ID        int64
	ToUID     uint32
	FromUID   uint32
	FromNick  string
	Body      string
	CreatedAt time.Time
}

// Store is the full collaborator interface the core requires. Every
// call takes a context; handlers bound it with the configured store
// timeout so a slow store surfaces as a dropped packet, not a hang.
type Store interface {
	GetUserByUID(ctx context.Context, uid uint32) (*UserRecord, error)
	GetUserByNickname(ctx context.Context, nickname string) (*UserRecord, error)
	SearchUsersByNickname(ctx context.Context, pattern string) ([]*UserRecord, error)
	UpdateUserBuddies(ctx context.Context, uid uint32, buddies map[uint32]string) error

	GetCategories(ctx context.Context) ([]CategoryRecord, error)
	GetPermanentRooms(ctx context.Context) ([]RoomRecord, error)

	StoreOfflineMessage(ctx context.Context, msg *OfflineMessage) error
	GetOfflineMessages(ctx context.Context, uid uint32) ([]*OfflineMessage, error)
	MarkMessagesAsSent(ctx context.Context, ids []int64) error

	Close() error
}
