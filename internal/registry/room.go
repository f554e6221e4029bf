package registry

import (
	"time"
)

// Room ratings gate visible content and language policy, not access.
const (
	RatingGeneral    = "G"
	RatingAdult      = "A"
	RatingRestricted = "R"
)

// Room is one chat room. Immutable identity fields are set at creation;
// the membership map is guarded by the Registry's lock and must only be
// touched through Registry methods.
type Room struct {
	ID          int32
	Name        string
	Category    int32
	Rating      string
	Voice       bool
	Private     bool
	Password    string // empty = unlocked
	Topic       string
	MicEnabled  bool
	TextEnabled bool
	OwnerUID    uint32
	Permanent   bool
	CreatedAt   time.Time

	members map[uint32]*Member
}

// Member is the per-room role data for one occupant.
type Member struct {
	UID      uint32
	Nickname string
	Admin    bool // admin within this room
	Visible  bool
	MicOn    bool
	JoinedAt time.Time
}

// NewRoom creates a room with an empty membership map.
func NewRoom(id int32, name string, category int32, rating string) *Room {
	if rating == "" {
		rating = RatingGeneral
	}
	return &Room{
		ID:          id,
		Name:        name,
		Category:    category,
		Rating:      rating,
		MicEnabled:  true,
		TextEnabled: true,
		CreatedAt:   time.Now(),
		members:     make(map[uint32]*Member),
	}
}

// Locked reports whether joining requires a password.
func (r *Room) Locked() bool {
	return r.Password != ""
}
