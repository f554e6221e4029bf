// Package registry implements the authoritative in-memory store of
// online users, rooms and categories. It is the only cross-connection
// shared mutable state in the server; every mutation is atomic with
// respect to concurrent connection handlers.
package registry

import (
	"sort"
	"sync"
)

// Level is a user's global permission level.
type Level int

const (
	LevelRegular Level = iota
	LevelModerator
	LevelAdmin
	LevelSuperAdmin
)

var levelStrings = map[Level]string{
	LevelRegular:    "regular",
	LevelModerator:  "moderator",
	LevelAdmin:      "admin",
	LevelSuperAdmin: "superadmin",
}

// String returns the lowercase name of the level.
func (l Level) String() string {
	if s, ok := levelStrings[l]; ok {
		return s
	}
	return "regular"
}

// Conn is the live connection a user is reachable on. Implemented by
// the chat session so the registry never depends on the chat package.
type Conn interface {
	Send(packetType int16, payload []byte) error
	Close() error
	RemoteAddr() string
}

// User is one online user, sourced from the external store at login and
// held live in the registry until its session ends.
type User struct {
	UID      uint32
	Nickname string
	Level    Level
	Color    string

	mu      sync.RWMutex
	conn    Conn
	mode    int
	buddies map[uint32]string
	blocked map[uint32]string
	rooms   map[int32]bool
}

// NewUser creates an online user bound to a live connection.
func NewUser(uid uint32, nickname string, level Level, color string, conn Conn) *User {
	return &User{
		UID:      uid,
		Nickname: nickname,
		Level:    level,
		Color:    color,
		conn:     conn,
		mode:     1, // online
		buddies:  make(map[uint32]string),
		blocked:  make(map[uint32]string),
		rooms:    make(map[int32]bool),
	}
}

// Send delivers a frame to the user's live connection.
func (u *User) Send(packetType int16, payload []byte) error {
	u.mu.RLock()
	conn := u.conn
	u.mu.RUnlock()
	if conn == nil {
		return nil
	}
	return conn.Send(packetType, payload)
}

// Conn returns the user's live connection.
func (u *User) Conn() Conn {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.conn
}

// RemoteAddr returns the remote address of the user's connection.
func (u *User) RemoteAddr() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.conn == nil {
		return ""
	}
	return u.conn.RemoteAddr()
}

// Mode returns the current presence mode code.
func (u *User) Mode() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.mode
}

// SetMode updates the presence mode and reports whether it changed.
func (u *User) SetMode(mode int) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.mode == mode {
		return false
	}
	u.mode = mode
	return true
}

// SetBuddies replaces the buddy list wholesale (login time).
func (u *User) SetBuddies(buddies map[uint32]string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.buddies = make(map[uint32]string, len(buddies))
	for uid, nick := range buddies {
		u.buddies[uid] = nick
	}
}

// AddBuddy adds one {uid, nickname} entry to the buddy list.
func (u *User) AddBuddy(uid uint32, nickname string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.buddies[uid] = nickname
}

// HasBuddy reports whether uid is on this user's buddy list.
func (u *User) HasBuddy(uid uint32) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.buddies[uid]
	return ok
}

// Buddies returns a copy of the buddy list.
func (u *User) Buddies() map[uint32]string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make(map[uint32]string, len(u.buddies))
	for uid, nick := range u.buddies {
		out[uid] = nick
	}
	return out
}

// SetBlocked replaces the blocked list wholesale (login time).
func (u *User) SetBlocked(blocked map[uint32]string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.blocked = make(map[uint32]string, len(blocked))
	for uid, nick := range blocked {
		u.blocked[uid] = nick
	}
}

// IsBlocked reports whether uid is on this user's blocked list.
func (u *User) IsBlocked(uid uint32) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.blocked[uid]
	return ok
}

// Rooms returns the ids of every room the user currently occupies,
// sorted for stable output. A user may be in several rooms at once.
func (u *User) Rooms() []int32 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]int32, 0, len(u.rooms))
	for id := range u.rooms {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// InRoom reports whether the user is a member of the given room.
func (u *User) InRoom(roomID int32) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.rooms[roomID]
}

func (u *User) addRoom(roomID int32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rooms[roomID] = true
}

func (u *User) removeRoom(roomID int32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.rooms, roomID)
}
