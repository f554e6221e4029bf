package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/retrotalk-project/retrotalk/internal/events"
	"github.com/retrotalk-project/retrotalk/internal/util"
)

var (
	// ErrNicknameTaken is returned when a user with the same nickname
	// (case-insensitive) or uid is already online.
	ErrNicknameTaken = errors.New("registry: nickname already online")

	// ErrRoomNotFound is returned for operations on unknown rooms.
	ErrRoomNotFound = errors.New("registry: room not found")

	// ErrRoomExists is returned when adding a room with a taken id.
	ErrRoomExists = errors.New("registry: room id already exists")

	// ErrNotMember is returned when leaving a room the user is not in.
	ErrNotMember = errors.New("registry: user is not a room member")
)

// Category is one room category as listed to clients after login.
type Category struct {
	Code int32
	Name string
	Sort int32
}

// Stats is an aggregate snapshot of registry state.
type Stats struct {
	Users         int       `json:"users"`
	Rooms         int       `json:"rooms"`
	PeakUsers     int       `json:"peak_users"`
	TotalConnects uint64    `json:"total_connects"`
	StartedAt     time.Time `json:"started_at"`
	Uptime        string    `json:"uptime"`
}

// MemberSnapshot pairs a live user with its per-room role data.
type MemberSnapshot struct {
	User   *User
	Member Member
}

// Registry is the process-wide store of online users and rooms. A
// single lock guards all cross-connection state; the legacy server
// relied on a single-threaded event loop for the same guarantee.
type Registry struct {
	mu         sync.RWMutex
	users      map[uint32]*User
	byNick     map[string]*User
	rooms      map[int32]*Room
	categories []Category
	nextRoomID int32

	startedAt     time.Time
	peakUsers     int
	totalConnects uint64

	bus    *events.Bus
	logger zerolog.Logger
}

// New creates an empty registry publishing notifications to bus.
func New(bus *events.Bus) *Registry {
	return &Registry{
		users:      make(map[uint32]*User),
		byNick:     make(map[string]*User),
		rooms:      make(map[int32]*Room),
		nextRoomID: 10000, // runtime rooms start above the seeded id range
		startedAt:  time.Now(),
		bus:        bus,
		logger:     util.ComponentLogger("registry"),
	}
}

// SetCategories stores the category list loaded from the external store.
func (g *Registry) SetCategories(cats []Category) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.categories = append([]Category(nil), cats...)
}

// Categories returns the category list sorted by sort order.
func (g *Registry) Categories() []Category {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := append([]Category(nil), g.categories...)
	sort.Slice(out, func(i, j int) bool { return out[i].Sort < out[j].Sort })
	return out
}

// ---- Users ----

// AddUser brings a user online. Fails if the uid or nickname is already
// online; the caller decides whether to displace the old session.
func (g *Registry) AddUser(ctx context.Context, u *User) error {
	nick := strings.ToLower(u.Nickname)

	g.mu.Lock()
	if _, ok := g.users[u.UID]; ok {
		g.mu.Unlock()
		return ErrNicknameTaken
	}
	if _, ok := g.byNick[nick]; ok {
		g.mu.Unlock()
		return ErrNicknameTaken
	}
	g.users[u.UID] = u
	g.byNick[nick] = u
	g.totalConnects++
	if len(g.users) > g.peakUsers {
		g.peakUsers = len(g.users)
	}
	g.mu.Unlock()

	g.logger.Info().Uint32("uid", u.UID).Str("nickname", u.Nickname).Msg("user online")
	g.bus.Emit(ctx, events.Event{
		Type:   events.EventUserConnected,
		Source: "registry",
		Payload: events.UserPayload{
			UID:      u.UID,
			Nickname: u.Nickname,
			Remote:   u.RemoteAddr(),
		},
	})
	return nil
}

// RemoveUser takes a user offline, removing it from every room it
// occupies and applying the empty-room deletion rule. Returns the user,
// or nil if the uid was not online.
func (g *Registry) RemoveUser(ctx context.Context, uid uint32) *User {
	g.mu.Lock()
	u, ok := g.users[uid]
	if !ok {
		g.mu.Unlock()
		return nil
	}
	left, deleted := g.removeUserLocked(u)
	g.mu.Unlock()

	g.emitUserRemoved(ctx, u, left, deleted)
	return u
}

// RemoveUserIf takes a user offline only when the registered entry is
// the same User the caller holds. A displaced session's cleanup runs
// after its replacement has logged in; the pointer check keeps that
// cleanup from evicting the successor. Reports whether removal
// happened.
func (g *Registry) RemoveUserIf(ctx context.Context, u *User) bool {
	g.mu.Lock()
	cur, ok := g.users[u.UID]
	if !ok || cur != u {
		g.mu.Unlock()
		return false
	}
	left, deleted := g.removeUserLocked(u)
	g.mu.Unlock()

	g.emitUserRemoved(ctx, u, left, deleted)
	return true
}

func (g *Registry) removeUserLocked(u *User) (left []int32, deleted []*Room) {
	delete(g.users, u.UID)
	delete(g.byNick, strings.ToLower(u.Nickname))

	for id, room := range g.rooms {
		if _, member := room.members[u.UID]; !member {
			continue
		}
		delete(room.members, u.UID)
		u.removeRoom(id)
		left = append(left, id)
		if !room.Permanent && len(room.members) == 0 {
			delete(g.rooms, id)
			deleted = append(deleted, room)
		}
	}
	return left, deleted
}

func (g *Registry) emitUserRemoved(ctx context.Context, u *User, left []int32, deleted []*Room) {
	g.logger.Info().Uint32("uid", u.UID).Str("nickname", u.Nickname).Msg("user offline")
	for _, id := range left {
		g.bus.Emit(ctx, events.Event{
			Type:   events.EventMembershipChanged,
			Source: "registry",
			Payload: events.MembershipPayload{
				RoomID:   id,
				UID:      u.UID,
				Nickname: u.Nickname,
				Joined:   false,
				At:       time.Now(),
			},
		})
	}
	for _, room := range deleted {
		g.emitRoomDeleted(ctx, room)
	}
	g.bus.Emit(ctx, events.Event{
		Type:    events.EventUserDisconnected,
		Source:  "registry",
		Payload: events.UserPayload{UID: u.UID, Nickname: u.Nickname},
	})
}

// UserByUID returns the online user with the given uid.
func (g *Registry) UserByUID(uid uint32) (*User, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	u, ok := g.users[uid]
	return u, ok
}

// UserByNickname returns the online user with the given nickname,
// matched case-insensitively.
func (g *Registry) UserByNickname(nickname string) (*User, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	u, ok := g.byNick[strings.ToLower(nickname)]
	return u, ok
}

// Users returns a snapshot of all online users sorted by uid.
func (g *Registry) Users() []*User {
	g.mu.RLock()
	out := make([]*User, 0, len(g.users))
	for _, u := range g.users {
		out = append(out, u)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// BuddyWatchers returns the online users that have uid on their buddy
// list. Presence changes are broadcast only to these users.
func (g *Registry) BuddyWatchers(uid uint32) []*User {
	var out []*User
	for _, u := range g.Users() {
		if u.UID != uid && u.HasBuddy(uid) {
			out = append(out, u)
		}
	}
	return out
}

// ---- Rooms ----

// NextRoomID allocates an id for a runtime-created room.
func (g *Registry) NextRoomID() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextRoomID
	g.nextRoomID++
	return id
}

// AddRoom registers a room. Seeded permanent rooms are added at startup
// with Permanent set; rooms created by clients are ephemeral.
func (g *Registry) AddRoom(ctx context.Context, room *Room) error {
	g.mu.Lock()
	if _, ok := g.rooms[room.ID]; ok {
		g.mu.Unlock()
		return ErrRoomExists
	}
	if room.members == nil {
		room.members = make(map[uint32]*Member)
	}
	g.rooms[room.ID] = room
	g.mu.Unlock()

	g.logger.Info().
		Int32("room", room.ID).
		Str("name", room.Name).
		Bool("permanent", room.Permanent).
		Msg("room added")
	g.bus.Emit(ctx, events.Event{
		Type:   events.EventRoomCreated,
		Source: "registry",
		Payload: events.RoomPayload{
			RoomID:   room.ID,
			Name:     room.Name,
			Category: room.Category,
		},
	})
	return nil
}

// RemoveRoom deletes a room by explicit (admin) action regardless of
// occupancy, detaching any remaining members.
func (g *Registry) RemoveRoom(ctx context.Context, roomID int32) error {
	g.mu.Lock()
	room, ok := g.rooms[roomID]
	if !ok {
		g.mu.Unlock()
		return ErrRoomNotFound
	}
	for uid := range room.members {
		if u, online := g.users[uid]; online {
			u.removeRoom(roomID)
		}
	}
	delete(g.rooms, roomID)
	g.mu.Unlock()

	g.emitRoomDeleted(ctx, room)
	return nil
}

// RoomByID returns a room by id.
func (g *Registry) RoomByID(roomID int32) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room, ok := g.rooms[roomID]
	return room, ok
}

// RoomExists reports whether a room id is registered. The voice relay
// consults only this.
func (g *Registry) RoomExists(roomID int32) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.rooms[roomID]
	return ok
}

// Rooms returns a snapshot of all rooms sorted by id.
func (g *Registry) Rooms() []*Room {
	g.mu.RLock()
	out := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		out = append(out, room)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RoomsByCategory returns the rooms in one category sorted by id.
func (g *Registry) RoomsByCategory(category int32) []*Room {
	all := g.Rooms()
	out := make([]*Room, 0, len(all))
	for _, room := range all {
		if room.Category == category {
			out = append(out, room)
		}
	}
	return out
}

// ---- Membership ----

// JoinRoom adds a user to a room's membership map. The caller is
// responsible for password and permission checks.
func (g *Registry) JoinRoom(ctx context.Context, roomID int32, u *User, admin, visible bool) error {
	g.mu.Lock()
	room, ok := g.rooms[roomID]
	if !ok {
		g.mu.Unlock()
		return ErrRoomNotFound
	}
	room.members[u.UID] = &Member{
		UID:      u.UID,
		Nickname: u.Nickname,
		Admin:    admin,
		Visible:  visible,
		MicOn:    false,
		JoinedAt: time.Now(),
	}
	u.addRoom(roomID)
	g.mu.Unlock()

	g.bus.Emit(ctx, events.Event{
		Type:   events.EventMembershipChanged,
		Source: "registry",
		Payload: events.MembershipPayload{
			RoomID:   roomID,
			UID:      u.UID,
			Nickname: u.Nickname,
			Joined:   true,
			At:       time.Now(),
		},
	})
	return nil
}

// LeaveRoom removes a user from a room. A non-permanent room left empty
// is deleted immediately; the returned flag reports that deletion.
func (g *Registry) LeaveRoom(ctx context.Context, roomID int32, uid uint32) (roomDeleted bool, err error) {
	g.mu.Lock()
	room, ok := g.rooms[roomID]
	if !ok {
		g.mu.Unlock()
		return false, ErrRoomNotFound
	}
	if _, member := room.members[uid]; !member {
		g.mu.Unlock()
		return false, ErrNotMember
	}
	delete(room.members, uid)
	nickname := ""
	if u, online := g.users[uid]; online {
		u.removeRoom(roomID)
		nickname = u.Nickname
	}
	if !room.Permanent && len(room.members) == 0 {
		delete(g.rooms, roomID)
		roomDeleted = true
	}
	g.mu.Unlock()

	g.bus.Emit(ctx, events.Event{
		Type:   events.EventMembershipChanged,
		Source: "registry",
		Payload: events.MembershipPayload{
			RoomID:   roomID,
			UID:      uid,
			Nickname: nickname,
			Joined:   false,
			At:       time.Now(),
		},
	})
	if roomDeleted {
		g.emitRoomDeleted(ctx, room)
	}
	return roomDeleted, nil
}

// SetMemberMic flips a member's mic state, returning false if the user
// is not in the room.
func (g *Registry) SetMemberMic(roomID int32, uid uint32, on bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[roomID]
	if !ok {
		return false
	}
	m, ok := room.members[uid]
	if !ok {
		return false
	}
	m.MicOn = on
	return true
}

// Members returns snapshots of a room's occupants paired with their live
// users, sorted by join time. Offline stragglers are skipped.
func (g *Registry) Members(roomID int32) []MemberSnapshot {
	g.mu.RLock()
	room, ok := g.rooms[roomID]
	if !ok {
		g.mu.RUnlock()
		return nil
	}
	out := make([]MemberSnapshot, 0, len(room.members))
	for uid, m := range room.members {
		if u, online := g.users[uid]; online {
			out = append(out, MemberSnapshot{User: u, Member: *m})
		}
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Member.JoinedAt.Before(out[j].Member.JoinedAt)
	})
	return out
}

// MemberCount returns the number of occupants in a room.
func (g *Registry) MemberCount(roomID int32) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room, ok := g.rooms[roomID]
	if !ok {
		return 0
	}
	return len(room.members)
}

// ---- Stats ----

// Stats returns an aggregate snapshot for the status API and console.
func (g *Registry) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{
		Users:         len(g.users),
		Rooms:         len(g.rooms),
		PeakUsers:     g.peakUsers,
		TotalConnects: g.totalConnects,
		StartedAt:     g.startedAt,
		Uptime:        time.Since(g.startedAt).Round(time.Second).String(),
	}
}

func (g *Registry) emitRoomDeleted(ctx context.Context, room *Room) {
	g.logger.Info().Int32("room", room.ID).Str("name", room.Name).Msg("room deleted")
	g.bus.Emit(ctx, events.Event{
		Type:   events.EventRoomDeleted,
		Source: "registry",
		Payload: events.RoomPayload{
			RoomID:   room.ID,
			Name:     room.Name,
			Category: room.Category,
		},
	})
}
