// Package events defines the pub/sub event bus and the notification
// types the registry publishes for subscribers such as the status API,
// the operator console and MQTT telemetry. The core does not require
// any subscriber to exist.
package events

import "time"

// EventType identifies a notification published through the Bus.
type EventType string

const (
	// Registry notifications
	EventUserConnected     EventType = "user_connected"
	EventUserDisconnected  EventType = "user_disconnected"
	EventRoomCreated       EventType = "room_created"
	EventRoomDeleted       EventType = "room_deleted"
	EventMembershipChanged EventType = "membership_changed"

	// System events
	EventAnnouncement EventType = "announcement"
	EventShutdown     EventType = "shutdown"
)

// Event is one notification instance.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// UserPayload accompanies user connect/disconnect notifications.
type UserPayload struct {
	UID      uint32 `json:"uid"`
	Nickname string `json:"nickname"`
	Remote   string `json:"remote,omitempty"`
}

// RoomPayload accompanies room create/delete notifications.
type RoomPayload struct {
	RoomID   int32  `json:"room_id"`
	Name     string `json:"name"`
	Category int32  `json:"category"`
}

// MembershipPayload accompanies membership-changed notifications.
type MembershipPayload struct {
	RoomID   int32     `json:"room_id"`
	UID      uint32    `json:"uid"`
	Nickname string    `json:"nickname"`
	Joined   bool      `json:"joined"`
	At       time.Time `json:"at"`
}

// AnnouncementPayload accompanies server-wide announcements.
type AnnouncementPayload struct {
	Text string `json:"text"`
	From string `json:"from"`
}
