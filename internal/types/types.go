package types

import (
	"time"
)

// UserIdentity is the verified identity attached to a connection. It is
// issued by the external auth provider; the broker only references it.
type UserIdentity struct {
	Id     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// MessageEvent is a message that has already been persisted by the API
// layer. The broker delivers it, it never stores it.
type MessageEvent struct {
	Id        string    `json:"id"`
	RoomId    string    `json:"room_id"`
	SenderId  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Type      string    `json:"type,omitempty"`
	FileUrl   string    `json:"file_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeVideo = "video"
	MessageTypeFile  = "file"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// PresenceEvent announces a user's status change to members of a room.
type PresenceEvent struct {
	Id     string `json:"id,omitempty"`
	UserId string `json:"user_id"`
	Status string `json:"status"`
	RoomId string `json:"room_id,omitempty"`
}

// DeliveryReport summarizes one fanout call for a room.
type DeliveryReport struct {
	RoomId     string `json:"room_id"`
	Recipients int    `json:"recipients"`
	Queued     int    `json:"queued"`
	Dropped    int    `json:"dropped"`
}
