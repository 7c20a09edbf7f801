package models

import "time"

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Identity is the already-verified principal behind a connection.
// The coordinator never sees raw credentials, only this.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

func (i Identity) Privileged() bool {
	return i.Role == RoleAdmin
}

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// Presence is the externally visible part of a user presence record.
type Presence struct {
	UserID   string `json:"userId"`
	Status   Status `json:"status"`
	LastSeen int64  `json:"lastSeen"` // Unix timestamp (seconds)
}

// Room is a named group whose member set scopes message and typing fan-out.
// Membership survives disconnects; a member can be offline.
type Room struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Members   []string `json:"members,omitempty"`
	CreatedBy string   `json:"createdBy,omitempty"`
	CreatedAt int64    `json:"createdAt"`
	Default   bool     `json:"default,omitempty"`
	Direct    bool     `json:"direct,omitempty"`
}

type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindFile   MessageKind = "file"
	MessageKindSystem MessageKind = "system"
)

// AnnotationUnscreened marks a message that went out without a policy
// verdict because the screener was unavailable.
const AnnotationUnscreened = "unscreened"

// FileMeta describes the payload of a file-kind message. Head carries the
// first bytes of the file so the relay can sniff the real type instead of
// trusting the declared MIME.
type FileMeta struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	FileID   string `json:"fileId,omitempty"`
	Head     []byte `json:"head,omitempty"`
}

// Message identity (ID, RoomID, AuthorID) is immutable once the relay has
// committed it. Body and Reactions change only through explicit operations;
// delete tombstones instead of removing.
type Message struct {
	ID         string              `json:"id"`
	Seq        int64               `json:"seq"`
	RoomID     string              `json:"roomId"`
	AuthorID   string              `json:"authorId"`
	Kind       MessageKind         `json:"kind"`
	Body       string              `json:"body"`
	HTML       string              `json:"html,omitempty"`
	File       *FileMeta           `json:"file,omitempty"`
	ReplyTo    string              `json:"replyTo,omitempty"`
	CreatedAt  int64               `json:"createdAt"` // Unix nanoseconds
	Edited     bool                `json:"edited,omitempty"`
	Deleted    bool                `json:"deleted,omitempty"`
	Reactions  map[string][]string `json:"reactions,omitempty"` // reaction -> reacting user ids
	Annotation string              `json:"annotation,omitempty"`
}

// Clone returns a copy deep enough for per-recipient mutation (annotation
// stripping) without racing the relay's live index.
func (m *Message) Clone() Message {
	out := *m
	if m.File != nil {
		f := *m.File
		out.File = &f
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			out.Reactions[k] = append([]string(nil), v...)
		}
	}
	return out
}

// DeviceMeta is the per-device information supplied at registration time.
type DeviceMeta struct {
	DeviceID  string `json:"deviceId"`
	UserAgent string `json:"userAgent,omitempty"`
}

// TypingEntry is one live (room, user) typing indicator.
type TypingEntry struct {
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	StartedAt time.Time `json:"startedAt"`
}
