package models

// Event types exchanged with clients. JSON on the wire; the transport is
// otherwise agnostic about which channel delivered the event.

type ClientEventType string

const (
	ClientAuthenticate  ClientEventType = "authenticate"
	ClientRoomJoin      ClientEventType = "room:join"
	ClientRoomLeave     ClientEventType = "room:leave"
	ClientRoomCreate    ClientEventType = "room:create"
	ClientMessageSend   ClientEventType = "message:send"
	ClientMessageEdit   ClientEventType = "message:edit"
	ClientMessageDelete ClientEventType = "message:delete"
	ClientMessageReact  ClientEventType = "message:react"
	ClientTypingStart   ClientEventType = "typing:start"
	ClientTypingStop    ClientEventType = "typing:stop"
	ClientStatusUpdate  ClientEventType = "status:update"
)

// ClientEvent is the single inbound envelope. Only the fields relevant to
// the Type are populated.
type ClientEvent struct {
	Type      ClientEventType `json:"type"`
	Token     string          `json:"token,omitempty"`
	DeviceID  string          `json:"deviceId,omitempty"`
	RoomID    string          `json:"roomId,omitempty"`
	RoomName  string          `json:"roomName,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Body      string          `json:"body,omitempty"`
	Kind      MessageKind     `json:"kind,omitempty"`
	File      *FileMeta       `json:"file,omitempty"`
	ReplyTo   string          `json:"replyTo,omitempty"`
	Reaction  string          `json:"reaction,omitempty"`
	Status    Status          `json:"status,omitempty"`
	At        int64           `json:"at,omitempty"` // client clock, Unix milliseconds
}

type ServerEventType string

const (
	ServerWelcome         ServerEventType = "system:welcome"
	ServerRoomHistory     ServerEventType = "room:history"
	ServerRoomUserJoined  ServerEventType = "room:user-joined"
	ServerRoomUserLeft    ServerEventType = "room:user-left"
	ServerMessageNew      ServerEventType = "message:new"
	ServerMessageSent     ServerEventType = "message:sent"
	ServerMessageEdited   ServerEventType = "message:edited"
	ServerMessageDeleted  ServerEventType = "message:deleted"
	ServerMessageReaction ServerEventType = "message:reaction"
	ServerTypingStart     ServerEventType = "typing:start"
	ServerTypingStop      ServerEventType = "typing:stop"
	ServerPresenceUpdate  ServerEventType = "presence:update"
	ServerMessagesQueued  ServerEventType = "messages:queued"
)

// ErrorEventType builds the per-operation error type, e.g.
// "message:send" -> "message:send:error".
func ErrorEventType(op ClientEventType) ServerEventType {
	return ServerEventType(string(op) + ":error")
}

// ServerEvent is the single outbound envelope.
type ServerEvent struct {
	Type     ServerEventType `json:"type"`
	RoomID   string          `json:"roomId,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	Self     *Identity       `json:"self,omitempty"`
	Presence *Presence       `json:"presence,omitempty"`
	Roster   []Presence      `json:"roster,omitempty"`
	Rooms    []Room          `json:"rooms,omitempty"`
	Members  []string        `json:"members,omitempty"`
	Message  *Message        `json:"message,omitempty"`
	Messages []Message       `json:"messages,omitempty"`
	Queued   []ServerEvent   `json:"queued,omitempty"`
	Code     ReasonCode      `json:"code,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	At       int64           `json:"at,omitempty"` // server clock, Unix milliseconds
}

// ErrorEvent builds the point-to-point rejection for op from err.
func ErrorEvent(op ClientEventType, err error, at int64) ServerEvent {
	return ServerEvent{
		Type:   ErrorEventType(op),
		Code:   CodeFor(err),
		Reason: err.Error(),
		At:     at,
	}
}
