package models

import "errors"

// Reason codes carried on outbound *:error events. Machine-readable; the
// accompanying Reason string is safe for direct display.
type ReasonCode string

const (
	CodeAuthenticationRequired ReasonCode = "AuthenticationRequired"
	CodeDuplicateConnection    ReasonCode = "DuplicateConnection"
	CodeRoomNotFound           ReasonCode = "RoomNotFound"
	CodeNotAMember             ReasonCode = "NotAMember"
	CodeNotAuthorized          ReasonCode = "NotAuthorized"
	CodeInvalidContent         ReasonCode = "InvalidContent"
	CodeInvalidReaction        ReasonCode = "InvalidReaction"
	CodeContentBlocked         ReasonCode = "ContentBlocked"
	CodeRateLimited            ReasonCode = "RateLimited"
	// Internal only: converted to fail-open behavior or a generic error
	// before anything reaches a client.
	CodeCollaboratorUnavailable ReasonCode = "CollaboratorUnavailable"
)

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrDuplicateConnection    = errors.New("connection id already registered")
	ErrNoActiveConnections    = errors.New("no active connections")
	ErrRoomNotFound           = errors.New("room not found")
	ErrNotAMember             = errors.New("not a member of this room")
	ErrNotAuthorized          = errors.New("not authorized")
	ErrInvalidContent         = errors.New("invalid content")
	ErrInvalidReaction        = errors.New("invalid reaction")
	ErrRateLimited            = errors.New("rate limited")
	ErrMessageNotFound        = errors.New("message not found")
)

// BlockedError carries the policy collaborator's human-readable reason.
// It is surfaced to the sender only, never broadcast.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	if e.Reason == "" {
		return "content blocked"
	}
	return "content blocked: " + e.Reason
}

// CodeFor maps an operation error to the reason code reported to the
// originating connection.
func CodeFor(err error) ReasonCode {
	var blocked *BlockedError
	switch {
	case errors.As(err, &blocked):
		return CodeContentBlocked
	case errors.Is(err, ErrAuthenticationRequired):
		return CodeAuthenticationRequired
	case errors.Is(err, ErrDuplicateConnection):
		return CodeDuplicateConnection
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrMessageNotFound):
		return CodeRoomNotFound
	case errors.Is(err, ErrNotAMember):
		return CodeNotAMember
	case errors.Is(err, ErrNotAuthorized):
		return CodeNotAuthorized
	case errors.Is(err, ErrInvalidContent):
		return CodeInvalidContent
	case errors.Is(err, ErrInvalidReaction):
		return CodeInvalidReaction
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeCollaboratorUnavailable
	}
}
