package store

import "errors"

// Kind classifies store failures for the session and HTTP layers.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
	KindInternal      Kind = "internal"
)

// Error is a structured store failure. Two errors match under errors.Is when
// their codes are equal, so wrapped copies still match the sentinels below.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrEmptyBody        = &Error{Kind: KindValidation, Code: "empty_body", Message: "message body is empty"}
	ErrBodyTooLong      = &Error{Kind: KindValidation, Code: "body_too_long", Message: "message body is too long"}
	ErrInvalidReply     = &Error{Kind: KindValidation, Code: "invalid_reply", Message: "reply target is not in this channel"}
	ErrInvalidKind      = &Error{Kind: KindValidation, Code: "invalid_kind", Message: "message kind is not allowed"}
	ErrInvalidEmoji     = &Error{Kind: KindValidation, Code: "invalid_emoji", Message: "emoji is not valid"}
	ErrInvalidChannel   = &Error{Kind: KindValidation, Code: "invalid_channel", Message: "channel definition is not valid"}
	ErrDirectMembership = &Error{Kind: KindValidation, Code: "direct_membership", Message: "direct channels have exactly two fixed members"}
	ErrChannelExists    = &Error{Kind: KindValidation, Code: "channel_exists", Message: "channel already exists"}
	ErrNotOwner         = &Error{Kind: KindAuthorization, Code: "not_owner", Message: "only the sender may change this message"}
	ErrNotMember        = &Error{Kind: KindAuthorization, Code: "not_member", Message: "not a channel member"}
	ErrUnknownChannel   = &Error{Kind: KindNotFound, Code: "unknown_channel", Message: "channel not found"}
	ErrNotFound         = &Error{Kind: KindNotFound, Code: "not_found", Message: "message not found"}
	ErrInternal         = &Error{Kind: KindInternal, Code: "internal", Message: "message not sent"}
	ErrTimeout          = &Error{Kind: KindInternal, Code: "timeout", Message: "request timed out"}
)

func lockTimeout(err error) error {
	return &Error{Kind: ErrTimeout.Kind, Code: ErrTimeout.Code, Message: ErrTimeout.Message, Err: err}
}

func internalError(err error) error {
	return &Error{Kind: KindInternal, Code: ErrInternal.Code, Message: ErrInternal.Message, Err: err}
}

// KindOf returns the kind of a store error; unknown errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the machine-readable code of a store error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternal.Code
}

// PublicMessage returns text safe to show a user. Internal detail is withheld.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ErrInternal.Message
}
