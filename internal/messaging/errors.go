// internal/messaging/errors.go

package messaging

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the service wraps exactly one of these.
var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUpstreamFailure = errors.New("upstream failure")
)

var (
	ErrConversationNotFound = fmt.Errorf("conversation %w", ErrNotFound)
	ErrMessageNotFound      = fmt.Errorf("message %w", ErrNotFound)
	ErrParticipantNotFound  = fmt.Errorf("participant %w", ErrNotFound)
	ErrNotParticipant       = fmt.Errorf("%w: not a participant in this conversation", ErrForbidden)
	ErrNotOwner             = fmt.Errorf("%w: only the sender may do this", ErrForbidden)
	ErrNotCreator           = fmt.Errorf("%w: only the creator may do this", ErrForbidden)
	ErrPermissionDenied     = fmt.Errorf("%w: missing permission", ErrForbidden)
	ErrSendNotAllowed       = fmt.Errorf("%w: sending is not allowed in this conversation", ErrForbidden)
	ErrUploadNotFound       = fmt.Errorf("upload %w", ErrNotFound)
	ErrUploadNotOwned       = fmt.Errorf("%w: media was uploaded by another user", ErrForbidden)

	// ErrDuplicatePair is returned by repositories when a private conversation
	// for the same unordered pair already exists.
	ErrDuplicatePair = errors.New("private conversation already exists")
)

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func upstreamFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUpstreamFailure, op, err)
}
