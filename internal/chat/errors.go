package chat

import "errors"

var (
	// ErrAccessDenied: the caller is not a participant of the chat, or not
	// the sender of the message being deleted. Surfaced to users as a
	// generic failure, never with detail.
	ErrAccessDenied = errors.New("access denied")

	// ErrRoleBlocked: the tutor-initiation rule. A tutor may not send the
	// first message of a chat; the non-tutor participant must open it.
	ErrRoleBlocked = errors.New("tutor may not open the conversation")
)

// ValidationError describes rejected message content. Recoverable; the
// reason is safe to surface inline next to the input.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

func validationErr(reason string) error { return &ValidationError{Reason: reason} }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
