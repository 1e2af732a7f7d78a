package moderation

import "errors"

var (
	// ErrNotTargetGroup is returned for events outside the moderated group.
	// Callers drop these silently.
	ErrNotTargetGroup = errors.New("moderation: event is not from the moderated group")

	// ErrTransport marks a rejected or timed-out restrict/unrestrict call.
	// The local belief is left unchanged; reconciliation or the next counted
	// message corrects it.
	ErrTransport = errors.New("moderation: transport call failed")

	// ErrPersistence marks a failed store read or write. No state change may
	// be assumed by the caller.
	ErrPersistence = errors.New("moderation: persistence failed")

	// ErrNotFound is returned when adjusting a user with no record.
	ErrNotFound = errors.New("moderation: user record not found")
)
