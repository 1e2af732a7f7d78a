package telegram

import (
	"errors"
	"fmt"
	"strings"
)

// APIError is a structured error response from the Bot API.
// Callers can use errors.As to extract it:
//
//	var apiErr *APIError
//	if errors.As(err, &apiErr) && apiErr.Code == 403 { ... }
type APIError struct {
	// Method is the Bot API method that failed, e.g. "sendMessage".
	Method string
	// Code mirrors the HTTP-like error_code field (400, 403, 429, ...).
	Code int
	// Description is the human-readable reason reported by Telegram.
	Description string
	// RetryAfter is set on 429 responses, in seconds.
	RetryAfter int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s failed (%d): %s", e.Method, e.Code, e.Description)
}

// Descriptions Telegram returns for conditions callers react to.
const (
	descThreadNotFound = "message thread not found"
	descChatNotFound   = "chat not found"
	descMessageToEdit  = "message to edit not found"
	descNotModified    = "message is not modified"
)

func apiErrorMatches(err error, match func(*APIError) bool) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return match(apiErr)
	}
	return false
}

func descriptionContains(err error, needle string) bool {
	return apiErrorMatches(err, func(e *APIError) bool {
		return strings.Contains(strings.ToLower(e.Description), needle)
	})
}

// IsThreadNotFound reports whether the topic thread referenced by a send does not exist.
func IsThreadNotFound(err error) bool {
	return descriptionContains(err, descThreadNotFound)
}

// IsChatNotFound reports whether the target chat is unknown or unreachable for the bot.
func IsChatNotFound(err error) bool {
	return descriptionContains(err, descChatNotFound)
}

// IsNotModified reports whether an edit was rejected because nothing changed.
func IsNotModified(err error) bool {
	return descriptionContains(err, descNotModified)
}

// IsMessageGone reports whether an edit or delete targeted a message that no longer exists.
func IsMessageGone(err error) bool {
	return descriptionContains(err, descMessageToEdit) || descriptionContains(err, "message to delete not found")
}

// IsForbidden reports whether the bot may not write to the target, typically
// because the user never started a private chat with it.
func IsForbidden(err error) bool {
	return apiErrorMatches(err, func(e *APIError) bool { return e.Code == 403 })
}

// IsRateLimited reports whether the request was rejected with 429.
func IsRateLimited(err error) bool {
	return apiErrorMatches(err, func(e *APIError) bool { return e.Code == 429 })
}
