package panel

import "errors"

var (
	// ErrNotFound is returned for actions on a message that is not cached,
	// either because it was never seen or because it was evicted.
	ErrNotFound = errors.New("panel: message not found")

	// ErrTransport marks a rejected or timed-out Bot API call.
	ErrTransport = errors.New("panel: transport call failed")

	// ErrPrivateChatUnavailable is returned when the requester has not
	// started a private chat with the bot, so links cannot be delivered.
	ErrPrivateChatUnavailable = errors.New("panel: requester has no private chat with the bot")

	// ErrPanelIsContent is returned when hiding a panel would delete the
	// message it moderates, as with reposted messages.
	ErrPanelIsContent = errors.New("panel: panel carries the message itself")

	// ErrDisabled is returned by AttachPanel while panels are switched off.
	ErrDisabled = errors.New("panel: panels are disabled")
)
