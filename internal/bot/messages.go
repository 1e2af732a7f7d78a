package bot

import (
	"fmt"
	"strings"

	"groupwarden/internal/relay"
)

// User-facing texts.
const (
	msgChooseTopic       = "Choose a topic:"
	msgNoTopics          = "No topics are configured yet. An admin can add them with /setup ID:Name,ID:Name"
	msgUseStart          = "Use /start to choose a topic first."
	msgRelayed           = "✓"
	msgRelayFailed       = "Could not send your message. Please try again later."
	msgThreadNotFound    = "That topic no longer exists. Use /start to pick another one."
	msgChatNotFound      = "The group could not be reached. Ask an admin to check GROUP_ID."
	msgSetupUsage        = "Invalid format. Use: /setup ID:Name,ID:Name"
	msgGroupOnly         = "This command only works in the moderated group."
	msgAdminsOnly        = "Only administrators can do that."
	msgReduceUsage       = "Usage: /reduce <userId> [n]"
	msgModerationUsage   = "Usage: /moderation on|off"
	msgPanelOn           = "Moderation panel enabled."
	msgPanelOff          = "Moderation panel disabled."
	msgTopicGone         = "This topic is no longer available."
	msgSelectionFailed   = "Could not save your topic. Please try again."
	msgAlreadyComplained = "You have already complained about this message."
	msgDeletedByQuorum   = "The message was deleted after enough complaints."
	msgDeleteFailed      = "Could not delete the message."
	msgPanelHidden       = "Panel hidden."
	msgHideFailed        = "Could not hide the panel."
	msgHideRefused       = "This message can only be removed by complaints."
	msgSentPrivately     = "Sent to your private messages."
	msgStartPrivateChat  = "Start a private chat with the bot first."
	msgUnavailable       = "This message is no longer available."
	msgActionFailed      = "Something went wrong. Please try again."
	msgUnknownAction     = "Unknown action."
)

func msgTopicSelected(name string) string {
	return "Topic: " + name + "\nYour messages will now be sent to this topic."
}

func msgComplaintAccepted(count, quorum int) string {
	return fmt.Sprintf("Complaint accepted (%d/%d).", count, quorum)
}

func msgChatID(chatID int64) string {
	return fmt.Sprintf("Chat ID: %d", chatID)
}

func msgTopicsConfigured(topics []relay.Topic) string {
	var b strings.Builder
	b.WriteString("Topics configured:")
	for _, t := range topics {
		fmt.Fprintf(&b, "\n%d: %s", t.ID, t.Name)
	}
	return b.String()
}

func msgReduceFailed(userID int64, reason string) string {
	return fmt.Sprintf("Could not adjust user %d: %s", userID, reason)
}
