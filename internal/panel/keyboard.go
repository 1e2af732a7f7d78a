package panel

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"groupwarden/internal/callback"
	"groupwarden/internal/telegram"
)

// Button labels.
const (
	labelComplain = "⚠️"
	labelHide     = "🗑"
	labelShare    = "↗️"
	labelContact  = "✉️"
	labelForward  = "Forward"
	labelOpenChat = "Open chat"
)

// invisibleText is the body of a reply-mode panel message: a left-to-right
// mark, so only the keyboard is visible.
const invisibleText = "\u200e"

// keyboard builds the four-action panel for the visible message. complaints
// is rendered next to the complain button once non-zero.
func keyboard(messageID int64, complaints, quorum int) *telegram.InlineKeyboardMarkup {
	complain := labelComplain
	if complaints > 0 {
		complain = fmt.Sprintf("%s %d/%d", labelComplain, complaints, quorum)
	}
	return &telegram.InlineKeyboardMarkup{
		InlineKeyboard: [][]telegram.InlineKeyboardButton{{
			{Text: complain, CallbackData: callback.Encode(callback.KindComplain, messageID)},
			{Text: labelHide, CallbackData: callback.Encode(callback.KindHide, messageID)},
			{Text: labelShare, CallbackData: callback.Encode(callback.KindShare, messageID)},
			{Text: labelContact, CallbackData: callback.Encode(callback.KindContact, messageID)},
		}},
	}
}

// MessageLink returns the public link to a message in a supergroup.
func MessageLink(groupID, messageID int64) string {
	internal := strings.TrimPrefix(strconv.FormatInt(groupID, 10), "-100")
	return fmt.Sprintf("https://t.me/c/%s/%d", internal, messageID)
}

// forwardURL opens Telegram's share sheet for link.
func forwardURL(link string) string {
	return "tg://msg_url?url=" + url.QueryEscape(link)
}

// AuthorLink returns a link that opens a private chat with the author.
func AuthorLink(a Author) string {
	if a.Username != "" {
		return "https://t.me/" + a.Username
	}
	return "tg://user?id=" + strconv.FormatInt(a.UserID, 10)
}

func urlButton(text, link string) *telegram.InlineKeyboardMarkup {
	return &telegram.InlineKeyboardMarkup{
		InlineKeyboard: [][]telegram.InlineKeyboardButton{{{Text: text, URL: link}}},
	}
}
