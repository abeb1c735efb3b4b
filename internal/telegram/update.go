package telegram

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/signalnine/vtbot/internal/protocol"
)

// ToUpdate converts a Telegram update into the bot's own update. Updates
// the bot does not act on (stickers, photos, edits) report false.
func ToUpdate(upd tgbotapi.Update) (protocol.Update, bool) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		return protocol.Update{}, false
	}

	u := protocol.Update{
		ChatID: msg.Chat.ID,
		Sender: senderOf(upd),
	}

	switch {
	case msg.IsCommand():
		// Unknown commands get the help text
		u.Action = protocol.ActionHelp
		if msg.Command() == "start" {
			u.Action = protocol.ActionStart
		}
	case msg.Document != nil:
		u.Action = protocol.ActionFile
		u.File = &protocol.FileHandle{
			ID:       msg.Document.FileID,
			Name:     msg.Document.FileName,
			SizeHint: int64(msg.Document.FileSize),
		}
	case msg.Text != "":
		u.Action = protocol.ActionText
		u.Text = msg.Text
	default:
		return protocol.Update{}, false
	}
	return u, true
}

// senderOf identifies who sent an update. Messages without a From user
// (channel posts, callback replies) fall back to the chat.
func senderOf(upd tgbotapi.Update) protocol.Sender {
	if msg := upd.Message; msg != nil && msg.From != nil {
		return protocol.Sender{
			Username:     msg.From.UserName,
			ID:           msg.From.ID,
			LanguageCode: msg.From.LanguageCode,
		}
	}

	var chat *tgbotapi.Chat
	switch {
	case upd.Message != nil:
		chat = upd.Message.Chat
	case upd.CallbackQuery != nil && upd.CallbackQuery.Message != nil:
		chat = upd.CallbackQuery.Message.Chat
	}
	if chat == nil {
		return protocol.Sender{}
	}
	return protocol.Sender{Username: chat.UserName, ID: chat.ID}
}
