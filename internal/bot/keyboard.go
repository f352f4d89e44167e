package bot

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"VPN-Panel-bot/internal/conversation"
)

// ReplyKeyboard: постоянное меню; админ дополнительно видит свои команды
func ReplyKeyboard(isAdmin bool) tgbotapi.ReplyKeyboardMarkup {
	var rows [][]tgbotapi.KeyboardButton
	for _, labels := range conversation.MainMenu() {
		var row []tgbotapi.KeyboardButton
		for _, l := range labels {
			row = append(row, tgbotapi.NewKeyboardButton(l))
		}
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(row...))
	}
	if isAdmin {
		rows = append(rows,
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton("/admin_stats"),
				tgbotapi.NewKeyboardButton("/admin_servers"),
				tgbotapi.NewKeyboardButton("/admin_pending"),
			),
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton("/admin_export"),
				tgbotapi.NewKeyboardButton("/admin_backup"),
			),
		)
	}
	kb := tgbotapi.NewReplyKeyboard(rows...)
	kb.ResizeKeyboard = true
	return kb
}

// inlineMarkup: nil, если кнопок нет
func inlineMarkup(choices [][]conversation.Choice) *tgbotapi.InlineKeyboardMarkup {
	if len(choices) == 0 {
		return nil
	}
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, line := range choices {
		var row []tgbotapi.InlineKeyboardButton
		for _, c := range line {
			if c.URL != "" {
				row = append(row, tgbotapi.NewInlineKeyboardButtonURL(c.Label, c.URL))
				continue
			}
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(c.Label, c.Action))
		}
		if len(row) > 0 {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(row...))
		}
	}
	if len(rows) == 0 {
		return nil
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}
