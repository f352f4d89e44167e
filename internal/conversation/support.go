package conversation

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"VPN-Panel-bot/internal/common"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/state"
)

var ticketStatusLabels = map[string]string{
	db.TicketOpen:     "🟢 открыт",
	db.TicketAnswered: "💬 есть ответ",
	db.TicketClosed:   "⚪️ закрыт",
}

func (m *Machine) showSupport(ctx context.Context, s *session) error {
	tickets, err := db.UserTickets(ctx, m.db, s.user.ID, 4)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("💬 Поддержка\n")
	var rows [][]Choice
	if len(tickets) == 0 {
		b.WriteString("\nУ вас пока нет обращений.")
	}
	for _, t := range tickets {
		fmt.Fprintf(&b, "\n#%d %s · %s", t.ID, t.Subject, ticketStatusLabels[t.Status])
		if t.Status == db.TicketClosed {
			continue
		}
		rows = append(rows, []Choice{
			{Label: fmt.Sprintf("✉️ Ответить #%d", t.ID), Action: fmt.Sprintf("reply_ticket_%d", t.ID)},
			{Label: fmt.Sprintf("✖️ Закрыть #%d", t.ID), Action: fmt.Sprintf("close_ticket_%d", t.ID)},
		})
	}
	rows = append(rows, []Choice{{Label: "📝 Новое обращение", Action: "/support_new"}})
	s.show(b.String(), rows...)
	return nil
}

func (m *Machine) promptNewTicket(ctx context.Context, s *session) error {
	if err := m.setState(ctx, s, state.AwaitingNewTicketSubject{}); err != nil {
		return err
	}
	s.show("📝 Кратко опишите тему обращения:", cancelRow)
	return nil
}

func (m *Machine) enterTicketSubject(ctx context.Context, s *session, text string) error {
	if utf8.RuneCountInString(text) < 3 {
		s.send("❌ Тема слишком короткая. Опишите её хотя бы парой слов.", cancelRow)
		return nil
	}
	if err := m.setState(ctx, s, state.AwaitingNewTicketMessage{Subject: text}); err != nil {
		return err
	}
	s.send("✍️ Теперь опишите проблему подробно. Можно приложить скриншот.", cancelRow)
	return nil
}

func (m *Machine) enterTicketMessage(ctx context.Context, s *session, tok state.AwaitingNewTicketMessage, text, fileID string) error {
	if text == "" && fileID == "" {
		s.send("❌ Сообщение пустое. Опишите проблему текстом.", cancelRow)
		return nil
	}
	if err := m.clearState(ctx, s); err != nil {
		return err
	}
	ticket, err := db.CreateTicket(ctx, m.db, s.user.ID, tok.Subject, text, fileID)
	if err != nil {
		return err
	}
	s.menu(fmt.Sprintf("✅ Обращение #%d создано. Мы ответим в ближайшее время.", ticket.ID))
	m.notifyAdmin(s, fileID, fmt.Sprintf("🆘 Новое обращение #%d\n\nОт: %s (tg %d)\nТема: %s\n\n%s",
		ticket.ID, s.user.FirstName, s.user.TelegramID, ticket.Subject, text))
	return nil
}

func (m *Machine) promptTicketReply(ctx context.Context, s *session, ticketID uint) error {
	ticket, err := db.FindUserTicket(ctx, m.db, s.user.ID, ticketID)
	if err != nil {
		return err
	}
	if ticket == nil {
		return common.ErrTicketNotFound
	}
	if err := m.setState(ctx, s, state.AwaitingTicketReply{TicketID: ticket.ID}); err != nil {
		return err
	}
	s.show(fmt.Sprintf("✉️ Ответ в обращение #%d\n\nНапишите сообщение:", ticket.ID), cancelRow)
	return nil
}

func (m *Machine) enterTicketReply(ctx context.Context, s *session, tok state.AwaitingTicketReply, text, fileID string) error {
	if text == "" && fileID == "" {
		s.send("❌ Сообщение пустое.", cancelRow)
		return nil
	}
	if err := m.clearState(ctx, s); err != nil {
		return err
	}
	ticket, err := db.FindUserTicket(ctx, m.db, s.user.ID, tok.TicketID)
	if err != nil {
		return err
	}
	if ticket == nil {
		return common.ErrTicketNotFound
	}
	if err := db.AddReply(ctx, m.db, ticket, &s.user.ID, text, fileID); err != nil {
		return err
	}
	s.menu(fmt.Sprintf("✅ Сообщение добавлено в обращение #%d.", ticket.ID))
	m.notifyAdmin(s, fileID, fmt.Sprintf("💬 Ответ пользователя в #%d\n\nОт: %s (tg %d)\n\n%s",
		ticket.ID, s.user.FirstName, s.user.TelegramID, text))
	return nil
}

func (m *Machine) closeTicket(ctx context.Context, s *session, ticketID uint) error {
	ticket, err := db.FindUserTicket(ctx, m.db, s.user.ID, ticketID)
	if err != nil {
		return err
	}
	if ticket == nil {
		return common.ErrTicketNotFound
	}
	if err := db.CloseTicket(ctx, m.db, ticket.ID); err != nil {
		return err
	}
	s.send(fmt.Sprintf("✅ Обращение #%d закрыто.", ticket.ID))
	return m.showSupport(ctx, s)
}

func (m *Machine) notifyAdmin(s *session, fileID, text string) {
	if m.opts.AdminID == 0 {
		return
	}
	s.notify(m.opts.AdminID, Prompt{Text: text, PhotoFileID: fileID})
}
