package conversation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"VPN-Panel-bot/internal/common"
	"VPN-Panel-bot/internal/logger"
)

func (m *Machine) isAdmin(s *session) bool {
	return m.opts.AdminID != 0 && s.ev.UserKey == m.opts.AdminID
}

// approveReceipt: админ подтвердил чек; результат уходит и админу, и покупателю
func (m *Machine) approveReceipt(ctx context.Context, s *session, orderID uint) error {
	if !m.isAdmin(s) {
		s.alert("⛔️ Недостаточно прав.")
		return nil
	}
	pending, err := m.ledger.Order(ctx, orderID)
	if err != nil {
		return err
	}
	buyer := pending.User.TelegramID

	order, err := m.orch.ApproveReceipt(ctx, s.snap, orderID)
	switch {
	case errors.Is(err, common.ErrConcurrentCapture):
		s.alert(fmt.Sprintf("Заказ #%d уже подтверждён.", orderID))
		return nil
	case errors.Is(err, common.ErrRefundFailed), errors.Is(err, common.ErrProvisioningFailed):
		text, _ := userMessage(err, s.snap)
		s.notify(buyer, Prompt{Text: text, Choices: errorChoices(err)})
		s.send(fmt.Sprintf("⚠️ Заказ #%d: оплата принята, но выдача не удалась.\n%v", orderID, err))
		return nil
	case err != nil:
		if text, ok := userMessage(err, s.snap); ok {
			s.send(fmt.Sprintf("Заказ #%d: %s", orderID, text))
			return nil
		}
		return err
	}

	var userText string
	switch {
	case pending.IsDeposit():
		userText = fmt.Sprintf("✅ Оплата подтверждена. Кошелёк пополнен на %s.", formatMoney(order.Amount+order.DiscountAmount))
	case pending.IsRenewal():
		userText = renewedText(order)
	default:
		userText = purchasedText(order)
	}
	s.notify(buyer, Prompt{Text: userText, MainMenu: true})
	s.send(fmt.Sprintf("✅ Заказ #%d подтверждён (%s, %s).", orderID, orderKind(pending), formatMoney(pending.Amount)))
	logger.Info("receipt approved", zap.Uint("order_id", orderID), zap.Int64("admin", s.ev.UserKey))
	return nil
}

func (m *Machine) rejectReceipt(ctx context.Context, s *session, orderID uint) error {
	if !m.isAdmin(s) {
		s.alert("⛔️ Недостаточно прав.")
		return nil
	}
	order, err := m.orch.RejectReceipt(ctx, orderID)
	if err != nil {
		if text, ok := userMessage(err, s.snap); ok {
			s.send(fmt.Sprintf("Заказ #%d: %s", orderID, text))
			return nil
		}
		return err
	}
	s.notify(order.User.TelegramID, Prompt{
		Text:    fmt.Sprintf("❌ Оплата по заказу #%d не подтверждена. Если это ошибка, напишите в поддержку.", order.ID),
		Choices: [][]Choice{{{Label: "💬 Поддержка", Action: "/support_menu"}}},
	})
	s.send(fmt.Sprintf("❌ Заказ #%d отклонён.", orderID))
	return nil
}
