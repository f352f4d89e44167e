package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"VPN-Panel-bot/internal/common"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/logger"
	"VPN-Panel-bot/internal/state"
)

func (m *Machine) showPlans(ctx context.Context, s *session) error {
	plans, err := db.ActivePlans(ctx, m.db)
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		s.show("⚠️ Сейчас нет доступных тарифов.", mainMenuRow)
		return nil
	}
	seen := map[int]bool{}
	var durations []int
	for _, p := range plans {
		if !seen[p.DurationDays] {
			seen[p.DurationDays] = true
			durations = append(durations, p.DurationDays)
		}
	}
	sort.Ints(durations)

	var rows [][]Choice
	for _, d := range durations {
		rows = append(rows, []Choice{{Label: durationLabel(d), Action: fmt.Sprintf("show_duration_%d", d)}})
	}
	rows = append(rows, mainMenuRow)
	s.show("🚀 Выбор тарифа\n\nВыберите срок подписки:", rows...)
	return nil
}

func (m *Machine) showPlansByDuration(ctx context.Context, s *session, days int) error {
	plans, err := db.ActivePlans(ctx, m.db)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📅 Тарифы: %s\n", strings.TrimPrefix(durationLabel(days), "🔸 "))
	var rows [][]Choice
	for _, p := range plans {
		if p.DurationDays != days {
			continue
		}
		fmt.Fprintf(&b, "\n💎 %s\n   📦 %d ГБ\n   💳 %s\n", p.Name, p.VolumeGB, formatMoney(p.Price))
		rows = append(rows, []Choice{{
			Label:  fmt.Sprintf("%s | %s", p.Name, formatMoney(p.Price)),
			Action: fmt.Sprintf("buy_plan_%d", p.ID),
		}})
	}
	back := []Choice{{Label: "⬅️ К выбору срока", Action: "/plans"}}
	if len(rows) == 0 {
		s.show("⚠️ Тарифов с таким сроком нет.", back)
		return nil
	}
	rows = append(rows, back)
	s.show(b.String(), rows...)
	return nil
}

// buyPlan: при настроенных локациях сначала выбор локации, иначе сразу имя
func (m *Machine) buyPlan(ctx context.Context, s *session, planID uint) error {
	plan, err := db.FindActivePlan(ctx, m.db, planID)
	if err != nil {
		return err
	}
	if plan == nil {
		return common.ErrPlanNotFound
	}
	multi, err := m.registry.HasActiveLocations(ctx)
	if err != nil {
		return err
	}
	if multi {
		return m.showLocations(ctx, s, planID)
	}
	return m.promptUsername(ctx, s, state.AwaitingUsername{PlanID: planID})
}

func (m *Machine) showLocations(ctx context.Context, s *session, planID uint) error {
	locations, err := m.registry.Locations(ctx)
	if err != nil {
		return err
	}
	var rows [][]Choice
	for _, l := range locations {
		full := l.Full()
		if full && s.snap.HideFullLocations {
			continue
		}
		flag := l.Location.Flag
		if flag == "" {
			flag = "🏳️"
		}
		label := flag + " " + l.Location.Name
		switch {
		case full:
			label += " (мест нет 🔒)"
		case s.snap.ShowCapacity:
			label += fmt.Sprintf(" (%d мест)", l.Remaining)
		}
		// заполненная локация тоже кликабельна: в ответ покажем сообщение о заполненности
		rows = append(rows, []Choice{{Label: label, Action: fmt.Sprintf("select_loc_%d_plan_%d", l.Location.ID, planID)}})
	}
	if len(rows) == 0 {
		s.send("❌ К сожалению, места на всех серверах закончились.")
		return nil
	}
	rows = append(rows, cancelRow)
	s.show("🌍 Выбор локации\n\nВыберите страну сервера:", rows...)
	return nil
}

func (m *Machine) selectLocation(ctx context.Context, s *session, locationID, planID uint) error {
	remaining, err := m.registry.RemainingCapacity(ctx, locationID)
	if err != nil {
		return err
	}
	if remaining <= 0 {
		s.alert(s.snap.FullLocationMessage)
		return nil
	}
	return m.promptUsername(ctx, s, state.AwaitingUsername{PlanID: planID, LocationID: locationID})
}

func (m *Machine) promptUsername(ctx context.Context, s *session, tok state.AwaitingUsername) error {
	if err := m.setState(ctx, s, tok); err != nil {
		return err
	}
	s.show("👤 Имя сервиса\n\nВведите имя для вашего сервиса латиницей.\n"+
		"🔹 Только латинские буквы и цифры, не меньше 3 символов.\n🔹 Например: myvpn1", cancelRow)
	return nil
}

// enterUsername проверяет имя; при ошибке состояние (вместе с локацией) не меняется
func (m *Machine) enterUsername(ctx context.Context, s *session, tok state.AwaitingUsername, text string) error {
	if err := m.orch.CheckUsername(ctx, text); err != nil {
		msg, ok := userMessage(err, s.snap)
		if !ok {
			return err
		}
		s.send(msg, cancelRow)
		return nil
	}
	if err := m.clearState(ctx, s); err != nil {
		return err
	}
	var loc *uint
	if tok.LocationID != 0 {
		loc = &tok.LocationID
	}
	order, err := m.orch.Purchase(ctx, s.user.ID, tok.PlanID, text, loc)
	if err != nil {
		return err
	}
	return m.showInvoice(ctx, s, order.ID)
}

// showInvoice: счёт по pending-заказу: покупка, продление или пополнение
func (m *Machine) showInvoice(ctx context.Context, s *session, orderID uint) error {
	order, err := m.ledger.UserOrder(ctx, s.user.ID, orderID)
	if err != nil {
		return err
	}
	if order.Status != db.OrderPending {
		return common.ErrOrderNotPending
	}

	var b strings.Builder
	switch {
	case order.IsDeposit():
		b.WriteString("💳 Пополнение кошелька\n\n")
	case order.IsRenewal():
		fmt.Fprintf(&b, "🔄 Продление сервиса %s\n\n▫️ Тариф: %s\n", order.PanelUsername, order.Plan.Name)
	default:
		fmt.Fprintf(&b, "🛒 Подтверждение покупки\n\n▫️ Тариф: %s\n▫️ Имя: %s\n", order.Plan.Name, order.PanelUsername)
	}
	if order.DiscountAmount > 0 {
		fmt.Fprintf(&b, "▫️ Цена: %s\n🎉 Со скидкой: %s\n💰 Выгода: %s\n",
			formatMoney(order.Amount+order.DiscountAmount), formatMoney(order.Amount), formatMoney(order.DiscountAmount))
	} else {
		fmt.Fprintf(&b, "▫️ Сумма: %s\n", formatMoney(order.Amount))
	}
	if !order.IsDeposit() {
		fmt.Fprintf(&b, "▫️ На кошельке: %s\n", formatMoney(order.User.Balance))
	}
	b.WriteString("\nВыберите способ оплаты:")

	var rows [][]Choice
	if order.DiscountCodeID == nil {
		rows = append(rows, []Choice{{Label: "🎫 Ввести промокод", Action: fmt.Sprintf("enter_discount_%d", order.ID)}})
	} else {
		rows = append(rows, []Choice{{Label: "❌ Убрать промокод", Action: fmt.Sprintf("remove_discount_%d", order.ID)}})
	}
	if !order.IsDeposit() && order.User.Balance >= order.Amount {
		rows = append(rows, []Choice{{Label: "✅ Оплатить с кошелька", Action: fmt.Sprintf("pay_wallet_order_%d", order.ID)}})
	}
	rows = append(rows, []Choice{{Label: "💳 Перевод на карту", Action: fmt.Sprintf("pay_card_%d", order.ID)}})
	if order.IsDeposit() && m.opts.Payments != nil {
		rows = append(rows, []Choice{{Label: "🌐 Оплатить онлайн", Action: fmt.Sprintf("pay_online_%d", order.ID)}})
	}
	rows = append(rows, cancelRow)
	s.show(b.String(), rows...)
	return nil
}

func (m *Machine) promptDiscount(ctx context.Context, s *session, orderID uint) error {
	if err := m.setState(ctx, s, state.AwaitingDiscountCode{OrderID: orderID}); err != nil {
		return err
	}
	s.show("🎫 Отправьте промокод одним сообщением:", cancelRow)
	return nil
}

func (m *Machine) enterDiscount(ctx context.Context, s *session, tok state.AwaitingDiscountCode, text string) error {
	if err := m.clearState(ctx, s); err != nil {
		return err
	}
	_, err := m.orch.ApplyDiscount(ctx, s.user.ID, tok.OrderID, text)
	var de *common.DiscountError
	switch {
	case errors.As(err, &de):
		// неверный код: ждём следующую попытку
		if err := m.setState(ctx, s, tok); err != nil {
			return err
		}
		s.send(discountMessage(de.Reason), cancelRow)
		return nil
	case errors.Is(err, common.ErrOrderNotPending), errors.Is(err, common.ErrOrderNotFound):
		s.menu("❌ Заказ устарел. Оформите его заново.")
		return nil
	case err != nil:
		return err
	}
	s.send("✅ Промокод применён!")
	return m.showInvoice(ctx, s, tok.OrderID)
}

func (m *Machine) removeDiscount(ctx context.Context, s *session, orderID uint) error {
	if _, err := m.orch.RemoveDiscount(ctx, s.user.ID, orderID); err != nil {
		return err
	}
	return m.showInvoice(ctx, s, orderID)
}

func (m *Machine) payWithWallet(ctx context.Context, s *session, orderID uint) error {
	pending, err := m.ledger.UserOrder(ctx, s.user.ID, orderID)
	if err != nil {
		return err
	}
	order, err := m.orch.PayWithWallet(ctx, s.snap, s.user.ID, orderID)
	if err != nil {
		return err
	}
	if pending.IsRenewal() {
		s.show(renewedText(order), []Choice{{Label: "🛠 Мои сервисы", Action: "/my_services"}})
		return nil
	}
	s.show(purchasedText(order), []Choice{{Label: "🛠 Мои сервисы", Action: "/my_services"}, mainMenuRow[0]})
	return nil
}

func purchasedText(o *db.Order) string {
	return fmt.Sprintf("✅ Покупка прошла успешно!\n\nСервис: %s\nДействует до: %s\n\n%s\n%s",
		o.PanelUsername, expiryText(o), linkLabel(o), o.ConfigDetails)
}

func renewedText(o *db.Order) string {
	return fmt.Sprintf("✅ Сервис %s продлён до %s.", o.PanelUsername, expiryText(o))
}

func expiryText(o *db.Order) string {
	if o.ExpiresAt == nil {
		return "—"
	}
	return formatDate(*o.ExpiresAt)
}

// payWithCard: реквизиты и ожидание фото чека
func (m *Machine) payWithCard(ctx context.Context, s *session, orderID uint) error {
	order, err := m.ledger.UserOrder(ctx, s.user.ID, orderID)
	if err != nil {
		return err
	}
	if order.Status != db.OrderPending {
		return common.ErrOrderNotPending
	}
	if err := m.setState(ctx, s, state.WaitingReceipt{OrderID: orderID}); err != nil {
		return err
	}
	card, holder := s.snap.CardNumber, s.snap.CardHolder
	if card == "" {
		card = "не указан"
	}
	if holder == "" {
		holder = "не указан"
	}
	s.show(fmt.Sprintf("💳 Оплата переводом на карту\n\nПереведите %s по реквизитам:\n\n👤 Получатель: %s\n💳 Номер карты: %s\n\n"+
		"🔔 После перевода отправьте в этот чат фото чека.", formatMoney(order.Amount), holder, card), cancelRow)
	return nil
}

func (m *Machine) payOnline(ctx context.Context, s *session, orderID uint) error {
	if m.opts.Payments == nil {
		s.send("❌ Онлайн-оплата сейчас недоступна. Воспользуйтесь переводом на карту.")
		return nil
	}
	order, err := m.ledger.UserOrder(ctx, s.user.ID, orderID)
	if err != nil {
		return err
	}
	if order.Status != db.OrderPending {
		return common.ErrOrderNotPending
	}
	paymentID, url, err := m.opts.Payments.CreatePayment(ctx, order.ID, order.Amount, fmt.Sprintf("Пополнение кошелька, заказ #%d", order.ID))
	if err != nil {
		logger.Error("online payment not created", zap.Uint("order_id", order.ID), zap.Error(err))
		s.send("❌ Не удалось создать платёж. Попробуйте позже или оплатите переводом на карту.")
		return nil
	}
	if err := m.orch.AttachOnlinePayment(ctx, s.user.ID, order.ID, paymentID); err != nil {
		return err
	}
	s.show(fmt.Sprintf("🌐 Оплата %s\n\nНажмите кнопку ниже. Баланс пополнится автоматически после оплаты.", formatMoney(order.Amount)),
		[]Choice{{Label: "Перейти к оплате", URL: url}})
	return nil
}

// submitReceipt: фото чека: заказ уходит администратору
func (m *Machine) submitReceipt(ctx context.Context, s *session, orderID uint, fileID string) error {
	if err := m.clearState(ctx, s); err != nil {
		return err
	}
	order, err := m.orch.SubmitReceipt(ctx, s.user.ID, orderID, fileID)
	if err != nil {
		return err
	}
	s.menu("✅ Чек получен. После проверки администратором мы пришлём результат.")
	if m.opts.AdminID != 0 {
		s.notify(m.opts.AdminID, Prompt{
			PhotoFileID: fileID,
			Text: fmt.Sprintf("🧾 Новый чек по заказу #%d\n\nПользователь: %s (tg %d)\nСумма: %s\nТип: %s",
				order.ID, s.user.FirstName, s.user.TelegramID, formatMoney(order.Amount), orderKind(order)),
			Choices: [][]Choice{{
				{Label: "✅ Подтвердить", Action: fmt.Sprintf("admin_approve_%d", order.ID)},
				{Label: "❌ Отклонить", Action: fmt.Sprintf("admin_reject_%d", order.ID)},
			}},
		})
	}
	return nil
}

func orderKind(o *db.Order) string {
	switch {
	case o.IsDeposit():
		return "пополнение кошелька"
	case o.IsRenewal():
		return "продление сервиса"
	case o.IsTrial():
		return "тестовый доступ"
	}
	return "покупка сервиса"
}

