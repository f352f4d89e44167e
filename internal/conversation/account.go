package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"VPN-Panel-bot/internal/common"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/state"
)

// истёкшие сервисы показываются ещё месяц, потом пропадают из списка
const expiredVisibleDays = 30

func (m *Machine) showServices(ctx context.Context, s *session) error {
	orders, err := m.ledger.PaidServices(ctx, s.user.ID)
	if err != nil {
		return err
	}
	now := m.opts.Now()
	var rows [][]Choice
	for _, o := range orders {
		if o.ExpiresAt != nil && daysLeft(now, *o.ExpiresAt) < -expiredVisibleDays {
			continue
		}
		icon := "✅"
		switch {
		case o.ExpiresAt != nil && o.ExpiresAt.Before(now):
			icon = "❌"
		case o.IsTrial():
			icon = "🧪"
		}
		rows = append(rows, []Choice{{Label: icon + " " + o.PanelUsername, Action: fmt.Sprintf("show_service_%d", o.ID)}})
	}
	if len(rows) == 0 {
		s.show("У вас пока нет активных сервисов.", []Choice{{Label: "🛒 Купить сервис", Action: "/plans"}})
		return nil
	}
	s.show("🛠 Ваши сервисы\n\nВыберите сервис для просмотра:", rows...)
	return nil
}

func (m *Machine) showService(ctx context.Context, s *session, orderID uint) error {
	o, err := m.ledger.UserOrder(ctx, s.user.ID, orderID)
	if err != nil {
		return err
	}
	if o.Status != db.OrderPaid || o.IsDeposit() || o.IsRenewal() {
		s.send("❌ Сервис не найден.")
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🔹 Сервис: %s\n", o.PanelUsername)
	switch {
	case o.IsTrial():
		b.WriteString("▫️ Тариф: тестовый доступ\n")
	case o.Plan != nil:
		fmt.Fprintf(&b, "▫️ Тариф: %s (%d ГБ)\n", o.Plan.Name, o.Plan.VolumeGB)
	}
	if o.Server != nil && o.Server.Location.Name != "" {
		fmt.Fprintf(&b, "▫️ Локация: %s %s\n", o.Server.Location.Flag, o.Server.Location.Name)
	}
	if o.ExpiresAt != nil {
		left := daysLeft(m.opts.Now(), *o.ExpiresAt)
		if left < 0 {
			fmt.Fprintf(&b, "▫️ Истёк: %s\n", formatDate(*o.ExpiresAt))
		} else {
			fmt.Fprintf(&b, "▫️ Действует до: %s (осталось дней: %d)\n", formatDate(*o.ExpiresAt), left)
		}
	}
	fmt.Fprintf(&b, "\n%s\n%s", linkLabel(o), o.ConfigDetails)

	var rows [][]Choice
	if o.PlanID != nil {
		rows = append(rows, []Choice{{Label: "🔄 Продлить", Action: fmt.Sprintf("renew_order_%d", o.ID)}})
	}
	rows = append(rows, []Choice{{Label: "⬅️ К списку", Action: "/my_services"}})
	s.show(b.String(), rows...)
	return nil
}

// showRenewal: условия продления: тот же тариф, срок от текущей даты окончания.
// Кнопки оплаты ведут на pending-строку продления, а не на сам сервис.
func (m *Machine) showRenewal(ctx context.Context, s *session, orderID uint) error {
	o, err := m.ledger.UserOrder(ctx, s.user.ID, orderID)
	if err != nil {
		return err
	}
	if o.Status != db.OrderPaid || o.PlanID == nil || o.IsRenewal() {
		s.send("❌ Этот сервис нельзя продлить.")
		return nil
	}
	renewal, err := m.orch.PendingRenewal(ctx, s.user.ID, o.ID)
	if errors.Is(err, common.ErrPlanNotFound) {
		s.send("❌ Тариф этого сервиса больше не продаётся. Оформите новый сервис.", []Choice{{Label: "🛒 Тарифы", Action: "/plans"}})
		return nil
	}
	if err != nil {
		return err
	}

	text := fmt.Sprintf("🔄 Продление сервиса %s\n\n▫️ Тариф: %s\n▫️ Срок: +%d дн.\n▫️ Стоимость: %s\n▫️ На кошельке: %s",
		o.PanelUsername, renewal.Plan.Name, renewal.Plan.DurationDays, formatMoney(renewal.Amount), formatMoney(s.user.Balance))
	var rows [][]Choice
	if s.user.Balance >= renewal.Amount {
		rows = append(rows, []Choice{{Label: "✅ Оплатить с кошелька", Action: fmt.Sprintf("renew_pay_wallet_%d", renewal.ID)}})
	}
	rows = append(rows,
		[]Choice{{Label: "💳 Перевод на карту / промокод", Action: fmt.Sprintf("renew_pay_card_%d", renewal.ID)}},
		[]Choice{{Label: "⬅️ Назад", Action: fmt.Sprintf("show_service_%d", o.ID)}},
	)
	s.show(text, rows...)
	return nil
}

// renewWithWallet оплачивает строку продления; повторное нажатие получит ErrConcurrentCapture
func (m *Machine) renewWithWallet(ctx context.Context, s *session, renewalID uint) error {
	renewal, err := m.ledger.UserOrder(ctx, s.user.ID, renewalID)
	if err != nil {
		return err
	}
	if !renewal.IsRenewal() {
		s.send("❌ Этот сервис нельзя продлить.")
		return nil
	}
	o, err := m.orch.PayWithWallet(ctx, s.snap, s.user.ID, renewal.ID)
	if err != nil {
		return err
	}
	s.show(renewedText(o), []Choice{{Label: "🛠 Мои сервисы", Action: "/my_services"}})
	return nil
}

// renewWithCard показывает счёт по строке продления: промокод, карта
func (m *Machine) renewWithCard(ctx context.Context, s *session, renewalID uint) error {
	renewal, err := m.ledger.UserOrder(ctx, s.user.ID, renewalID)
	if err != nil {
		return err
	}
	if !renewal.IsRenewal() {
		s.send("❌ Этот сервис нельзя продлить.")
		return nil
	}
	return m.showInvoice(ctx, s, renewal.ID)
}

func (m *Machine) showWallet(s *session) {
	s.show(fmt.Sprintf("💰 Ваш кошелёк\n\nБаланс: %s", formatMoney(s.user.Balance)),
		[]Choice{{Label: "💳 Пополнить", Action: "/deposit"}},
		[]Choice{{Label: "📜 История операций", Action: "/transactions"}},
	)
}

func (m *Machine) showDepositOptions(s *session) {
	var rows [][]Choice
	var row []Choice
	for _, a := range s.snap.DepositAmounts {
		if a < s.snap.MinDeposit {
			continue
		}
		row = append(row, Choice{Label: formatMoney(a), Action: fmt.Sprintf("deposit_amount_%d", a)})
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows,
		[]Choice{{Label: "✏️ Другая сумма", Action: "/deposit_custom"}},
		[]Choice{{Label: "⬅️ Назад", Action: "/wallet"}},
	)
	s.show(fmt.Sprintf("💳 Пополнение кошелька\n\nВыберите сумму (минимум %s):", formatMoney(s.snap.MinDeposit)), rows...)
}

func (m *Machine) promptCustomDeposit(ctx context.Context, s *session) error {
	if err := m.setState(ctx, s, state.AwaitingDepositAmount{}); err != nil {
		return err
	}
	s.show(fmt.Sprintf("✏️ Введите сумму пополнения в рублях (минимум %s):", formatMoney(s.snap.MinDeposit)), cancelRow)
	return nil
}

// enterDepositAmount: при неверной сумме состояние сохраняется до следующей попытки
func (m *Machine) enterDepositAmount(ctx context.Context, s *session, text string) error {
	amount, ok := parseRubles(text)
	if !ok {
		s.send("❌ Введите сумму числом, например 500.", cancelRow)
		return nil
	}
	if amount < s.snap.MinDeposit {
		s.send("❌ Минимальная сумма пополнения: "+formatMoney(s.snap.MinDeposit)+".", cancelRow)
		return nil
	}
	if err := m.clearState(ctx, s); err != nil {
		return err
	}
	return m.createDeposit(ctx, s, amount)
}

// depositPreset: id в callback это сумма в копейках из DepositAmounts
func (m *Machine) depositPreset(ctx context.Context, s *session, amount uint) error {
	return m.createDeposit(ctx, s, int64(amount))
}

func (m *Machine) createDeposit(ctx context.Context, s *session, amount int64) error {
	order, err := m.orch.CreateDeposit(ctx, s.snap, s.user.ID, amount)
	if err != nil {
		return err
	}
	return m.showInvoice(ctx, s, order.ID)
}

var txLabels = map[string]string{
	db.TxPurchase: "🛒 Покупка",
	db.TxRenewal:  "🔄 Продление",
	db.TxRefund:   "↩️ Возврат",
	db.TxDeposit:  "💳 Пополнение",
}

func (m *Machine) showTransactions(ctx context.Context, s *session) error {
	txs, err := m.ledger.Transactions(ctx, s.user.ID, 10)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		s.show("📜 Операций пока не было.", []Choice{{Label: "⬅️ Кошелёк", Action: "/wallet"}})
		return nil
	}
	var b strings.Builder
	b.WriteString("📜 Последние операции:\n")
	for _, tx := range txs {
		label, ok := txLabels[tx.Type]
		if !ok {
			label = tx.Type
		}
		sign := "+"
		if tx.Amount < 0 {
			sign = ""
		}
		fmt.Fprintf(&b, "\n%s %s%s · %s", label, sign, formatMoney(tx.Amount), formatDate(tx.CreatedAt))
		if tx.Description != "" {
			fmt.Fprintf(&b, "\n   %s", tx.Description)
		}
	}
	s.show(b.String(), []Choice{{Label: "⬅️ Кошелёк", Action: "/wallet"}})
	return nil
}

func (m *Machine) showReferral(ctx context.Context, s *session) error {
	n, err := db.CountReferrals(ctx, m.db, s.user.ID)
	if err != nil {
		return err
	}
	link := "https://t.me/" + m.opts.BotUsername + "?start=" + s.user.ReferralCode
	s.show(fmt.Sprintf("🎁 Приглашайте друзей!\n\nВаша ссылка:\n%s\n\nПриглашено: %d", link, n))
	return nil
}

func (m *Machine) createTrial(ctx context.Context, s *session) error {
	o, err := m.orch.CreateTrial(ctx, s.snap, s.user.ID)
	if err != nil {
		return err
	}
	s.menu(fmt.Sprintf("🧪 Тестовый доступ готов!\n\n▫️ Объём: %d МБ\n▫️ Действует до: %s\n\n%s\n%s",
		s.snap.TrialVolumeMB, o.ExpiresAt.Format("02.01.2006 15:04"), linkLabel(o), o.ConfigDetails))
	return nil
}
