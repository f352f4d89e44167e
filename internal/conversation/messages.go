package conversation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"VPN-Panel-bot/config"
	"VPN-Panel-bot/internal/common"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/panel"
)

// Кнопки постоянной клавиатуры
const (
	btnBuy          = "🛒 Купить сервис"
	btnServices     = "🛠 Мои сервисы"
	btnWallet       = "💰 Кошелёк"
	btnTransactions = "📜 История операций"
	btnSupport      = "💬 Поддержка"
	btnReferral     = "🎁 Пригласить друзей"
	btnTrial        = "🧪 Тестовый доступ"
	btnCancel       = "❌ Отмена"
)

// MainMenu: ряды постоянной клавиатуры, транспорт рисует их как reply keyboard
func MainMenu() [][]string {
	return [][]string{
		{btnBuy, btnServices},
		{btnWallet, btnTransactions},
		{btnSupport, btnReferral},
		{btnTrial},
	}
}

const (
	msgCancelled     = "✅ Действие отменено."
	msgStateReset    = "Предыдущее действие устарело и было сброшено. Выберите пункт меню."
	msgInternalError = "❌ Произошла ошибка. Попробуйте ещё раз чуть позже."
)

var (
	cancelRow   = []Choice{{Label: "❌ Отмена", Action: "/cancel_action"}}
	mainMenuRow = []Choice{{Label: "🏠 Главное меню", Action: "/start"}}
)

// userMessage: текст для пользователя по ожидаемой ошибке. false, ошибка системная.
// RefundFailed проверяется первым: он всегда оборачивает и причину сбоя выдачи.
func userMessage(err error, snap config.Snapshot) (string, bool) {
	var de *common.DiscountError
	switch {
	case errors.Is(err, common.ErrRefundFailed):
		return "⚠️ Оплата прошла, но создать сервис не удалось, а автоматический возврат не выполнен. " +
			"Администратор уже получил уведомление и вернёт деньги вручную.", true
	case errors.Is(err, common.ErrProvisioningFailed):
		return "⚠️ Оплата прошла, но при создании сервиса произошла ошибка. " +
			"Сумма возвращена на ваш кошелёк. Если нужна помощь, напишите в поддержку.", true
	case errors.Is(err, common.ErrCapacityExhausted):
		return "❌ К сожалению, в этой локации закончились места. Выберите другую.", true
	case errors.Is(err, common.ErrInsufficientBalance):
		return "❌ На кошельке недостаточно средств.", true
	case errors.As(err, &de):
		return discountMessage(de.Reason), true
	case errors.Is(err, common.ErrConcurrentCapture):
		return "✅ Этот заказ уже оплачен.", true
	case errors.Is(err, common.ErrOrderNotPending), errors.Is(err, common.ErrOrderNotFound):
		return "❌ Заказ не найден или уже не ожидает оплаты.", true
	case errors.Is(err, common.ErrPlanNotFound):
		return "❌ Тариф не найден или больше не продаётся.", true
	case errors.Is(err, common.ErrDepositTooSmall):
		return "❌ Минимальная сумма пополнения: " + formatMoney(snap.MinDeposit) + ".", true
	case errors.Is(err, common.ErrTrialDisabled):
		return "❌ Тестовый доступ сейчас недоступен.", true
	case errors.Is(err, common.ErrTrialLimit):
		return "❗️ Вы уже использовали тестовый доступ.", true
	case errors.Is(err, common.ErrTicketNotFound):
		return "❌ Обращение не найдено.", true
	case errors.Is(err, common.ErrUsernameTaken):
		return "❌ Это имя уже занято. Введите другое.", true
	case errors.Is(err, common.ErrUsernameInvalid):
		return "❌ Имя должно быть от 3 символов, только латинские буквы и цифры.", true
	}
	return "", false
}

func errorChoices(err error) [][]Choice {
	switch {
	case errors.Is(err, common.ErrRefundFailed), errors.Is(err, common.ErrProvisioningFailed):
		return [][]Choice{{{Label: "💬 Поддержка", Action: "/support_menu"}}}
	case errors.Is(err, common.ErrInsufficientBalance):
		return [][]Choice{{{Label: "💳 Пополнить кошелёк", Action: "/deposit"}}}
	case errors.Is(err, common.ErrCapacityExhausted):
		return [][]Choice{{{Label: "⬅️ К тарифам", Action: "/plans"}}}
	}
	return nil
}

func discountMessage(r common.DiscountReason) string {
	switch r {
	case common.DiscountInactive:
		return "❌ Промокод отключён."
	case common.DiscountNotStarted:
		return "❌ Промокод ещё не действует."
	case common.DiscountExpired:
		return "❌ Срок действия промокода истёк."
	case common.DiscountIneligible:
		return "❌ Промокод не подходит для этого заказа."
	}
	return "❌ Промокод не найден."
}

// formatMoney: сумма в копейках: 150000 → «1 500 ₽», 150050 → «1 500,50 ₽»
func formatMoney(kopecks int64) string {
	sign := ""
	if kopecks < 0 {
		sign = "-"
		kopecks = -kopecks
	}
	rub := groupThousands(strconv.FormatInt(kopecks/100, 10))
	if k := kopecks % 100; k != 0 {
		return fmt.Sprintf("%s%s,%02d ₽", sign, rub, k)
	}
	return sign + rub + " ₽"
}

func groupThousands(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	head := len(digits) % 3
	if head > 0 {
		b.WriteString(digits[:head])
	}
	for i := head; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

// parseRubles: сумма, введённая пользователем в рублях, в копейках. Пробелы и «₽» игнорируются.
func parseRubles(text string) (int64, bool) {
	var digits strings.Builder
	for _, r := range text {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 || digits.Len() > 9 {
		return 0, false
	}
	n, err := strconv.ParseInt(digits.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return n * 100, true
}

func formatDate(t time.Time) string {
	return t.Format("02.01.2006")
}

// durationLabel: подпись срока тарифа
func durationLabel(days int) string {
	switch days {
	case 30:
		return "🔸 1 месяц"
	case 60:
		return "🔸 2 месяца"
	case 90:
		return "🔸 3 месяца"
	case 180:
		return "🔸 6 месяцев"
	case 360, 365:
		return "🔸 1 год"
	}
	return fmt.Sprintf("🔸 %d дн.", days)
}

// daysLeft: целых суток до окончания; отрицательное значение, уже истёк
func daysLeft(now, expires time.Time) int {
	return int(expires.Sub(now).Hours() / 24)
}

// linkLabel: подпись к ссылке зависит от того, что выдала панель
func linkLabel(o *db.Order) string {
	if panel.AccountFromMeta(o.PanelMeta, o.PanelUsername).Mode == panel.LinkSubscription {
		return "🔗 Ссылка на подписку (добавьте в приложение, обновляется сама):"
	}
	return "🔗 Ссылка для подключения:"
}
