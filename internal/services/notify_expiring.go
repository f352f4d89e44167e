package services

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/logger"
)

type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier рассылает напоминания об окончании сервисов. Каждое напоминание
// уходит один раз: флаг на заказе сбрасывается при продлении.
type Notifier struct {
	api Sender
	db  *gorm.DB
	now func() time.Time
}

func NewNotifier(api Sender, gdb *gorm.DB) *Notifier {
	return &Notifier{api: api, db: gdb, now: time.Now}
}

func (n *Notifier) services(ctx context.Context) *gorm.DB {
	return n.db.WithContext(ctx).Preload("User").
		Where("status = ? AND source <> ? AND renews_order_id IS NULL AND expires_at IS NOT NULL", db.OrderPaid, db.SourceTelegramDeposit)
}

// NotifyExpiring: сервисы, истекающие в ближайшие days дней
func (n *Notifier) NotifyExpiring(ctx context.Context, days int) (int, error) {
	now := n.now()
	var orders []db.Order
	err := n.services(ctx).
		Where("expires_at > ? AND expires_at <= ? AND notified_expiring = ?", now, now.AddDate(0, 0, days), false).
		Find(&orders).Error
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, o := range orders {
		left := int(o.ExpiresAt.Sub(now).Hours()/24) + 1
		text := fmt.Sprintf("⏳ Сервис %s истекает %s (осталось дней: %d).\nПродлите заранее, чтобы не потерять доступ.",
			o.PanelUsername, o.ExpiresAt.Format("02.01.2006"), left)
		if n.send(o, text, "notified_expiring") {
			sent++
		}
	}
	return sent, nil
}

// NotifyExpired: сервисы, срок которых уже вышел
func (n *Notifier) NotifyExpired(ctx context.Context) (int, error) {
	var orders []db.Order
	err := n.services(ctx).
		Where("expires_at <= ? AND notified_expired = ?", n.now(), false).
		Find(&orders).Error
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, o := range orders {
		text := fmt.Sprintf("❌ Срок действия сервиса %s закончился. Продлите его, чтобы снова подключиться.", o.PanelUsername)
		if n.send(o, text, "notified_expired") {
			sent++
		}
	}
	return sent, nil
}

func (n *Notifier) send(o db.Order, text, flag string) bool {
	msg := tgbotapi.NewMessage(o.User.TelegramID, text)
	if o.PlanID != nil {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄 Продлить", fmt.Sprintf("renew_order_%d", o.ID)),
		))
	}
	if _, err := n.api.Send(msg); err != nil {
		logger.Warn("expiry notice failed", zap.Uint("order_id", o.ID), zap.Int64("telegram_id", o.User.TelegramID), zap.Error(err))
		return false
	}
	if err := n.db.Model(&db.Order{}).Where("id = ?", o.ID).Update(flag, true).Error; err != nil {
		logger.Error("expiry flag update failed", zap.Uint("order_id", o.ID), zap.Error(err))
	}
	return true
}
