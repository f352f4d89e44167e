package logger

import (
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Sender: то, чем бот отправляет сообщения
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

var (
	mu      sync.RWMutex
	sender  Sender
	adminID int64
	mailer  Mailer
)

// InitNotifier включает Telegram-уведомления админу
func InitNotifier(bot Sender, admin int64) {
	mu.Lock()
	defer mu.Unlock()
	sender = bot
	adminID = admin
}

// SetMailer дублирует критические алерты на почту; nil отключает
func SetMailer(m Mailer) {
	mu.Lock()
	defer mu.Unlock()
	mailer = m
}

// NotifyAdmin отправляет уведомление админу в Telegram
func NotifyAdmin(msg string) {
	mu.RLock()
	s, id := sender, adminID
	mu.RUnlock()
	if s == nil || id == 0 {
		return
	}
	if _, err := s.Send(tgbotapi.NewMessage(id, "[ALERT] "+msg)); err != nil {
		log.Warn("admin notify failed", zap.Error(err))
	}
}

// Critical: ошибка, которую нельзя оставить в логах: деньги списаны, а услуга не выдана и т.п.
func Critical(msg string, fields ...zap.Field) {
	log.Error(msg, fields...)
	NotifyAdmin(msg)

	mu.RLock()
	m := mailer
	mu.RUnlock()
	if m == nil {
		return
	}
	go func() {
		if err := m.Send("[VPN bot] critical", msg); err != nil {
			log.Warn("alert email failed", zap.Error(err))
		}
	}()
}

// NotifyOnPanic ловит панику, логирует и уведомляет
func NotifyOnPanic(where string) {
	if r := recover(); r != nil {
		Critical(fmt.Sprintf("Panic in %s: %v", where, r), zap.Stack("stack"))
	}
}
