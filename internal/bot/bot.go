// Package bot содержит Telegram-транспорт. Апдейты превращаются в события диалога,
// подсказки диалога отправляются сообщениями или правками.
package bot

import (
	"context"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"VPN-Panel-bot/internal/admin"
	"VPN-Panel-bot/internal/conversation"
	"VPN-Panel-bot/internal/logger"
)

// API: часть tgbotapi.BotAPI, которой пользуется адаптер
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Machine interface {
	Handle(ctx context.Context, ev conversation.Event) ([]conversation.Prompt, error)
}

// AdminCommands: обработчик /admin_* команд
type AdminCommands interface {
	HandleCommand(ctx context.Context, msg *tgbotapi.Message)
}

type Options struct {
	AdminID     int64
	MaxInflight int
	Limiter     *RateLimiter
}

type Bot struct {
	api     API
	machine Machine
	admin   AdminCommands
	opts    Options
	sem     chan struct{}
	// апдейты одного пользователя обрабатываются по очереди;
	// запись живёт, пока есть хотя бы один ожидающий
	locksMu sync.Mutex
	locks   map[int64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func New(api API, machine Machine, adm AdminCommands, opts Options) *Bot {
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 64
	}
	if opts.Limiter == nil {
		opts.Limiter = NewRateLimiter()
	}
	return &Bot{
		api:     api,
		machine: machine,
		admin:   adm,
		opts:    opts,
		sem:     make(chan struct{}, opts.MaxInflight),
		locks:   make(map[int64]*userLock),
	}
}

// Run читает апдейты до отмены ctx или закрытия канала и ждёт начатые обработчики.
// Не больше MaxInflight обработчиков одновременно.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			select {
			case b.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-b.sem }()
				b.HandleUpdate(ctx, upd)
			}()
		}
	}
}

func (b *Bot) isAdmin(id int64) bool {
	return b.opts.AdminID != 0 && id == b.opts.AdminID
}

func (b *Bot) lockUser(id int64) func() {
	b.locksMu.Lock()
	l := b.locks[id]
	if l == nil {
		l = &userLock{}
		b.locks[id] = l
	}
	l.refs++
	b.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		b.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(b.locks, id)
		}
		b.locksMu.Unlock()
	}
}

// HandleUpdate обрабатывает один апдейт целиком
func (b *Bot) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	defer logger.NotifyOnPanic("HandleUpdate")

	if msg := upd.Message; msg != nil && msg.From != nil && b.isAdmin(msg.From.ID) {
		// подтверждение чека командой идёт тем же путём, что и кнопка
		if data, ok := admin.ReceiptCallback(msg.Text); ok {
			upd = tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{From: msg.From, Data: data}}
		} else if strings.HasPrefix(msg.Text, "/admin_") {
			if b.admin != nil {
				b.admin.HandleCommand(ctx, msg)
			}
			return
		}
	}

	ev, ok := ToEvent(upd)
	if !ok {
		return
	}
	cb := upd.CallbackQuery

	// лимит проверяется до очереди пользователя: повторное нажатие,
	// дождавшееся медленной панели, всё равно считается повтором
	if !b.isAdmin(ev.UserKey) && b.opts.Limiter.IsLimited(ev.UserKey, limitKey(ev)) {
		b.tooFast(ev, cb)
		return
	}

	unlock := b.lockUser(ev.UserKey)
	defer unlock()

	prompts, err := b.machine.Handle(ctx, ev)
	if err != nil {
		logger.Error("update handling failed", zap.Int64("telegram_id", ev.UserKey), zap.String("payload", ev.Payload), zap.Error(err))
	}

	// у callback из команды админа нет ID: alert уходит обычным сообщением
	ackable := cb != nil && cb.ID != ""
	var alert string
	for _, p := range prompts {
		if p.Alert && ackable {
			alert = p.Text
			continue
		}
		b.deliver(p)
	}
	if ackable {
		ack := tgbotapi.NewCallback(cb.ID, alert)
		ack.ShowAlert = alert != ""
		if _, err := b.api.Request(ack); err != nil {
			logger.Debug("callback ack failed", zap.Error(err))
		}
	}
}

const msgTooFast = "Пожалуйста, не так быстро! Подождите пару секунд..."

func (b *Bot) tooFast(ev conversation.Event, cb *tgbotapi.CallbackQuery) {
	if cb != nil && cb.ID != "" {
		_, _ = b.api.Request(tgbotapi.NewCallback(cb.ID, msgTooFast))
		return
	}
	msg := tgbotapi.NewMessage(ev.UserKey, msgTooFast)
	msg.ReplyMarkup = ReplyKeyboard(false)
	if _, err := b.api.Send(msg); err != nil {
		logger.Debug("send failed", zap.Error(err))
	}
}

// ToEvent переводит апдейт в событие диалога; false: апдейт не для диалога
func ToEvent(upd tgbotapi.Update) (conversation.Event, bool) {
	if cb := upd.CallbackQuery; cb != nil {
		if cb.From == nil {
			return conversation.Event{}, false
		}
		ev := conversation.Event{
			Type:      conversation.EventCallback,
			UserKey:   cb.From.ID,
			Payload:   cb.Data,
			FirstName: cb.From.FirstName,
		}
		if cb.Message != nil {
			ev.ReplyTargetMessageID = cb.Message.MessageID
		}
		return ev, true
	}

	msg := upd.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || !msg.Chat.IsPrivate() {
		return conversation.Event{}, false
	}
	ev := conversation.Event{UserKey: msg.From.ID, FirstName: msg.From.FirstName}
	switch {
	case len(msg.Photo) > 0:
		// последний размер самый большой
		ev.Type = conversation.EventPhoto
		ev.Payload = msg.Photo[len(msg.Photo)-1].FileID
		ev.Caption = msg.Caption
	case msg.Text != "":
		ev.Type = conversation.EventText
		ev.Payload = msg.Text
	default:
		return conversation.Event{}, false
	}
	return ev, true
}

// deliver отправляет подсказку; неудачная правка превращается в новое сообщение
func (b *Bot) deliver(p conversation.Prompt) {
	markup := inlineMarkup(p.Choices)

	if p.PhotoFileID != "" {
		photo := tgbotapi.NewPhoto(p.ChatTarget, tgbotapi.FileID(p.PhotoFileID))
		photo.Caption = truncate(p.Text, captionLimit)
		if markup != nil {
			photo.ReplyMarkup = *markup
		}
		b.send(photo, p.ChatTarget)
		return
	}

	if p.EditExistingMessageID != 0 && !p.MainMenu {
		edit := tgbotapi.NewEditMessageText(p.ChatTarget, p.EditExistingMessageID, truncate(p.Text, textLimit))
		edit.ReplyMarkup = markup
		edit.DisableWebPagePreview = true
		_, err := b.api.Send(edit)
		if err == nil || strings.Contains(err.Error(), "message is not modified") {
			return
		}
		logger.Debug("edit failed, sending new message", zap.Int64("chat_id", p.ChatTarget), zap.Error(err))
	}

	msg := tgbotapi.NewMessage(p.ChatTarget, truncate(p.Text, textLimit))
	msg.DisableWebPagePreview = true
	switch {
	case markup != nil:
		msg.ReplyMarkup = *markup
	case p.MainMenu:
		msg.ReplyMarkup = ReplyKeyboard(b.isAdmin(p.ChatTarget))
	}
	b.send(msg, p.ChatTarget)
}

func (b *Bot) send(c tgbotapi.Chattable, chat int64) {
	if _, err := b.api.Send(c); err != nil {
		logger.Warn("send failed", zap.Int64("chat_id", chat), zap.Error(err))
	}
}

const (
	textLimit    = 4096
	captionLimit = 1024
)

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
