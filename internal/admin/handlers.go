// Package admin обрабатывает команды администратора в Telegram: статистика, серверы,
// выгрузка заказов, бэкапы и настройки.
package admin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Panel-bot/config"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/ledger"
	"VPN-Panel-bot/internal/logger"
	"VPN-Panel-bot/internal/registry"
	"VPN-Panel-bot/internal/services"
)

type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// StatusSource: последние результаты проверки серверов
type StatusSource interface {
	Statuses() []services.ServerStatus
}

type Options struct {
	AdminID     int64
	DatabaseURL string
	BackupDir   string
	Snapshot    func(context.Context) config.Snapshot
	// Gateways: для /admin_sync; nil отключает сверку
	Gateways    Gateways
	Now         func() time.Time
}

type Handler struct {
	api      Sender
	db       *gorm.DB
	ledger   *ledger.Ledger
	registry *registry.Registry
	statuses StatusSource
	backup   *Backup
	opts     Options
}

func NewHandler(api Sender, gdb *gorm.DB, l *ledger.Ledger, reg *registry.Registry, statuses StatusSource, opts Options) *Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BackupDir == "" {
		opts.BackupDir = "backups"
	}
	b := NewBackup(gdb, opts.DatabaseURL, opts.BackupDir)
	b.now = opts.Now
	return &Handler{api: api, db: gdb, ledger: l, registry: reg, statuses: statuses, backup: b, opts: opts}
}

// Backup: для планировщика ночных копий
func (h *Handler) Backup() *Backup { return h.backup }

// ReceiptCallback переводит "/admin_approve 12" в данные кнопки подтверждения чека
func ReceiptCallback(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) != 2 {
		return "", false
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil || id == 0 {
		return "", false
	}
	switch fields[0] {
	case "/admin_approve":
		return fmt.Sprintf("admin_approve_%d", id), true
	case "/admin_reject":
		return fmt.Sprintf("admin_reject_%d", id), true
	}
	return "", false
}

func (h *Handler) HandleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if msg == nil || msg.From == nil || msg.Chat == nil || msg.From.ID != h.opts.AdminID {
		return
	}
	defer logger.NotifyOnPanic("admin.HandleCommand")

	cmd := msg.Command()
	args := strings.Fields(msg.CommandArguments())
	chat := msg.Chat.ID
	var err error
	switch cmd {
	case "admin_stats":
		err = h.stats(ctx, chat)
	case "admin_servers":
		err = h.servers(ctx, chat)
	case "admin_pending":
		err = h.pending(ctx, chat)
	case "admin_user":
		err = h.user(ctx, chat, args)
	case "admin_export":
		err = h.export(ctx, chat, args)
	case "admin_backup":
		err = h.createBackup(ctx, chat)
	case "admin_restore":
		err = h.restore(ctx, chat, args)
	case "admin_set":
		err = h.set(ctx, chat, msg.CommandArguments())
	case "admin_sync":
		err = h.syncServer(ctx, chat, args)
	default:
		h.reply(chat, helpText)
	}
	if err != nil {
		logger.Error("admin command failed", zap.String("command", cmd), zap.Error(err))
		h.reply(chat, "Ошибка: "+err.Error())
	}
	logger.LogAdminAction(h.opts.AdminID, cmd, msg.CommandArguments())
}

const helpText = `Команды администратора:
/admin_stats — статистика
/admin_servers — серверы и загрузка
/admin_sync <id сервера> — сверка с панелью
/admin_pending — чеки на проверке
/admin_approve <id>, /admin_reject <id> — решение по чеку
/admin_user <telegram_id> — пользователь
/admin_export [дней] — заказы в Excel
/admin_backup — резервная копия БД
/admin_restore <файл> — восстановление
/admin_set <ключ> <значение> — настройка`

func (h *Handler) reply(chat int64, text string) {
	if _, err := h.api.Send(tgbotapi.NewMessage(chat, text)); err != nil {
		logger.Warn("admin reply failed", zap.Error(err))
	}
}

func (h *Handler) stats(ctx context.Context, chat int64) error {
	now := h.opts.Now()
	users, err := db.CountUsers(ctx, h.db)
	if err != nil {
		return err
	}
	active, err := db.CountActiveServices(ctx, h.db, now)
	if err != nil {
		return err
	}
	y, m, d := now.Date()
	today, err := db.SumRevenue(ctx, h.db, time.Date(y, m, d, 0, 0, 0, 0, now.Location()), now)
	if err != nil {
		return err
	}
	month, err := db.SumRevenue(ctx, h.db, now.AddDate(0, 0, -30), now)
	if err != nil {
		return err
	}
	all, err := db.SumRevenue(ctx, h.db, time.Time{}, now)
	if err != nil {
		return err
	}
	h.reply(chat, fmt.Sprintf(
		"Пользователей: %d\nАктивных сервисов: %d\nВыручка: сегодня: %.2f ₽, 30 дней: %.2f ₽, всего: %.2f ₽",
		users, active, rubles(today), rubles(month), rubles(all)))
	return nil
}

func (h *Handler) servers(ctx context.Context, chat int64) error {
	servers, err := h.registry.Servers(ctx)
	if err != nil {
		return err
	}
	online := map[string]services.ServerStatus{}
	if h.statuses != nil {
		for _, s := range h.statuses.Statuses() {
			online[s.Name] = s
		}
	}
	var b strings.Builder
	b.WriteString("Серверы:\n")
	if len(servers) == 0 {
		b.WriteString("\nнет ни одного сервера")
	}
	for _, s := range servers {
		status := "⚪️ не проверялся"
		if st, ok := online[s.Name]; ok {
			status = "❌ offline"
			if st.Online {
				status = "✅ online"
			}
			status += ", " + st.LastChecked.Format("02.01 15:04")
		}
		if !s.IsActive {
			status = "⏸ выключен"
		}
		fmt.Fprintf(&b, "\n%s %s · %s (%s)\n  %d/%d · %s",
			s.Location.Flag, s.Location.Name, s.Name, s.IPAddress, s.CurrentUsers, s.Capacity, status)
	}
	h.reply(chat, b.String())
	return nil
}

func (h *Handler) pending(ctx context.Context, chat int64) error {
	orders, err := h.ledger.AwaitingReview(ctx)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		h.reply(chat, "Чеков на проверке нет.")
		return nil
	}
	var b strings.Builder
	b.WriteString("Чеки на проверке:\n")
	for _, o := range orders {
		fmt.Fprintf(&b, "\n#%d · %s · %.2f ₽ · tg %d · %s\n/admin_approve %d  /admin_reject %d",
			o.ID, orderKind(o), rubles(o.Amount), o.User.TelegramID, o.CreatedAt.Format("02.01 15:04"), o.ID, o.ID)
	}
	h.reply(chat, b.String())
	return nil
}

func (h *Handler) user(ctx context.Context, chat int64, args []string) error {
	if len(args) < 1 {
		h.reply(chat, "Укажите Telegram ID: /admin_user 123456")
		return nil
	}
	tgID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		h.reply(chat, "Telegram ID должен быть числом")
		return nil
	}
	user, err := db.FindUser(ctx, h.db, tgID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		h.reply(chat, "Пользователь не найден")
		return nil
	}
	if err != nil {
		return err
	}
	orders, err := h.ledger.PaidServices(ctx, user.ID)
	if err != nil {
		return err
	}
	refs, err := db.CountReferrals(ctx, h.db, user.ID)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "👤 %s (tg %d, id %d)\nБаланс: %.2f ₽\nРеферальный код: %s, приглашено: %d\nПробных: %d\nС нами с %s\n",
		user.FirstName, user.TelegramID, user.ID, rubles(user.Balance), user.ReferralCode, refs,
		user.TrialAccountsTaken, user.CreatedAt.Format("02.01.2006"))
	for _, o := range orders {
		expires := "-"
		if o.ExpiresAt != nil {
			expires = o.ExpiresAt.Format("02.01.2006")
		}
		fmt.Fprintf(&b, "\n#%d %s · %s · до %s", o.ID, o.PanelUsername, orderKind(o), expires)
	}
	h.reply(chat, b.String())
	return nil
}

func (h *Handler) export(ctx context.Context, chat int64, args []string) error {
	days := 30
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			h.reply(chat, "Количество дней должно быть положительным числом")
			return nil
		}
		days = n
	}
	now := h.opts.Now()
	orders, err := db.OrdersBetween(ctx, h.db, now.AddDate(0, 0, -days), now)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := WriteOrdersXLSX(&buf, orders); err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(chat, tgbotapi.FileBytes{
		Name:  fmt.Sprintf("orders_%s.xlsx", now.Format("20060102")),
		Bytes: buf.Bytes(),
	})
	doc.Caption = fmt.Sprintf("Заказы за %d дн.: %d", days, len(orders))
	_, err = h.api.Send(doc)
	return err
}

func (h *Handler) createBackup(ctx context.Context, chat int64) error {
	filename, err := h.backup.Create(ctx, "backup")
	if err != nil {
		return fmt.Errorf("резервное копирование: %w", err)
	}
	defer os.Remove(filename)
	doc := tgbotapi.NewDocument(chat, tgbotapi.FilePath(filename))
	doc.Caption = "Резервная копия БД: " + filepath.Base(filename)
	_, err = h.api.Send(doc)
	return err
}

func (h *Handler) restore(ctx context.Context, chat int64, args []string) error {
	if len(args) < 1 {
		h.reply(chat, "Укажите имя файла из каталога бэкапов")
		return nil
	}
	if err := h.backup.Restore(ctx, args[0]); err != nil {
		return fmt.Errorf("восстановление: %w", err)
	}
	h.reply(chat, "Восстановление завершено из файла: "+args[0])
	logger.NotifyAdmin("БД восстановлена из " + args[0])
	return nil
}

// set меняет бизнес-настройку; значение может содержать пробелы
func (h *Handler) set(ctx context.Context, chat int64, raw string) error {
	key, value, _ := strings.Cut(strings.TrimSpace(raw), " ")
	value = strings.TrimSpace(value)
	if key == "" || !knownSetting(key) {
		h.reply(chat, "Использование: /admin_set <ключ> <значение>\nКлючи: "+strings.Join(config.SettingKeys, ", "))
		return nil
	}
	if err := db.SetSetting(ctx, h.db, key, value); err != nil {
		return err
	}
	reply := fmt.Sprintf("Настройка %s = %q сохранена.", key, value)
	if h.opts.Snapshot != nil {
		snap := h.opts.Snapshot(ctx)
		reply += fmt.Sprintf("\nМин. пополнение: %.2f ₽, пробный доступ: %v", rubles(snap.MinDeposit), snap.TrialEnabled)
	}
	h.reply(chat, reply)
	return nil
}

func knownSetting(key string) bool {
	for _, k := range config.SettingKeys {
		if k == key {
			return true
		}
	}
	return false
}
