package admin

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xuri/excelize/v2"

	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/db/dbtest"
	"VPN-Panel-bot/internal/ledger"
	"VPN-Panel-bot/internal/panel"
	"VPN-Panel-bot/internal/registry"
	"VPN-Panel-bot/internal/services"
)

const adminID int64 = 42

type fakeSender struct {
	sent []tgbotapi.Chattable
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) lastText(t *testing.T) string {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatal("ничего не отправлено")
	}
	msg, ok := f.sent[len(f.sent)-1].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("ожидалось текстовое сообщение, получено %T", f.sent[len(f.sent)-1])
	}
	return msg.Text
}

type fakeStatuses []services.ServerStatus

func (f fakeStatuses) Statuses() []services.ServerStatus { return f }

func command(from int64, text string) *tgbotapi.Message {
	cmd, _, _ := strings.Cut(text, " ")
	return &tgbotapi.Message{
		From:     &tgbotapi.User{ID: from},
		Chat:     &tgbotapi.Chat{ID: from, Type: "private"},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}},
	}
}

func TestReceiptCallback(t *testing.T) {
	tests := []struct {
		desc string
		text string
		want string
		ok   bool
	}{
		{"подтверждение", "/admin_approve 12", "admin_approve_12", true},
		{"отклонение", "/admin_reject 7", "admin_reject_7", true},
		{"без номера", "/admin_approve", "", false},
		{"номер не число", "/admin_approve abc", "", false},
		{"нулевой номер", "/admin_reject 0", "", false},
		{"другая команда", "/admin_stats 1", "", false},
	}
	for _, tt := range tests {
		got, ok := ReceiptCallback(tt.text)
		if got != tt.want || ok != tt.ok {
			t.Errorf("%s: получили (%q, %v), ожидали (%q, %v)", tt.desc, got, ok, tt.want, tt.ok)
		}
	}
}

func TestWriteOrdersXLSX(t *testing.T) {
	planID := uint(1)
	expires := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	orders := []db.Order{
		{
			ID: 5, User: db.User{TelegramID: 777}, PlanID: &planID, Plan: &db.Plan{Name: "Стандарт"},
			Server: &db.Server{Name: "DE-1"}, Status: db.OrderPaid, PaymentMethod: db.PaymentWallet,
			Amount: 90000, DiscountAmount: 10000, PanelUsername: "ivan", ExpiresAt: &expires,
			CreatedAt: time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC),
		},
		{ID: 6, User: db.User{TelegramID: 778}, Source: db.SourceTelegramDeposit, Status: db.OrderPending, Amount: 50000},
	}
	var buf bytes.Buffer
	if err := WriteOrdersXLSX(&buf, orders); err != nil {
		t.Fatalf("WriteOrdersXLSX: %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(ordersSheet)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("ожидали заголовок и 2 строки, получили %d", len(rows))
	}
	if rows[0][0] != "ID" || rows[1][0] != "5" {
		t.Errorf("неожиданные ячейки: %v / %v", rows[0], rows[1])
	}
	if rows[1][4] != "Стандарт" || rows[1][9] != "900" || rows[1][11] != "01.03.2026" {
		t.Errorf("строка покупки: %v", rows[1])
	}
	if rows[2][3] != "пополнение" || rows[2][9] != "500" {
		t.Errorf("строка пополнения: %v", rows[2])
	}
}

func TestCleanOldBackups(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	files := map[string]time.Duration{
		"backup_old.dump":   40 * 24 * time.Hour,
		"autobackup_old.db": 35 * 24 * time.Hour,
		"backup_fresh.dump": 24 * time.Hour,
		"notes_old.txt":     90 * 24 * time.Hour,
	}
	for name, age := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		mt := now.Add(-age)
		if err := os.Chtimes(path, mt, mt); err != nil {
			t.Fatal(err)
		}
	}
	removed, err := CleanOldBackups(dir, 31*24*time.Hour, now)
	if err != nil {
		t.Fatalf("CleanOldBackups: %v", err)
	}
	if removed != 2 {
		t.Errorf("удалено %d, ожидали 2", removed)
	}
	for _, keep := range []string{"backup_fresh.dump", "notes_old.txt"} {
		if _, err := os.Stat(filepath.Join(dir, keep)); err != nil {
			t.Errorf("%s не должен удаляться: %v", keep, err)
		}
	}
}

func TestSQLiteBackup(t *testing.T) {
	gdb := dbtest.Open(t)
	dbtest.MustCreate(t, gdb, &db.User{TelegramID: 1, ReferralCode: "A1"})
	dir := t.TempDir()
	b := NewBackup(gdb, "sqlite:bot.db", dir)

	filename, err := b.Create(context.Background(), "backup")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if filepath.Dir(filename) != dir || !strings.HasSuffix(filename, ".db") {
		t.Errorf("неожиданный путь %s", filename)
	}
	if info, err := os.Stat(filename); err != nil || info.Size() == 0 {
		t.Fatalf("файл бэкапа пустой или отсутствует: %v", err)
	}
	if err := b.Restore(context.Background(), filepath.Base(filename)); err == nil {
		t.Error("восстановление sqlite должно требовать ручной замены файла")
	}
}

func TestRestoreRejectsPath(t *testing.T) {
	b := NewBackup(nil, "postgres://localhost/vpn", t.TempDir())
	for _, name := range []string{"../etc/passwd", "sub/backup.dump", ".."} {
		if err := b.Restore(context.Background(), name); err == nil {
			t.Errorf("%q: ожидалась ошибка", name)
		}
	}
}

func newHandler(t *testing.T) (*Handler, *fakeSender) {
	t.Helper()
	gdb := dbtest.Open(t)
	now := time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)

	user := db.User{TelegramID: 777, FirstName: "Иван", ReferralCode: "REF777", Balance: 12345}
	dbtest.MustCreate(t, gdb, &user)
	plan := db.Plan{Name: "Стандарт", Price: 100000, DurationDays: 30, IsActive: true}
	dbtest.MustCreate(t, gdb, &plan)
	loc := db.Location{Name: "Германия", Flag: "🇩🇪", Slug: "de", IsActive: true}
	dbtest.MustCreate(t, gdb, &loc)
	srv := db.Server{LocationID: loc.ID, Name: "DE-1", IPAddress: "1.2.3.4", Capacity: 10, CurrentUsers: 3, IsActive: true}
	dbtest.MustCreate(t, gdb, &srv)

	expires := now.AddDate(0, 0, 20)
	dbtest.MustCreate(t, gdb, &db.Order{
		UserID: user.ID, PlanID: &plan.ID, ServerID: &srv.ID, Status: db.OrderPaid, Source: db.SourceTelegram,
		PaymentMethod: db.PaymentWallet, Amount: 100000, PanelUsername: "ivan", ExpiresAt: &expires,
		CreatedAt: now.Add(-time.Hour),
	})
	dbtest.MustCreate(t, gdb, &db.Order{
		UserID: user.ID, Status: db.OrderPending, Source: db.SourceTelegramDeposit, PaymentMethod: db.PaymentCard,
		Amount: 50000, CardPaymentReceipt: "photo-1", CreatedAt: now.Add(-time.Minute),
	})

	sender := &fakeSender{}
	statuses := fakeStatuses{{Name: "DE-1", Host: "1.2.3.4", Online: true, LastChecked: now}}
	h := NewHandler(sender, gdb, ledger.New(gdb), registry.New(gdb), statuses, Options{
		AdminID:     adminID,
		DatabaseURL: "sqlite:bot.db",
		BackupDir:   t.TempDir(),
		Now:         func() time.Time { return now },
	})
	return h, sender
}

func TestHandleCommand(t *testing.T) {
	tests := []struct {
		desc string
		text string
		want []string
	}{
		{"статистика", "/admin_stats", []string{"Пользователей: 1", "Активных сервисов: 1", "сегодня: 1000.00 ₽"}},
		{"серверы", "/admin_servers", []string{"DE-1", "3/10", "✅ online"}},
		{"чеки", "/admin_pending", []string{"пополнение", "/admin_approve 2"}},
		{"пользователь", "/admin_user 777", []string{"Иван", "Баланс: 123.45 ₽", "ivan"}},
		{"неизвестный пользователь", "/admin_user 1", []string{"не найден"}},
		{"неизвестная настройка", "/admin_set nope 1", []string{"Использование"}},
		{"настройка", "/admin_set payment_card_holder_name Иван Иванов", []string{`"Иван Иванов" сохранена`}},
		{"справка", "/admin_whatever", []string{"Команды администратора"}},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			h, sender := newHandler(t)
			h.HandleCommand(context.Background(), command(adminID, tt.text))
			text := sender.lastText(t)
			for _, w := range tt.want {
				if !strings.Contains(text, w) {
					t.Errorf("в ответе нет %q:\n%s", w, text)
				}
			}
		})
	}
}

func TestHandleCommandIgnoresStrangers(t *testing.T) {
	h, sender := newHandler(t)
	h.HandleCommand(context.Background(), command(777, "/admin_stats"))
	if len(sender.sent) != 0 {
		t.Errorf("чужая команда не должна обрабатываться, отправлено %d", len(sender.sent))
	}
}

func TestSetSettingPersists(t *testing.T) {
	h, _ := newHandler(t)
	h.HandleCommand(context.Background(), command(adminID, "/admin_set min_deposit_amount 20000"))
	settings, err := db.LoadSettings(context.Background(), h.db)
	if err != nil {
		t.Fatal(err)
	}
	if settings["min_deposit_amount"] != "20000" {
		t.Errorf("настройка не сохранена: %v", settings)
	}
}

func TestExportSendsDocument(t *testing.T) {
	h, sender := newHandler(t)
	h.HandleCommand(context.Background(), command(adminID, "/admin_export 7"))
	if len(sender.sent) != 1 {
		t.Fatalf("ожидали один документ, отправлено %d", len(sender.sent))
	}
	doc, ok := sender.sent[0].(tgbotapi.DocumentConfig)
	if !ok {
		t.Fatalf("ожидался документ, получено %T", sender.sent[0])
	}
	if !strings.Contains(doc.Caption, "Заказы за 7 дн.: 2") {
		t.Errorf("подпись: %q", doc.Caption)
	}
}

type fakePanel struct {
	accounts  []panel.Account
	verifyErr error
}

func (f *fakePanel) Mode() panel.LinkMode { return panel.LinkSingle }

func (f *fakePanel) CreateAccount(context.Context, panel.AccountSpec) (panel.Account, error) {
	return panel.Account{}, errors.New("not used")
}

func (f *fakePanel) UpdateAccount(context.Context, panel.Account, panel.AccountSpec) error { return nil }

func (f *fakePanel) ResetUsage(context.Context, panel.Account) error { return nil }

func (f *fakePanel) ListAccounts(context.Context) ([]panel.Account, error) { return f.accounts, nil }

func (f *fakePanel) Link(context.Context, panel.Account, string) (string, error) { return "", nil }

func (f *fakePanel) Verify(context.Context) error { return f.verifyErr }

type fakeGateways struct{ gw panel.Gateway }

func (f fakeGateways) ForServer(*db.Server) (panel.Gateway, error) { return f.gw, nil }

func TestSyncServer(t *testing.T) {
	tests := []struct {
		desc   string
		text   string
		panel  *fakePanel
		want   []string
		absent []string
	}{
		{
			desc:   "всё сходится",
			text:   "/admin_sync 1",
			panel:  &fakePanel{accounts: []panel.Account{{Username: "ivan"}}},
			want:   []string{"✅ инбаунд на месте", "На панели: 1, оплачено в базе: 1"},
			absent: []string{"Нет на панели", "Без заказа"},
		},
		{
			desc:  "аккаунт остался после сбоя выдачи",
			text:  "/admin_sync 1",
			panel: &fakePanel{accounts: []panel.Account{{Username: "ivan"}, {Username: "lost1"}}},
			want:  []string{"Без заказа (1):", "• lost1"},
		},
		{
			desc:  "нет ни инбаунда, ни клиента",
			text:  "/admin_sync 1",
			panel: &fakePanel{verifyErr: errors.New("xui: inbound 7 not found")},
			want:  []string{"❌ xui: inbound 7 not found", "Нет на панели (1):", "• ivan"},
		},
		{desc: "неизвестный сервер", text: "/admin_sync 99", panel: &fakePanel{}, want: []string{"Сервер #99 не найден"}},
		{desc: "без аргумента", text: "/admin_sync", panel: &fakePanel{}, want: []string{"Использование"}},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			h, sender := newHandler(t)
			h.opts.Gateways = fakeGateways{gw: tt.panel}
			h.HandleCommand(context.Background(), command(adminID, tt.text))
			text := sender.lastText(t)
			for _, w := range tt.want {
				if !strings.Contains(text, w) {
					t.Errorf("в ответе нет %q:\n%s", w, text)
				}
			}
			for _, w := range tt.absent {
				if strings.Contains(text, w) {
					t.Errorf("в ответе лишнее %q:\n%s", w, text)
				}
			}
		})
	}
}

func TestSyncWithoutPanels(t *testing.T) {
	h, sender := newHandler(t)
	h.HandleCommand(context.Background(), command(adminID, "/admin_sync 1"))
	if text := sender.lastText(t); !strings.Contains(text, "Панели не настроены") {
		t.Errorf("got %q", text)
	}
}
