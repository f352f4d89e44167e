package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"gorm.io/gorm"

	"VPN-Panel-bot/config"
	"VPN-Panel-bot/internal/common"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/db/dbtest"
	"VPN-Panel-bot/internal/ledger"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

type fakeServers []db.Server

func (f fakeServers) Servers(context.Context) ([]db.Server, error) { return f, nil }

func TestStatusChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	openPort := ln.Addr().(*net.TCPAddr).Port

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closedPort := closed.Addr().(*net.TCPAddr).Port
	closed.Close()

	c := NewStatusChecker(fakeServers{
		{ID: 1, Name: "up", IPAddress: "127.0.0.1", Port: openPort, IsActive: true},
		{ID: 2, Name: "down", IPAddress: "127.0.0.1", Port: closedPort, IsActive: true},
		{ID: 3, Name: "off", IPAddress: "127.0.0.1", Port: openPort, IsActive: false},
	})
	c.Refresh(context.Background())

	got := map[string]bool{}
	for _, s := range c.Statuses() {
		got[s.Name] = s.Online
	}
	if len(got) != 2 {
		t.Fatalf("выключенный сервер не проверяется, получили %v", got)
	}
	if !got["up"] || got["down"] {
		t.Errorf("неверные статусы: %v", got)
	}
}

type serviceFixture struct {
	gdb  *gorm.DB
	user db.User
	plan db.Plan
	now  time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{gdb: dbtest.Open(t), now: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
	f.user = db.User{TelegramID: 555, ReferralCode: "R555"}
	dbtest.MustCreate(t, f.gdb, &f.user)
	f.plan = db.Plan{Name: "Месяц", Price: 100000, DurationDays: 30, IsActive: true}
	dbtest.MustCreate(t, f.gdb, &f.plan)
	return f
}

func (f *serviceFixture) service(t *testing.T, name string, expires time.Time) db.Order {
	t.Helper()
	o := db.Order{
		UserID: f.user.ID, PlanID: &f.plan.ID, Status: db.OrderPaid, Source: db.SourceTelegram,
		PanelUsername: name, ExpiresAt: &expires,
	}
	dbtest.MustCreate(t, f.gdb, &o)
	return o
}

func TestNotifyExpiring(t *testing.T) {
	f := newServiceFixture(t)
	f.service(t, "soon", f.now.Add(48*time.Hour))
	f.service(t, "later", f.now.AddDate(0, 0, 10))
	f.service(t, "gone", f.now.Add(-time.Hour))

	sender := &fakeSender{}
	n := NewNotifier(sender, f.gdb)
	n.now = func() time.Time { return f.now }

	sent, err := n.NotifyExpiring(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if sent != 1 || len(sender.sent) != 1 || !strings.Contains(sender.sent[0].Text, "soon") {
		t.Fatalf("ожидали одно напоминание про soon, получили %d: %+v", sent, sender.sent)
	}
	if sender.sent[0].ChatID != 555 {
		t.Errorf("напоминание ушло не тому: %d", sender.sent[0].ChatID)
	}

	// повторный запуск не дублирует напоминание
	sent, err = n.NotifyExpiring(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if sent != 0 {
		t.Errorf("повторное напоминание: %d", sent)
	}

	sent, err = n.NotifyExpired(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sent != 1 || !strings.Contains(sender.sent[len(sender.sent)-1].Text, "gone") {
		t.Errorf("ожидали уведомление об истечении gone, получили %d", sent)
	}
}

func TestRenewalResetsExpiryNotice(t *testing.T) {
	f := newServiceFixture(t)
	o := f.service(t, "renewed", f.now.Add(24*time.Hour))
	sender := &fakeSender{}
	n := NewNotifier(sender, f.gdb)
	n.now = func() time.Time { return f.now }

	if _, err := n.NotifyExpiring(context.Background(), 3); err != nil {
		t.Fatal(err)
	}
	// продление до срока, который снова попадает в окно
	if err := ledger.New(f.gdb).ExtendExpiry(context.Background(), o.ID, f.now.Add(60*time.Hour)); err != nil {
		t.Fatal(err)
	}
	sent, err := n.NotifyExpiring(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if sent != 1 {
		t.Errorf("после продления напоминание должно прийти снова, получили %d", sent)
	}
}

func TestSweepStaleOrders(t *testing.T) {
	f := newServiceFixture(t)
	old := f.now.Add(-72 * time.Hour)
	orders := []db.Order{
		{UserID: f.user.ID, Status: db.OrderPending, Amount: 100, CreatedAt: old},
		{UserID: f.user.ID, Status: db.OrderPending, Amount: 100, CreatedAt: old, CardPaymentReceipt: "photo"},
		{UserID: f.user.ID, Status: db.OrderPending, Amount: 100, CreatedAt: old, ExternalPaymentID: "pay-1"},
		{UserID: f.user.ID, Status: db.OrderPending, Amount: 100, CreatedAt: f.now.Add(-time.Hour)},
	}
	for i := range orders {
		dbtest.MustCreate(t, f.gdb, &orders[i])
	}

	n, err := SweepStaleOrders(context.Background(), f.gdb, ledger.New(f.gdb), 48*time.Hour, f.now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("ожидали 1 брошенный заказ, получили %d", n)
	}
	want := []string{db.OrderFailed, db.OrderPending, db.OrderPending, db.OrderPending}
	for i, o := range orders {
		var got db.Order
		if err := f.gdb.First(&got, o.ID).Error; err != nil {
			t.Fatal(err)
		}
		if got.Status != want[i] {
			t.Errorf("заказ %d: статус %s, ожидали %s", i, got.Status, want[i])
		}
	}
}

func TestYooKassaCreatePayment(t *testing.T) {
	var gotKey, gotUser string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotence-Key")
		gotUser, _, _ = r.BasicAuth()
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"pay-42","status":"pending","confirmation":{"confirmation_url":"https://pay.example/42"}}`))
	}))
	defer srv.Close()

	y := NewYooKassa("shop", "secret", "https://t.me/vpn_bot")
	y.apiURL = srv.URL
	id, url, err := y.CreatePayment(context.Background(), 7, 150050, "Пополнение")
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if id != "pay-42" || url != "https://pay.example/42" {
		t.Errorf("получили %s %s", id, url)
	}
	if gotKey == "" || gotUser != "shop" {
		t.Errorf("нет Idempotence-Key или basic auth: %q %q", gotKey, gotUser)
	}
	amount := gotBody["amount"].(map[string]interface{})
	if amount["value"] != "1500.50" {
		t.Errorf("сумма %v, ожидали 1500.50", amount["value"])
	}
}

func TestYooKassaError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	y := NewYooKassa("shop", "bad", "")
	y.apiURL = srv.URL
	if _, _, err := y.CreatePayment(context.Background(), 1, 100, ""); err == nil {
		t.Error("ожидалась ошибка на 401")
	}
}

type fakeConfirmer struct {
	order *db.Order
	err   error
	calls []string
}

func (f *fakeConfirmer) ConfirmOnlineDeposit(_ context.Context, _ config.Snapshot, paymentID string) (*db.Order, error) {
	f.calls = append(f.calls, paymentID)
	return f.order, f.err
}

func sign(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func TestWebhookHandler(t *testing.T) {
	gdb := dbtest.Open(t)
	user := db.User{TelegramID: 321, ReferralCode: "W1", Balance: 70000}
	dbtest.MustCreate(t, gdb, &user)
	succeeded := []byte(`{"event":"payment.succeeded","object":{"id":"pay-1","status":"succeeded"}}`)
	canceled := []byte(`{"event":"payment.canceled","object":{"id":"pay-2","status":"canceled"}}`)

	tests := []struct {
		desc       string
		body       []byte
		signature  string
		confirmErr error
		wantCode   int
		wantCalls  int
		wantNotify bool
	}{
		{"успешный платёж", succeeded, sign("s3cret", succeeded), nil, http.StatusOK, 1, true},
		{"повтор уведомления", succeeded, sign("s3cret", succeeded), common.ErrConcurrentCapture, http.StatusOK, 1, false},
		{"неизвестный платёж", succeeded, sign("s3cret", succeeded), common.ErrOrderNotFound, http.StatusOK, 1, false},
		{"временная ошибка", succeeded, sign("s3cret", succeeded), context.DeadlineExceeded, http.StatusInternalServerError, 1, false},
		{"плохая подпись", succeeded, "deadbeef", nil, http.StatusUnauthorized, 0, false},
		{"отменённый платёж", canceled, sign("s3cret", canceled), nil, http.StatusOK, 0, false},
	}
	for _, tt := range tests {
		confirmer := &fakeConfirmer{err: tt.confirmErr, order: &db.Order{ID: 9, UserID: user.ID, Amount: 50000}}
		if tt.confirmErr != nil {
			confirmer.order = nil
		}
		sender := &fakeSender{}
		h := WebhookHandler(WebhookDeps{
			Secret:   "s3cret",
			DB:       gdb,
			Deposits: confirmer,
			Snapshot: func(context.Context) config.Snapshot { return config.Snapshot{} },
			Bot:      sender,
		})
		req := httptest.NewRequest(http.MethodPost, "/yookassa/webhook", strings.NewReader(string(tt.body)))
		req.Header.Set("Content-Yoomoney-Signature", tt.signature)
		rec := httptest.NewRecorder()
		h(rec, req)

		if rec.Code != tt.wantCode {
			t.Errorf("%s: код %d, ожидали %d", tt.desc, rec.Code, tt.wantCode)
		}
		if len(confirmer.calls) != tt.wantCalls {
			t.Errorf("%s: зачислений %d, ожидали %d", tt.desc, len(confirmer.calls), tt.wantCalls)
		}
		if got := len(sender.sent) > 0; got != tt.wantNotify {
			t.Errorf("%s: уведомление %v, ожидали %v", tt.desc, got, tt.wantNotify)
		}
		if tt.wantNotify && !strings.Contains(sender.sent[0].Text, "500.00 ₽") {
			t.Errorf("%s: текст уведомления %q", tt.desc, sender.sent[0].Text)
		}
	}
}

func TestCheckYooKassaSignature(t *testing.T) {
	body := []byte(`{"test":"data"}`)
	calc := sign("testsecret", body)

	tests := []struct {
		desc        string
		secret      string
		authHeader  string
		yoomoneyHdr string
		want        bool
	}{
		{"подпись в Authorization", "testsecret", "HMAC " + calc, "", true},
		{"схема HMAC-SHA256", "testsecret", "HMAC-SHA256 " + calc, "", true},
		{"подпись в верхнем регистре", "testsecret", "HMAC " + strings.ToUpper(calc), "", true},
		{"заголовок Yoomoney", "testsecret", "", calc, true},
		{"Bearer вместо HMAC", "testsecret", "Bearer " + calc, "", false},
		{"неверная подпись", "testsecret", "HMAC wrong", "", false},
		{"неверный Yoomoney", "testsecret", "", "wrong", false},
		{"нет заголовков", "testsecret", "", "", false},
		{"пустой секрет", "", "", sign("", body), false},
	}
	for _, tt := range tests {
		if got := checkYooKassaSignature(tt.secret, body, tt.authHeader, tt.yoomoneyHdr); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.desc, got, tt.want)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	for in, want := range map[int64]string{100: "1.00", 150050: "1500.50", 7: "0.07"} {
		if got := formatAmount(in); got != want {
			t.Errorf("formatAmount(%s): %s, ожидали %s", strconv.FormatInt(in, 10), got, want)
		}
	}
}
