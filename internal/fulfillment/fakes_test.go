package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Panel-bot/config"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/db/dbtest"
	"VPN-Panel-bot/internal/events"
	"VPN-Panel-bot/internal/ledger"
	"VPN-Panel-bot/internal/panel"
	"VPN-Panel-bot/internal/registry"
)

type fakeGateway struct {
	mu        sync.Mutex
	createErr error
	updateErr error
	resetErr  error
	linkErr   error
	mode      panel.LinkMode
	// hang: ждать отмены контекста вместо ответа
	hang    bool
	created []panel.AccountSpec
	updated []panel.AccountSpec
	resets  int
}

func (g *fakeGateway) Mode() panel.LinkMode {
	if g.mode == "" {
		return panel.LinkSingle
	}
	return g.mode
}

func (g *fakeGateway) CreateAccount(ctx context.Context, spec panel.AccountSpec) (panel.Account, error) {
	if g.hang {
		<-ctx.Done()
		return panel.Account{}, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return panel.Account{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return panel.Account{}, g.createErr
	}
	g.created = append(g.created, spec)
	return panel.Account{Username: spec.Username, ClientID: "client-" + spec.Username, SubID: "sub", InboundID: 1}, nil
}

func (g *fakeGateway) UpdateAccount(ctx context.Context, acc panel.Account, spec panel.AccountSpec) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.updateErr != nil {
		return g.updateErr
	}
	g.updated = append(g.updated, spec)
	return nil
}

func (g *fakeGateway) ResetUsage(ctx context.Context, acc panel.Account) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resetErr != nil {
		return g.resetErr
	}
	g.resets++
	return nil
}

func (g *fakeGateway) ListAccounts(ctx context.Context) ([]panel.Account, error) {
	return nil, nil
}

func (g *fakeGateway) Link(ctx context.Context, acc panel.Account, remark string) (string, error) {
	if g.linkErr != nil {
		return "", g.linkErr
	}
	return fmt.Sprintf("vless://%s@1.2.3.4:443#%s", acc.ClientID, remark), nil
}

func (g *fakeGateway) createdCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.created)
}

type fakeGateways struct {
	gw *fakeGateway
}

func (f fakeGateways) ForServer(*db.Server) (panel.Gateway, error) { return f.gw, nil }

type recordPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordPublisher) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordPublisher) Close() {}

func (r *recordPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type env struct {
	gdb     *gorm.DB
	orch    *Orchestrator
	gw      *fakeGateway
	pub     *recordPublisher
	alerts  []string
	notices []string
	now     time.Time
	snap    config.Snapshot
	user    db.User
	plan    db.Plan
	loc     db.Location
	server  db.Server
}

func newEnv(t *testing.T, balance int64) *env {
	t.Helper()
	gdb := dbtest.Open(t)
	e := &env{
		gdb: gdb,
		gw:  &fakeGateway{},
		pub: &recordPublisher{},
		now: time.Now(),
		snap: config.Snapshot{
			MinDeposit:         10000,
			TrialEnabled:       true,
			TrialLimit:         1,
			TrialVolumeMB:      500,
			TrialDurationHours: 24,
			PanelTimeout:       2 * time.Second,
			CaptureTimeout:     5 * time.Second,
		},
	}
	e.user = db.User{TelegramID: 777, FirstName: "Иван", ReferralCode: "REF777", Balance: balance}
	dbtest.MustCreate(t, gdb, &e.user)
	e.plan = db.Plan{Name: "1 месяц", Price: 100000, DurationDays: 30, VolumeGB: 50, IsActive: true}
	dbtest.MustCreate(t, gdb, &e.plan)
	e.loc = db.Location{Name: "Германия", Slug: "de", IsActive: true}
	dbtest.MustCreate(t, gdb, &e.loc)
	e.server = db.Server{LocationID: e.loc.ID, Name: "DE-1", IPAddress: "1.2.3.4", Capacity: 10, IsActive: true}
	dbtest.MustCreate(t, gdb, &e.server)
	e.setUsers(t, 3)

	e.orch = New(gdb, ledger.New(gdb), registry.New(gdb), fakeGateways{gw: e.gw}, Options{
		Events: e.pub,
		Alert:  func(msg string, _ ...zap.Field) { e.alerts = append(e.alerts, msg) },
		Notice: func(msg string) { e.notices = append(e.notices, msg) },
		Now:    func() time.Time { return e.now },
	})
	return e
}

func (e *env) setUsers(t *testing.T, n int) {
	t.Helper()
	if err := e.gdb.Model(&db.Server{}).Where("id = ?", e.server.ID).UpdateColumn("current_users", n).Error; err != nil {
		t.Fatal(err)
	}
}

func (e *env) currentUsers(t *testing.T) int {
	t.Helper()
	var s db.Server
	if err := e.gdb.First(&s, e.server.ID).Error; err != nil {
		t.Fatal(err)
	}
	return s.CurrentUsers
}

func (e *env) balance(t *testing.T) int64 {
	t.Helper()
	u, err := db.GetUser(context.Background(), e.gdb, e.user.ID)
	if err != nil {
		t.Fatal(err)
	}
	return u.Balance
}

func (e *env) order(t *testing.T, id uint) db.Order {
	t.Helper()
	var o db.Order
	if err := e.gdb.First(&o, id).Error; err != nil {
		t.Fatal(err)
	}
	return o
}

func (e *env) transactions(t *testing.T) []db.Transaction {
	t.Helper()
	var txs []db.Transaction
	if err := e.gdb.Where("user_id = ?", e.user.ID).Order("id asc").Find(&txs).Error; err != nil {
		t.Fatal(err)
	}
	return txs
}

// purchase: pending-заказ на сервер в локации
func (e *env) purchase(t *testing.T, username string) *db.Order {
	t.Helper()
	o, err := e.orch.Purchase(context.Background(), e.user.ID, e.plan.ID, username, &e.loc.ID)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

// service: уже выданный сервис с заданным сроком
func (e *env) service(t *testing.T, expiresAt time.Time) db.Order {
	t.Helper()
	o := db.Order{
		UserID:        e.user.ID,
		PlanID:        &e.plan.ID,
		ServerID:      &e.server.ID,
		Status:        db.OrderPaid,
		Source:        db.SourceTelegram,
		PaymentMethod: db.PaymentWallet,
		Amount:        e.plan.Price,
		PanelUsername: "myvpn1",
		ExpiresAt:     &expiresAt,
	}
	dbtest.MustCreate(t, e.gdb, &o)
	return o
}

// failRefunds ломает запись возвратов, чтобы проверить алерт
func failRefunds(gdb *gorm.DB) {
	gdb.Callback().Create().Before("gorm:create").Register("test:fail_refund", func(tx *gorm.DB) {
		if t, ok := tx.Statement.Dest.(*db.Transaction); ok && t.Type == db.TxRefund {
			tx.AddError(errors.New("disk full"))
		}
	})
}

func near(a, b time.Time) bool {
	d := a.Sub(b)
	return d < 2*time.Second && d > -2*time.Second
}
