package fulfillment

import (
	"context"
	"errors"
	"testing"
	"time"

	"VPN-Panel-bot/internal/common"
	"VPN-Panel-bot/internal/db"
)

func TestRenewalBase(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	past := now.AddDate(0, 0, -10)
	future := now.AddDate(0, 0, 5)
	tests := []struct {
		desc    string
		expires *time.Time
		want    time.Time
	}{
		{"истёкший сервис", &past, now},
		{"действующий сервис", &future, future},
		{"без срока", nil, now},
	}
	for _, tt := range tests {
		if got := RenewalBase(now, tt.expires); !got.Equal(tt.want) {
			t.Errorf("%s: got %v, want %v", tt.desc, got, tt.want)
		}
	}
}

func TestRenewWithWallet(t *testing.T) {
	tests := []struct {
		desc    string
		expires time.Duration
		want    func(now time.Time) time.Time
	}{
		{"истёкший: от текущего момента", -10 * 24 * time.Hour, func(now time.Time) time.Time { return now.AddDate(0, 0, 30) }},
		{"действующий: от старого срока", 5 * 24 * time.Hour, func(now time.Time) time.Time { return now.Add(5*24*time.Hour).AddDate(0, 0, 30) }},
	}
	for _, tt := range tests {
		e := newEnv(t, 150000)
		orig := e.service(t, e.now.Add(tt.expires))

		got, err := e.orch.Renew(context.Background(), e.snap, e.user.ID, orig.ID, db.PaymentWallet)
		if err != nil {
			t.Fatalf("%s: %v", tt.desc, err)
		}
		want := tt.want(e.now)
		saved := e.order(t, orig.ID)
		if saved.ExpiresAt == nil || !near(*saved.ExpiresAt, want) || !near(*got.ExpiresAt, want) {
			t.Errorf("%s: expires got %v, want %v", tt.desc, saved.ExpiresAt, want)
		}
		if b := e.balance(t); b != 50000 {
			t.Errorf("%s: balance got %d, want 50000", tt.desc, b)
		}
		if len(e.gw.updated) != 1 || e.gw.resets != 1 {
			t.Errorf("%s: updated=%d resets=%d", tt.desc, len(e.gw.updated), e.gw.resets)
		}
		var renewals []db.Order
		e.gdb.Where("renews_order_id = ?", orig.ID).Find(&renewals)
		if len(renewals) != 1 || renewals[0].Status != db.OrderPaid || renewals[0].Amount != 100000 {
			t.Errorf("%s: renewal rows %+v", tt.desc, renewals)
		}
		if saved.ConfigDetails != orig.ConfigDetails {
			t.Errorf("%s: ссылка не должна меняться", tt.desc)
		}
	}
}

func TestRenewFailureKeepsExpiry(t *testing.T) {
	e := newEnv(t, 150000)
	e.gw.updateErr = errors.New("client not found")
	expires := e.now.Add(48 * time.Hour)
	orig := e.service(t, expires)

	_, err := e.orch.Renew(context.Background(), e.snap, e.user.ID, orig.ID, db.PaymentWallet)
	if !errors.Is(err, common.ErrProvisioningFailed) {
		t.Fatalf("got %v", err)
	}
	if b := e.balance(t); b != 150000 {
		t.Errorf("balance: got %d, want 150000", b)
	}
	var n int64
	e.gdb.Model(&db.Order{}).Where("renews_order_id = ?", orig.ID).Count(&n)
	if n != 0 {
		t.Errorf("строка продления должна удаляться")
	}
	if saved := e.order(t, orig.ID); !near(*saved.ExpiresAt, expires) {
		t.Errorf("срок исходного заказа изменился: %v", saved.ExpiresAt)
	}
}

func TestRenewResetFailureIsNotFatal(t *testing.T) {
	e := newEnv(t, 150000)
	e.gw.resetErr = errors.New("reset endpoint missing")
	orig := e.service(t, e.now.Add(time.Hour))

	if _, err := e.orch.Renew(context.Background(), e.snap, e.user.ID, orig.ID, db.PaymentWallet); err != nil {
		t.Fatalf("сбой сброса трафика не должен отменять продление: %v", err)
	}
	if b := e.balance(t); b != 50000 {
		t.Errorf("balance: got %d", b)
	}
}

func TestRenewInsufficientBalance(t *testing.T) {
	e := newEnv(t, 1000)
	orig := e.service(t, e.now.Add(time.Hour))
	if _, err := e.orch.Renew(context.Background(), e.snap, e.user.ID, orig.ID, db.PaymentWallet); !errors.Is(err, common.ErrInsufficientBalance) {
		t.Errorf("got %v", err)
	}
	if len(e.gw.updated) != 0 {
		t.Errorf("панель не должна вызываться")
	}
}

func TestRenewByCardReceipt(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	orig := e.service(t, e.now.Add(-time.Hour))

	renewal, err := e.orch.Renew(ctx, e.snap, e.user.ID, orig.ID, db.PaymentCard)
	if err != nil {
		t.Fatal(err)
	}
	if renewal.Status != db.OrderPending || renewal.RenewsOrderID == nil || *renewal.RenewsOrderID != orig.ID {
		t.Fatalf("renewal: %+v", renewal)
	}
	if _, err := e.orch.SubmitReceipt(ctx, e.user.ID, renewal.ID, "photo-1"); err != nil {
		t.Fatal(err)
	}
	got, err := e.orch.ApproveReceipt(ctx, e.snap, renewal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != orig.ID || !near(*got.ExpiresAt, e.now.AddDate(0, 0, 30)) {
		t.Errorf("approved renewal: %+v", got)
	}
	if b := e.balance(t); b != 0 {
		t.Errorf("оплата картой не должна трогать кошелёк, balance %d", b)
	}
}

func TestRenewForeignOrUnpaid(t *testing.T) {
	e := newEnv(t, 150000)
	ctx := context.Background()
	orig := e.service(t, e.now.Add(time.Hour))

	if _, err := e.orch.Renew(ctx, e.snap, e.user.ID+100, orig.ID, db.PaymentWallet); !errors.Is(err, common.ErrOrderNotFound) {
		t.Errorf("чужой заказ: got %v", err)
	}
	pending := e.purchase(t, "other1")
	if _, err := e.orch.Renew(ctx, e.snap, e.user.ID, pending.ID, db.PaymentWallet); !errors.Is(err, common.ErrOrderNotFound) {
		t.Errorf("неоплаченный заказ: got %v", err)
	}
}

func TestPendingRenewalDoubleTap(t *testing.T) {
	e := newEnv(t, 300000)
	ctx := context.Background()
	orig := e.service(t, e.now.Add(48*time.Hour))

	first, err := e.orch.PendingRenewal(ctx, e.user.ID, orig.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.orch.PendingRenewal(ctx, e.user.ID, orig.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("открытая строка продления должна переиспользоваться: %d vs %d", first.ID, second.ID)
	}

	if _, err := e.orch.PayWithWallet(ctx, e.snap, e.user.ID, first.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.orch.PayWithWallet(ctx, e.snap, e.user.ID, first.ID); !errors.Is(err, common.ErrConcurrentCapture) {
		t.Errorf("повторная оплата: got %v", err)
	}
	if b := e.balance(t); b != 200000 {
		t.Errorf("balance: got %d, want 200000", b)
	}
	if len(e.gw.updated) != 1 {
		t.Errorf("панель продлена %d раз", len(e.gw.updated))
	}
	want := e.now.Add(48*time.Hour).AddDate(0, 0, 30)
	if saved := e.order(t, orig.ID); !near(*saved.ExpiresAt, want) {
		t.Errorf("expires: got %v, want %v", saved.ExpiresAt, want)
	}
}

func TestRenewalsShareServiceLock(t *testing.T) {
	e := newEnv(t, 300000)
	ctx := context.Background()
	orig := e.service(t, e.now.Add(time.Hour))

	byCard, err := e.orch.Renew(ctx, e.snap, e.user.ID, orig.ID, db.PaymentCard)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.orch.SubmitReceipt(ctx, e.user.ID, byCard.ID, "photo-1"); err != nil {
		t.Fatal(err)
	}

	// пока идёт продление кошельком, чек по тому же сервису ждёт
	unlock, ok, err := e.orch.locker.TryLock(ctx, renewKey(orig.ID), time.Minute)
	if err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}
	if _, err := e.orch.ApproveReceipt(ctx, e.snap, byCard.ID); !errors.Is(err, common.ErrConcurrentCapture) {
		t.Errorf("чек при занятом сервисе: got %v", err)
	}
	if saved := e.order(t, byCard.ID); saved.Status != db.OrderPending {
		t.Errorf("строка продления должна остаться pending, got %s", saved.Status)
	}
	unlock()

	if _, err := e.orch.ApproveReceipt(ctx, e.snap, byCard.ID); err != nil {
		t.Fatalf("после снятия блокировки: %v", err)
	}
}
