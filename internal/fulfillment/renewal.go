package fulfillment

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"VPN-Panel-bot/config"
	"VPN-Panel-bot/internal/common"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/events"
	"VPN-Panel-bot/internal/ledger"
	"VPN-Panel-bot/internal/lock"
	"VPN-Panel-bot/internal/logger"
	"VPN-Panel-bot/internal/panel"
)

// RenewalBase: новый срок отсчитывается от max(now, expires_at)
func RenewalBase(now time.Time, expiresAt *time.Time) time.Time {
	if expiresAt != nil && expiresAt.After(now) {
		return *expiresAt
	}
	return now
}

// Renew продлевает выданный сервис через pending-строку продления.
// card: строка возвращается для оплаты чеком; wallet: та же строка сразу
// оплачивается кошельком через PayWithWallet.
func (o *Orchestrator) Renew(ctx context.Context, snap config.Snapshot, userID, originalID uint, method string) (*db.Order, error) {
	renewal, err := o.PendingRenewal(ctx, userID, originalID)
	if err != nil {
		return nil, err
	}
	if method != db.PaymentWallet {
		return renewal, nil
	}
	return o.PayWithWallet(ctx, snap, userID, renewal.ID)
}

// PendingRenewal возвращает открытую строку продления сервиса или создаёт новую.
// Кнопки оплаты несут id этой строки, поэтому повторное нажатие
// упирается в переход pending → paid и второй раз не списывает.
func (o *Orchestrator) PendingRenewal(ctx context.Context, userID, originalID uint) (*db.Order, error) {
	original, err := o.renewable(ctx, userID, originalID)
	if err != nil {
		return nil, err
	}
	plan, err := db.FindActivePlan(ctx, o.db, *original.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("plan %d: %w", *original.PlanID, common.ErrPlanNotFound)
	}

	renewal, err := o.ledger.OpenRenewal(ctx, original.ID, plan)
	if err != nil {
		return nil, err
	}
	if renewal == nil {
		renewal = &db.Order{
			UserID:        userID,
			PlanID:        &plan.ID,
			ServerID:      original.ServerID,
			Source:        db.SourceTelegramRenewal,
			Amount:        plan.Price,
			PanelUsername: original.PanelUsername,
			RenewsOrderID: &original.ID,
		}
		if err := o.ledger.CreatePending(ctx, renewal); err != nil {
			return nil, err
		}
	}
	renewal.Plan = plan
	return renewal, nil
}

// renewable: оплаченная покупка пользователя с тарифом
func (o *Orchestrator) renewable(ctx context.Context, userID, originalID uint) (*db.Order, error) {
	original, err := o.ledger.UserOrder(ctx, userID, originalID)
	if err != nil {
		return nil, err
	}
	if original.Status != db.OrderPaid || original.IsRenewal() || original.PlanID == nil {
		return nil, fmt.Errorf("order %d is not a renewable service: %w", originalID, common.ErrOrderNotFound)
	}
	return original, nil
}

// captureRenewal закрывает pending-строку продления (кошелёк или подтверждённый чек).
// Вызывается под блокировкой renewKey исходного заказа, см. unitFor.
func (o *Orchestrator) captureRenewal(ctx context.Context, snap config.Snapshot, renewal *db.Order, opts ledger.CaptureOpts) (*db.Order, error) {
	original, err := o.ledger.Order(ctx, *renewal.RenewsOrderID)
	if err != nil {
		return nil, err
	}
	if original.Status != db.OrderPaid {
		return nil, fmt.Errorf("order %d is no longer active: %w", original.ID, common.ErrOrderNotFound)
	}
	captured, err := o.ledger.Capture(ctx, renewal.ID, renewal.UserID, opts)
	if err != nil {
		return nil, err
	}
	captured.Plan = renewal.Plan
	return o.finishRenewal(ctx, snap, original, captured)
}

// finishRenewal продлевает аккаунт на панели; при сбое строка продления удаляется,
// деньги возвращаются на кошелёк, срок исходного заказа не меняется.
func (o *Orchestrator) finishRenewal(ctx context.Context, snap config.Snapshot, original, renewal *db.Order) (*db.Order, error) {
	plan := renewal.Plan
	newExpiry := RenewalBase(o.now(), original.ExpiresAt).AddDate(0, 0, plan.DurationDays)

	if err := o.extendAccount(ctx, snap, original, plan, newExpiry); err != nil {
		return nil, o.compensateRenewal(ctx, renewal, err)
	}
	if err := o.ledger.ExtendExpiry(ctx, original.ID, newExpiry); err != nil {
		return nil, o.compensateRenewal(ctx, renewal, fmt.Errorf("%w: save expiry: %w", common.ErrProvisioningFailed, err))
	}
	original.ExpiresAt = &newExpiry
	o.events.Publish(ctx, events.Event{
		Type:     events.OrderRenewed,
		OrderID:  original.ID,
		UserID:   original.UserID,
		ServerID: serverID(original),
		Amount:   renewal.Amount,
	})
	logger.Info("service renewed",
		zap.Uint("order_id", original.ID), zap.Uint("renewal_id", renewal.ID), zap.Time("expires_at", newExpiry))
	return original, nil
}

func (o *Orchestrator) extendAccount(ctx context.Context, snap config.Snapshot, original *db.Order, plan *db.Plan, expiresAt time.Time) error {
	gw, err := o.gateways.ForServer(original.Server)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrProvisioningFailed, err)
	}
	pctx, cancel := context.WithTimeout(ctx, snap.PanelTimeout)
	defer cancel()

	acc := panel.AccountFromMeta(original.PanelMeta, original.PanelUsername)
	spec := panel.AccountSpec{
		Username:   original.PanelUsername,
		QuotaBytes: int64(plan.VolumeGB) * panel.GiB,
		ExpiresAt:  expiresAt,
	}
	if err := gw.UpdateAccount(pctx, acc, spec); err != nil {
		return fmt.Errorf("%w: %w", common.ErrProvisioningFailed, err)
	}
	// срок уже продлён; несброшенный трафик не повод возвращать деньги
	if err := gw.ResetUsage(pctx, acc); err != nil {
		logger.Warn("reset usage after renewal failed", zap.Uint("order_id", original.ID), zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) compensateRenewal(ctx context.Context, renewal *db.Order, cause error) error {
	fields := []zap.Field{
		zap.Uint("renewal_id", renewal.ID),
		zap.Uint("order_id", *renewal.RenewsOrderID),
		zap.Uint("user_id", renewal.UserID),
		zap.Uint("server_id", serverID(renewal)),
		zap.Int64("amount", renewal.Amount),
		zap.NamedError("cause", cause),
	}
	refunded, err := o.ledger.CompensateRenewal(ctx, renewal.ID, reasonOf(cause))
	if err != nil {
		o.refundFailed(ctx, renewal, err, fields)
		return fmt.Errorf("%w; %w", err, cause)
	}
	logger.Error("renewal failed, refunded", append(fields, zap.Int64("refunded", refunded))...)
	o.events.Publish(ctx, events.Event{
		Type:    events.OrderFailed,
		OrderID: *renewal.RenewsOrderID,
		UserID:  renewal.UserID,
		Amount:  refunded,
		Detail:  "renewal: " + reasonOf(cause),
	})
	return cause
}

// renewKey: все продления одного сервиса идут по очереди, иначе два продления
// прочтут один и тот же expires_at и оплаченный период потеряется
func renewKey(originalID uint) string {
	return "renew:" + lock.OrderKey(originalID)
}
