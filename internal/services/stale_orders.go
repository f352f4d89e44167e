package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Panel-bot/internal/common"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/logger"
)

// OrderFailer: CAS pending → failed
type OrderFailer interface {
	MarkFailed(ctx context.Context, orderID uint) error
}

// SweepStaleOrders переводит в failed брошенные pending-заказы: без чека и без онлайн-платежа,
// старше ttl. Заказы с чеком ждут админа сколько угодно.
func SweepStaleOrders(ctx context.Context, gdb *gorm.DB, ledger OrderFailer, ttl time.Duration, now time.Time) (int, error) {
	var ids []uint
	err := gdb.WithContext(ctx).Model(&db.Order{}).
		Where("status = ? AND created_at < ?", db.OrderPending, now.Add(-ttl)).
		Where("(card_payment_receipt = '' OR card_payment_receipt IS NULL) AND (external_payment_id = '' OR external_payment_id IS NULL)").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, id := range ids {
		err := ledger.MarkFailed(ctx, id)
		switch {
		case errors.Is(err, common.ErrOrderNotPending):
			// успели оплатить между выборкой и обновлением
		case err != nil:
			logger.Error("stale order sweep failed", zap.Uint("order_id", id), zap.Error(err))
		default:
			failed++
		}
	}
	return failed, nil
}
