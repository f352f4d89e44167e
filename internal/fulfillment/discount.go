package fulfillment

import (
	"context"
	"fmt"

	"VPN-Panel-bot/internal/common"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/ledger"
)

// baseAmount: сумма заказа без скидки
func baseAmount(o *db.Order) int64 {
	return o.Amount + o.DiscountAmount
}

func (o *Orchestrator) pendingOrder(ctx context.Context, userID, orderID uint) (*db.Order, error) {
	order, err := o.ledger.UserOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != db.OrderPending {
		return nil, fmt.Errorf("order %d: %w", orderID, common.ErrOrderNotPending)
	}
	return order, nil
}

// ApplyDiscount пересчитывает pending-заказ с промокодом. Код можно менять сколько угодно;
// использование засчитывается только при оплате.
func (o *Orchestrator) ApplyDiscount(ctx context.Context, userID, orderID uint, code string) (*db.Order, error) {
	order, err := o.pendingOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	dc, err := o.ledger.FindDiscount(ctx, code)
	if err != nil {
		return nil, err
	}
	base := baseAmount(order)
	if err := ledger.CheckDiscount(dc, base, ledger.TargetOf(order), o.now()); err != nil {
		return nil, err
	}
	discount := ledger.DiscountAmount(dc, base)
	if err := o.ledger.SetDiscount(ctx, order.ID, &dc.ID, discount, base-discount); err != nil {
		return nil, err
	}
	order.DiscountCodeID = &dc.ID
	order.DiscountAmount = discount
	order.Amount = base - discount
	return order, nil
}

// RemoveDiscount возвращает полную сумму
func (o *Orchestrator) RemoveDiscount(ctx context.Context, userID, orderID uint) (*db.Order, error) {
	order, err := o.pendingOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	base := baseAmount(order)
	if err := o.ledger.SetDiscount(ctx, order.ID, nil, 0, base); err != nil {
		return nil, err
	}
	order.DiscountCodeID = nil
	order.DiscountAmount = 0
	order.Amount = base
	return order, nil
}
