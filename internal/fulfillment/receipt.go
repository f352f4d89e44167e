package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"VPN-Panel-bot/config"
	"VPN-Panel-bot/internal/common"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/events"
	"VPN-Panel-bot/internal/ledger"
	"VPN-Panel-bot/internal/lock"
	"VPN-Panel-bot/internal/logger"
)

// CreateDeposit создаёт pending-пополнение не меньше минимальной суммы
func (o *Orchestrator) CreateDeposit(ctx context.Context, snap config.Snapshot, userID uint, amount int64) (*db.Order, error) {
	if amount < snap.MinDeposit {
		return nil, fmt.Errorf("deposit %d < %d: %w", amount, snap.MinDeposit, common.ErrDepositTooSmall)
	}
	order := &db.Order{
		UserID: userID,
		Source: db.SourceTelegramDeposit,
		Amount: amount,
	}
	if err := o.ledger.CreatePending(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// SubmitReceipt прикрепляет фото чека; заказ уходит админу на проверку
func (o *Orchestrator) SubmitReceipt(ctx context.Context, userID, orderID uint, fileID string) (*db.Order, error) {
	if err := o.ledger.AttachReceipt(ctx, userID, orderID, fileID); err != nil {
		return nil, err
	}
	return o.ledger.Order(ctx, orderID)
}

// ApproveReceipt: админ подтвердил оплату картой. Пополнение зачисляется,
// покупка и продление выдаются; при сбое выдачи деньги уходят на кошелёк.
func (o *Orchestrator) ApproveReceipt(ctx context.Context, snap config.Snapshot, orderID uint) (*db.Order, error) {
	ctx, done, err := o.unitFor(ctx, snap, orderID)
	if err != nil {
		return nil, err
	}
	defer done()

	order, err := o.ledger.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case db.OrderPaid:
		return order, common.ErrConcurrentCapture
	case db.OrderFailed:
		return order, fmt.Errorf("order %d: %w", orderID, common.ErrOrderNotPending)
	}

	opts := ledger.CaptureOpts{Method: db.PaymentCard}
	switch {
	case order.IsDeposit():
		credited, err := o.credit(ctx, order.ID, db.PaymentCard)
		if err != nil {
			return order, err
		}
		credited.User = order.User
		return credited, nil
	case order.Plan == nil:
		return order, fmt.Errorf("order %d: %w", orderID, common.ErrPlanNotFound)
	case order.IsRenewal():
		original, err := o.captureRenewal(ctx, snap, order, opts)
		if err != nil {
			return order, err
		}
		original.User = order.User
		return original, nil
	}
	return o.capturePurchase(ctx, snap, order, opts)
}

// RejectReceipt: чек не принят, заказ failed без движения денег
func (o *Orchestrator) RejectReceipt(ctx context.Context, orderID uint) (*db.Order, error) {
	if err := o.ledger.MarkFailed(ctx, orderID); err != nil {
		return nil, err
	}
	order, err := o.ledger.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	logger.Info("receipt rejected", zap.Uint("order_id", orderID), zap.Uint("user_id", order.UserID))
	return order, nil
}

// AttachOnlinePayment связывает pending-пополнение с платежом провайдера
func (o *Orchestrator) AttachOnlinePayment(ctx context.Context, userID, orderID uint, paymentID string) error {
	order, err := o.pendingOrder(ctx, userID, orderID)
	if err != nil {
		return err
	}
	if !order.IsDeposit() {
		return fmt.Errorf("order %d: online payment is available for deposits only", orderID)
	}
	return o.ledger.AttachExternalPayment(ctx, orderID, paymentID)
}

// ConfirmOnlineDeposit: провайдер сообщил об успешном платеже.
// Повторное уведомление даёт ErrConcurrentCapture, баланс не меняется.
func (o *Orchestrator) ConfirmOnlineDeposit(ctx context.Context, snap config.Snapshot, paymentID string) (*db.Order, error) {
	order, err := o.ledger.FindByExternalPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	ctx, done, err := o.unit(ctx, snap, lock.OrderKey(order.ID))
	if err != nil {
		return order, err
	}
	defer done()
	return o.credit(ctx, order.ID, db.PaymentYooKassa)
}

func (o *Orchestrator) credit(ctx context.Context, orderID uint, method string) (*db.Order, error) {
	order, err := o.ledger.CreditDeposit(ctx, orderID, method)
	if err != nil {
		if !errors.Is(err, common.ErrConcurrentCapture) {
			logger.Error("deposit credit failed", zap.Uint("order_id", orderID), zap.Error(err))
		}
		return nil, err
	}
	o.events.Publish(ctx, events.Event{
		Type:    events.DepositCredited,
		OrderID: order.ID,
		UserID:  order.UserID,
		Amount:  order.Amount + order.DiscountAmount,
		Detail:  method,
	})
	logger.Info("deposit credited", zap.Uint("order_id", order.ID), zap.Uint("user_id", order.UserID), zap.String("method", method))
	return order, nil
}
