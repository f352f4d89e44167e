package fulfillment

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Panel-bot/config"
	"VPN-Panel-bot/internal/common"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/events"
	"VPN-Panel-bot/internal/ledger"
	"VPN-Panel-bot/internal/logger"
	"VPN-Panel-bot/internal/panel"
)

// CreateTrial выдаёт бесплатный аккаунт на сервере по умолчанию.
// Счётчик пробных аккаунтов резервируется условным UPDATE и откатывается при сбое.
func (o *Orchestrator) CreateTrial(ctx context.Context, snap config.Snapshot, userID uint) (*db.Order, error) {
	if !snap.TrialEnabled {
		return nil, common.ErrTrialDisabled
	}
	user, err := db.GetUser(ctx, o.db, userID)
	if err != nil {
		return nil, err
	}
	res := o.db.WithContext(ctx).Model(&db.User{}).
		Where("id = ? AND trial_accounts_taken < ?", userID, snap.TrialLimit).
		UpdateColumn("trial_accounts_taken", gorm.Expr("trial_accounts_taken + 1"))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, common.ErrTrialLimit
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snap.CaptureTimeout)
	defer cancel()

	order, err := o.issueTrial(ctx, snap, user)
	if err != nil {
		o.db.WithContext(ctx).Model(&db.User{}).
			Where("id = ? AND trial_accounts_taken > 0", userID).
			UpdateColumn("trial_accounts_taken", gorm.Expr("trial_accounts_taken - 1"))
		logger.Error("trial provisioning failed", zap.Uint("user_id", userID), zap.Error(err))
		return nil, err
	}
	o.events.Publish(ctx, events.Event{Type: events.TrialCreated, OrderID: order.ID, UserID: userID})
	return order, nil
}

func (o *Orchestrator) issueTrial(ctx context.Context, snap config.Snapshot, user *db.User) (*db.Order, error) {
	expires := o.now().Add(time.Duration(snap.TrialDurationHours) * time.Hour)
	order := &db.Order{
		UserID:        user.ID,
		Source:        db.SourceTelegramTrial,
		PanelUsername: fmt.Sprintf("trial%dn%d", user.TelegramID, user.TrialAccountsTaken+1),
	}
	if err := o.ledger.CreatePending(ctx, order); err != nil {
		return nil, err
	}
	captured, err := o.ledger.Capture(ctx, order.ID, user.ID, ledger.CaptureOpts{Method: db.PaymentTrial, ExpiresAt: &expires})
	if err != nil {
		return nil, err
	}
	spec := panel.AccountSpec{
		Username:   order.PanelUsername,
		QuotaBytes: snap.TrialVolumeMB * panel.MiB,
		ExpiresAt:  expires,
	}
	if err := o.provision(ctx, snap, captured, spec, "Trial"); err != nil {
		// денег нет, возвращать нечего
		if ferr := o.ledger.ForceFailed(ctx, captured.ID); ferr != nil {
			logger.Error("force failed status", zap.Uint("order_id", captured.ID), zap.Error(ferr))
		}
		return nil, err
	}
	return captured, nil
}
