package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"VPN-Panel-bot/internal/common"
	"VPN-Panel-bot/internal/db"
)

// Target: к чему применяется промокод
type Target int

const (
	TargetPurchase Target = iota
	TargetRenewal
	TargetDeposit
)

// TargetOf определяет назначение заказа
func TargetOf(o *db.Order) Target {
	switch {
	case o.IsDeposit():
		return TargetDeposit
	case o.IsRenewal():
		return TargetRenewal
	}
	return TargetPurchase
}

// FindDiscount ищет код без учёта регистра
func (l *Ledger) FindDiscount(ctx context.Context, code string) (*db.DiscountCode, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, &common.DiscountError{Reason: common.DiscountNotFound}
	}
	var dc db.DiscountCode
	err := l.db.WithContext(ctx).Where("UPPER(code) = ?", strings.ToUpper(code)).First(&dc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &common.DiscountError{Reason: common.DiscountNotFound}
	}
	if err != nil {
		return nil, err
	}
	return &dc, nil
}

// CheckDiscount проверяет код по порядку: активность, начало, окончание, применимость.
// Первая непройденная проверка определяет причину.
func CheckDiscount(dc *db.DiscountCode, baseAmount int64, target Target, now time.Time) error {
	if !dc.IsActive {
		return &common.DiscountError{Reason: common.DiscountInactive}
	}
	if dc.StartsAt != nil && now.Before(*dc.StartsAt) {
		return &common.DiscountError{Reason: common.DiscountNotStarted}
	}
	if dc.ExpiresAt != nil && now.After(*dc.ExpiresAt) {
		return &common.DiscountError{Reason: common.DiscountExpired}
	}
	if !applicable(dc, baseAmount, target) {
		return &common.DiscountError{Reason: common.DiscountIneligible}
	}
	return nil
}

func applicable(dc *db.DiscountCode, baseAmount int64, target Target) bool {
	if dc.MinOrderAmount > 0 && baseAmount < dc.MinOrderAmount {
		return false
	}
	if dc.UsageLimit > 0 && dc.UsedCount >= dc.UsageLimit {
		return false
	}
	switch target {
	case TargetPurchase:
		return dc.AppliesToPurchase
	case TargetRenewal:
		return dc.AppliesToRenewal
	case TargetDeposit:
		return dc.AppliesToDeposit
	}
	return false
}

// DiscountAmount: размер скидки, не больше самой суммы
func DiscountAmount(dc *db.DiscountCode, baseAmount int64) int64 {
	var d int64
	switch dc.Type {
	case db.DiscountPercent:
		pct := dc.Value
		if pct > 100 {
			pct = 100
		}
		d = baseAmount * pct / 100
	default:
		d = dc.Value
	}
	if d < 0 {
		return 0
	}
	if d > baseAmount {
		return baseAmount
	}
	return d
}
