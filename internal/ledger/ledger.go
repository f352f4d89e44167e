// Package ledger хранит заказы, движения баланса и их переходы pending → paid/failed.
// Каждое изменение денег выполняется одной транзакцией БД с условными UPDATE,
// поэтому повторная доставка апдейта не списывает и не возвращает деньги дважды.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Panel-bot/internal/common"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/logger"
)

type Ledger struct {
	db *gorm.DB
}

func New(gdb *gorm.DB) *Ledger {
	return &Ledger{db: gdb}
}

// CreatePending сохраняет новый заказ в статусе pending
func (l *Ledger) CreatePending(ctx context.Context, o *db.Order) error {
	o.Status = db.OrderPending
	if err := l.db.WithContext(ctx).Create(o).Error; err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (l *Ledger) Order(ctx context.Context, id uint) (*db.Order, error) {
	var o db.Order
	err := l.db.WithContext(ctx).Preload("Plan").Preload("Server.Location").Preload("User").First(&o, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("order %d: %w", id, common.ErrOrderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("order %d: %w", id, err)
	}
	return &o, nil
}

// UserOrder: заказ, принадлежащий пользователю; чужой выглядит как несуществующий
func (l *Ledger) UserOrder(ctx context.Context, userID, id uint) (*db.Order, error) {
	o, err := l.Order(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("order %d: %w", id, common.ErrOrderNotFound)
	}
	return o, nil
}

// UsernameTaken: имя уже привязано к оплаченному заказу (глобально, не только у этого пользователя)
func (l *Ledger) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&db.Order{}).
		Where("panel_username = ? AND status = ?", username, db.OrderPaid).
		Count(&n).Error
	return n > 0, err
}

// CaptureOpts: как закрывается pending-заказ
type CaptureOpts struct {
	Method    string
	ExpiresAt *time.Time
	// Debit: списать сумму с кошелька. Для карты/онлайн-оплаты деньги уже получены.
	Debit bool
}

// Capture переводит заказ pending → paid одной транзакцией:
// при оплате с кошелька списание идёт условным UPDATE (balance >= amount).
func (l *Ledger) Capture(ctx context.Context, orderID, userID uint, opts CaptureOpts) (*db.Order, error) {
	var order db.Order
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND user_id = ?", orderID, userID).First(&order).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return common.ErrOrderNotFound
			}
			return err
		}
		switch order.Status {
		case db.OrderPaid:
			return common.ErrConcurrentCapture
		case db.OrderFailed:
			return common.ErrOrderNotPending
		}

		res := tx.Model(&db.Order{}).
			Where("id = ? AND status = ?", order.ID, db.OrderPending).
			Updates(map[string]interface{}{
				"status":         db.OrderPaid,
				"payment_method": opts.Method,
				"expires_at":     opts.ExpiresAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return common.ErrConcurrentCapture
		}

		if err := consumeDiscount(tx, &order, opts.Debit); err != nil {
			return err
		}
		if !opts.Debit {
			// оплата мимо кошелька: баланс не двигается, в журнал писать нечего
			return nil
		}
		if err := debit(tx, order.UserID, order.Amount); err != nil {
			return err
		}
		txType, desc := db.TxPurchase, fmt.Sprintf("Покупка сервиса, заказ #%d", order.ID)
		if order.IsRenewal() {
			txType, desc = db.TxRenewal, fmt.Sprintf("Продление сервиса, заказ #%d", *order.RenewsOrderID)
		}
		return tx.Create(&db.Transaction{
			UserID:      order.UserID,
			OrderID:     &order.ID,
			Amount:      -order.Amount,
			Type:        txType,
			Status:      "completed",
			Description: desc,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	order.Status = db.OrderPaid
	order.PaymentMethod = opts.Method
	order.ExpiresAt = opts.ExpiresAt
	return &order, nil
}

func debit(tx *gorm.DB, userID uint, amount int64) error {
	res := tx.Model(&db.User{}).
		Where("id = ? AND balance >= ?", userID, amount).
		UpdateColumn("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.ErrInsufficientBalance
	}
	return nil
}

func credit(tx *gorm.DB, userID uint, amount int64) error {
	return tx.Model(&db.User{}).Where("id = ?", userID).
		UpdateColumn("balance", gorm.Expr("balance + ?", amount)).Error
}

// consumeDiscount списывает использование промокода. При оплате с кошелька лимит
// проверяется тем же UPDATE: если последнее использование ушло другому заказу,
// оплата откатывается и заказ остаётся pending. Деньги, уже полученные картой
// или онлайн, так не вернуть, поэтому там скидка сохраняется сверх лимита.
func consumeDiscount(tx *gorm.DB, order *db.Order, enforceLimit bool) error {
	if order.DiscountCodeID == nil {
		return nil
	}
	q := tx.Model(&db.DiscountCode{}).Where("id = ?", *order.DiscountCodeID)
	if enforceLimit {
		q = q.Where("(usage_limit = 0 OR used_count < usage_limit)")
	}
	res := q.UpdateColumn("used_count", gorm.Expr("used_count + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &common.DiscountError{Reason: common.DiscountIneligible}
	}
	if !enforceLimit {
		var dc db.DiscountCode
		if err := tx.First(&dc, *order.DiscountCodeID).Error; err != nil {
			return err
		}
		if dc.UsageLimit > 0 && dc.UsedCount > dc.UsageLimit {
			logger.Warn("discount used over its limit",
				zap.String("code", dc.Code), zap.Uint("order_id", order.ID), zap.Int("used", dc.UsedCount), zap.Int("limit", dc.UsageLimit))
		}
	}
	return tx.Create(&db.DiscountCodeUsage{
		DiscountCodeID: *order.DiscountCodeID,
		UserID:         order.UserID,
		OrderID:        order.ID,
		DiscountAmount: order.DiscountAmount,
		OriginalAmount: order.Amount + order.DiscountAmount,
	}).Error
}

func releaseDiscount(tx *gorm.DB, order *db.Order) error {
	if order.DiscountCodeID == nil {
		return nil
	}
	res := tx.Where("order_id = ?", order.ID).Delete(&db.DiscountCodeUsage{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	return tx.Model(&db.DiscountCode{}).Where("id = ?", *order.DiscountCodeID).
		UpdateColumn("used_count", gorm.Expr("CASE WHEN used_count > 0 THEN used_count - 1 ELSE 0 END")).Error
}

// Compensate откатывает оплаченный заказ: failed, возврат суммы на кошелёк,
// откат промокода. Повторный вызов ничего не делает.
// Ошибка оборачивает ErrRefundFailed: деньги пользователю не вернулись.
func (l *Ledger) Compensate(ctx context.Context, orderID uint, reason string) (int64, error) {
	var refunded int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order db.Order
		if err := tx.First(&order, orderID).Error; err != nil {
			return err
		}
		res := tx.Model(&db.Order{}).
			Where("id = ? AND status = ?", order.ID, db.OrderPaid).
			Update("status", db.OrderFailed)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := releaseDiscount(tx, &order); err != nil {
			return err
		}
		if order.Amount > 0 {
			if err := credit(tx, order.UserID, order.Amount); err != nil {
				return err
			}
		}
		refunded = order.Amount
		return tx.Create(&db.Transaction{
			UserID:      order.UserID,
			OrderID:     &order.ID,
			Amount:      order.Amount,
			Type:        db.TxRefund,
			Status:      "completed",
			Description: fmt.Sprintf("Возврат по заказу #%d: %s", order.ID, reason),
		}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("%w: order %d: %w", common.ErrRefundFailed, orderID, err)
	}
	return refunded, nil
}

// MarkFailed: без движения денег: отклонённый чек, брошенный pending-заказ.
// Если заказ уже не pending, ErrOrderNotPending.
func (l *Ledger) MarkFailed(ctx context.Context, orderID uint) error {
	res := l.db.WithContext(ctx).Model(&db.Order{}).
		Where("id = ? AND status = ?", orderID, db.OrderPending).
		Update("status", db.OrderFailed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.ErrOrderNotPending
	}
	return nil
}

// ForceFailed помечает оплаченный заказ failed без возврата: последний рубеж,
// когда сам возврат не прошёл и заказ не должен выглядеть выданным.
func (l *Ledger) ForceFailed(ctx context.Context, orderID uint) error {
	return l.db.WithContext(ctx).Model(&db.Order{}).Where("id = ?", orderID).
		Update("status", db.OrderFailed).Error
}

// MarkProvisioned сохраняет выданный аккаунт
func (l *Ledger) MarkProvisioned(ctx context.Context, orderID uint, username, link string, meta []byte) error {
	return l.db.WithContext(ctx).Model(&db.Order{}).Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"panel_username": username,
			"config_details": link,
			"panel_meta":     meta,
		}).Error
}

// OpenRenewal: последняя pending-строка продления сервиса без чека и онлайн-платежа,
// выставленная по текущей цене тарифа. nil, если такой нет.
func (l *Ledger) OpenRenewal(ctx context.Context, originalID uint, plan *db.Plan) (*db.Order, error) {
	var o db.Order
	err := l.db.WithContext(ctx).
		Where("renews_order_id = ? AND status = ? AND plan_id = ?", originalID, db.OrderPending, plan.ID).
		Where("card_payment_receipt = '' AND external_payment_id = ''").
		Where("amount + discount_amount = ?", plan.Price).
		Order("id DESC").First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open renewal for %d: %w", originalID, err)
	}
	return &o, nil
}

// CompensateRenewal удаляет строку продления и возвращает её сумму на кошелёк.
// Срок исходного заказа не трогается.
func (l *Ledger) CompensateRenewal(ctx context.Context, renewalID uint, reason string) (int64, error) {
	var refunded int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var renewal db.Order
		if err := tx.First(&renewal, renewalID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		res := tx.Where("id = ? AND status = ?", renewal.ID, db.OrderPaid).Delete(&db.Order{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := releaseDiscount(tx, &renewal); err != nil {
			return err
		}
		if renewal.Amount > 0 {
			if err := credit(tx, renewal.UserID, renewal.Amount); err != nil {
				return err
			}
		}
		refunded = renewal.Amount
		return tx.Create(&db.Transaction{
			UserID:      renewal.UserID,
			OrderID:     renewal.RenewsOrderID,
			Amount:      renewal.Amount,
			Type:        db.TxRefund,
			Status:      "completed",
			Description: fmt.Sprintf("Возврат за продление #%d: %s", renewal.ID, reason),
		}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("%w: renewal %d: %w", common.ErrRefundFailed, renewalID, err)
	}
	return refunded, nil
}

// ExtendExpiry сдвигает срок исходного заказа после успешного продления
func (l *Ledger) ExtendExpiry(ctx context.Context, orderID uint, expiresAt time.Time) error {
	return l.db.WithContext(ctx).Model(&db.Order{}).Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"expires_at":        expiresAt,
			"notified_expiring": false,
			"notified_expired":  false,
		}).Error
}

// CreditDeposit зачисляет пополнение. Повторный вызов даёт ErrConcurrentCapture.
// При промокоде на пополнение зачисляется номинал: оплачено amount, получено amount+discount.
func (l *Ledger) CreditDeposit(ctx context.Context, orderID uint, method string) (*db.Order, error) {
	var order db.Order
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&order, orderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return common.ErrOrderNotFound
			}
			return err
		}
		if !order.IsDeposit() {
			return fmt.Errorf("order %d is not a deposit", order.ID)
		}
		res := tx.Model(&db.Order{}).
			Where("id = ? AND status = ?", order.ID, db.OrderPending).
			Updates(map[string]interface{}{"status": db.OrderPaid, "payment_method": method})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if order.Status == db.OrderFailed {
				return common.ErrOrderNotPending
			}
			return common.ErrConcurrentCapture
		}
		if err := consumeDiscount(tx, &order, false); err != nil {
			return err
		}
		credited := order.Amount + order.DiscountAmount
		if err := credit(tx, order.UserID, credited); err != nil {
			return err
		}
		return tx.Create(&db.Transaction{
			UserID:      order.UserID,
			OrderID:     &order.ID,
			Amount:      credited,
			Type:        db.TxDeposit,
			Status:      "completed",
			Description: fmt.Sprintf("Пополнение кошелька (%s), заказ #%d", method, order.ID),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	order.Status = db.OrderPaid
	order.PaymentMethod = method
	return &order, nil
}

// AttachReceipt сохраняет file_id чека на pending-заказе пользователя
func (l *Ledger) AttachReceipt(ctx context.Context, userID, orderID uint, fileID string) error {
	res := l.db.WithContext(ctx).Model(&db.Order{}).
		Where("id = ? AND user_id = ? AND status = ?", orderID, userID, db.OrderPending).
		Updates(map[string]interface{}{"card_payment_receipt": fileID, "payment_method": db.PaymentCard})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.ErrOrderNotPending
	}
	return nil
}

func (l *Ledger) AttachExternalPayment(ctx context.Context, orderID uint, paymentID string) error {
	return l.db.WithContext(ctx).Model(&db.Order{}).Where("id = ?", orderID).
		Update("external_payment_id", paymentID).Error
}

func (l *Ledger) FindByExternalPayment(ctx context.Context, paymentID string) (*db.Order, error) {
	var o db.Order
	err := l.db.WithContext(ctx).Where("external_payment_id = ?", paymentID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// SetDiscount пересчитывает сумму pending-заказа
func (l *Ledger) SetDiscount(ctx context.Context, orderID uint, codeID *uint, discount, amount int64) error {
	res := l.db.WithContext(ctx).Model(&db.Order{}).
		Where("id = ? AND status = ?", orderID, db.OrderPending).
		Updates(map[string]interface{}{
			"discount_code_id": codeID,
			"discount_amount":  discount,
			"amount":           amount,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.ErrOrderNotPending
	}
	return nil
}

// PaidServices: выданные сервисы пользователя: покупки и пробные (без строк продления)
func (l *Ledger) PaidServices(ctx context.Context, userID uint) ([]db.Order, error) {
	var orders []db.Order
	err := l.db.WithContext(ctx).Preload("Plan").Preload("Server.Location").
		Where("user_id = ? AND status = ? AND source <> ? AND renews_order_id IS NULL", userID, db.OrderPaid, db.SourceTelegramDeposit).
		Order("id desc").Find(&orders).Error
	return orders, err
}

func (l *Ledger) Transactions(ctx context.Context, userID uint, limit int) ([]db.Transaction, error) {
	var txs []db.Transaction
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).Order("id desc").Limit(limit).Find(&txs).Error
	return txs, err
}

// AwaitingReview: pending-заказы с чеком, ждущие админа
func (l *Ledger) AwaitingReview(ctx context.Context) ([]db.Order, error) {
	var orders []db.Order
	err := l.db.WithContext(ctx).Preload("User").Preload("Plan").
		Where("status = ? AND card_payment_receipt <> ''", db.OrderPending).
		Order("id asc").Find(&orders).Error
	return orders, err
}
