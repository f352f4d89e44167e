// Package fulfillment проводит покупку, продление, пополнение и пробный доступ
// как одну логическую транзакцию: леджер, реестр серверов и панель,
// с компенсацией при сбое на любом шаге.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Panel-bot/config"
	"VPN-Panel-bot/internal/common"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/events"
	"VPN-Panel-bot/internal/ledger"
	"VPN-Panel-bot/internal/lock"
	"VPN-Panel-bot/internal/logger"
	"VPN-Panel-bot/internal/panel"
	"VPN-Panel-bot/internal/registry"
)

// Gateways выдаёт шлюз панели для сервера; nil: сервер по умолчанию
type Gateways interface {
	ForServer(s *db.Server) (panel.Gateway, error)
}

type Options struct {
	Locker lock.Locker
	Events events.Publisher
	// Alert: критическая ошибка (невозвращённые деньги), по умолчанию logger.Critical
	Alert  func(msg string, fields ...zap.Field)
	// Notice: сообщение админу о том, что нужно поправить руками, по умолчанию logger.NotifyAdmin
	Notice func(msg string)
	Now    func() time.Time
}

type Orchestrator struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	registry *registry.Registry
	gateways Gateways
	locker   lock.Locker
	events   events.Publisher
	alert    func(msg string, fields ...zap.Field)
	notice   func(msg string)
	now      func() time.Time
}

func New(gdb *gorm.DB, l *ledger.Ledger, r *registry.Registry, gw Gateways, opts Options) *Orchestrator {
	o := &Orchestrator{
		db:       gdb,
		ledger:   l,
		registry: r,
		gateways: gw,
		locker:   opts.Locker,
		events:   opts.Events,
		alert:    opts.Alert,
		notice:   opts.Notice,
		now:      opts.Now,
	}
	if o.locker == nil {
		o.locker = lock.NewMemory()
	}
	if o.events == nil {
		o.events = events.Nop{}
	}
	if o.alert == nil {
		o.alert = logger.Critical
	}
	if o.notice == nil {
		o.notice = logger.NotifyAdmin
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

func (o *Orchestrator) Ledger() *ledger.Ledger { return o.ledger }

func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// unit: контекст единицы оплаты: не отменяется пользователем и остановкой,
// но ограничен CaptureTimeout. Блокировка живёт столько же.
func (o *Orchestrator) unit(ctx context.Context, snap config.Snapshot, key string) (context.Context, func(), error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snap.CaptureTimeout)
	unlock, ok, err := o.locker.TryLock(ctx, key, snap.CaptureTimeout)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if !ok {
		cancel()
		return nil, nil, common.ErrConcurrentCapture
	}
	return ctx, func() {
		unlock()
		cancel()
	}, nil
}

// unitFor: единица оплаты заказа. Строки продления блокируются по исходному
// заказу, чтобы чек и кошелёк по одному сервису не продлевали его параллельно.
func (o *Orchestrator) unitFor(ctx context.Context, snap config.Snapshot, orderID uint) (context.Context, func(), error) {
	key := lock.OrderKey(orderID)
	order, err := o.ledger.Order(ctx, orderID)
	if err == nil && order.IsRenewal() {
		key = renewKey(*order.RenewsOrderID)
	}
	return o.unit(ctx, snap, key)
}

// Purchase создаёт pending-заказ на тариф. Если задана локация, сервер выбирается сразу;
// без свободного сервера заказ не создаётся.
func (o *Orchestrator) Purchase(ctx context.Context, userID, planID uint, username string, locationID *uint) (*db.Order, error) {
	plan, err := db.FindActivePlan(ctx, o.db, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("plan %d: %w", planID, common.ErrPlanNotFound)
	}
	if err := o.CheckUsername(ctx, username); err != nil {
		return nil, err
	}

	order := &db.Order{
		UserID:        userID,
		PlanID:        &plan.ID,
		Source:        db.SourceTelegram,
		Amount:        plan.Price,
		PanelUsername: username,
	}
	if locationID != nil {
		server, ok, err := o.registry.SelectServer(ctx, *locationID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("location %d: %w", *locationID, common.ErrCapacityExhausted)
		}
		order.ServerID = &server.ID
		order.Server = server
	}
	if err := o.ledger.CreatePending(ctx, order); err != nil {
		return nil, err
	}
	order.Plan = plan
	return order, nil
}

// PayWithWallet оплачивает pending-заказ с кошелька и выдаёт аккаунт.
// Нехватка средств оставляет заказ pending без побочных эффектов.
func (o *Orchestrator) PayWithWallet(ctx context.Context, snap config.Snapshot, userID, orderID uint) (*db.Order, error) {
	ctx, done, err := o.unitFor(ctx, snap, orderID)
	if err != nil {
		return nil, err
	}
	defer done()

	order, err := o.ledger.UserOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.IsDeposit() || order.IsTrial() {
		return nil, fmt.Errorf("order %d cannot be paid from wallet: %w", orderID, common.ErrOrderNotPending)
	}
	if order.Plan == nil {
		return nil, fmt.Errorf("order %d: %w", orderID, common.ErrPlanNotFound)
	}
	if order.IsRenewal() {
		return o.captureRenewal(ctx, snap, order, ledger.CaptureOpts{Method: db.PaymentWallet, Debit: true})
	}
	return o.capturePurchase(ctx, snap, order, ledger.CaptureOpts{Method: db.PaymentWallet, Debit: true})
}

// capturePurchase: шаги оплаты и выдачи для нового аккаунта
func (o *Orchestrator) capturePurchase(ctx context.Context, snap config.Snapshot, order *db.Order, opts ledger.CaptureOpts) (*db.Order, error) {
	plan := order.Plan
	expires := o.now().AddDate(0, 0, plan.DurationDays)
	opts.ExpiresAt = &expires

	captured, err := o.ledger.Capture(ctx, order.ID, order.UserID, opts)
	if err != nil {
		return nil, err
	}
	captured.Plan = plan
	captured.Server = order.Server
	captured.User = order.User

	spec := panel.AccountSpec{
		Username:   order.PanelUsername,
		QuotaBytes: int64(plan.VolumeGB) * panel.GiB,
		ExpiresAt:  expires,
	}
	if err := o.provision(ctx, snap, captured, spec, plan.Name); err != nil {
		return nil, o.compensate(ctx, captured, err)
	}
	o.events.Publish(ctx, events.Event{
		Type:     events.OrderPaid,
		OrderID:  captured.ID,
		UserID:   captured.UserID,
		ServerID: serverID(captured),
		Amount:   captured.Amount,
		Detail:   opts.Method,
	})
	logger.Info("order fulfilled",
		zap.Uint("order_id", captured.ID), zap.Uint("user_id", captured.UserID),
		zap.Uint("server_id", serverID(captured)), zap.String("method", opts.Method))
	return captured, nil
}

// provision занимает слот на сервере, создаёт аккаунт и сохраняет ссылку.
// При ошибке слот освобождается; деньги откатывает вызывающий.
func (o *Orchestrator) provision(ctx context.Context, snap config.Snapshot, order *db.Order, spec panel.AccountSpec, remark string) error {
	server := order.Server
	if server != nil {
		// последний свободный слот мог уйти параллельной покупке
		if err := o.registry.Admit(ctx, server.ID); err != nil {
			return err
		}
	}
	release := func() {
		if server == nil {
			return
		}
		if err := o.registry.Release(ctx, server.ID); err != nil {
			logger.Error("capacity rollback failed", zap.Uint("server_id", server.ID), zap.Error(err))
		}
	}

	gw, err := o.gateways.ForServer(server)
	if err != nil {
		release()
		return fmt.Errorf("%w: %w", common.ErrProvisioningFailed, err)
	}
	pctx, cancel := context.WithTimeout(ctx, snap.PanelTimeout)
	defer cancel()

	acc, err := gw.CreateAccount(pctx, spec)
	if err != nil {
		release()
		return fmt.Errorf("%w: %w", common.ErrProvisioningFailed, err)
	}
	acc.Mode = gw.Mode()
	link, err := gw.Link(pctx, acc, linkRemark(remark, server))
	if err != nil {
		release()
		o.orphaned(order, acc, err)
		return fmt.Errorf("%w: link: %w", common.ErrProvisioningFailed, err)
	}
	if err := o.ledger.MarkProvisioned(ctx, order.ID, acc.Username, link, acc.Meta()); err != nil {
		release()
		o.orphaned(order, acc, err)
		return fmt.Errorf("%w: save account: %w", common.ErrProvisioningFailed, err)
	}
	order.PanelUsername = acc.Username
	order.ConfigDetails = link
	order.PanelMeta = acc.Meta()
	return nil
}

// orphaned: аккаунт на панели создан, но заказ откатывается. Имя занято на панели,
// пока админ не удалит клиента вручную.
func (o *Orchestrator) orphaned(order *db.Order, acc panel.Account, cause error) {
	logger.Error("panel account left without order",
		zap.String("username", acc.Username), zap.Uint("order_id", order.ID),
		zap.Uint("server_id", serverID(order)), zap.Int("inbound_id", acc.InboundID), zap.Error(cause))
	server := "по умолчанию"
	if order.Server != nil {
		server = fmt.Sprintf("%s (#%d)", order.Server.Name, order.Server.ID)
	}
	o.notice(fmt.Sprintf("Аккаунт %s остался на панели без заказа #%d, сервер %s. Удалите клиента вручную.",
		acc.Username, order.ID, server))
}

// compensate возвращает деньги за оплаченный заказ после сбоя выдачи.
// Невозвращённые деньги: критический алерт, повторов нет.
func (o *Orchestrator) compensate(ctx context.Context, order *db.Order, cause error) error {
	fields := []zap.Field{
		zap.Uint("order_id", order.ID),
		zap.Uint("user_id", order.UserID),
		zap.Uint("server_id", serverID(order)),
		zap.Int64("amount", order.Amount),
		zap.NamedError("cause", cause),
	}
	refunded, err := o.ledger.Compensate(ctx, order.ID, reasonOf(cause))
	if err != nil {
		o.refundFailed(ctx, order, err, fields)
		return fmt.Errorf("%w; %w", err, cause)
	}
	logger.Error("provisioning failed, order compensated", append(fields, zap.Int64("refunded", refunded))...)
	o.events.Publish(ctx, events.Event{
		Type:     events.OrderFailed,
		OrderID:  order.ID,
		UserID:   order.UserID,
		ServerID: serverID(order),
		Amount:   refunded,
		Detail:   reasonOf(cause),
	})
	if !errors.Is(cause, common.ErrProvisioningFailed) {
		cause = fmt.Errorf("%w: %w", common.ErrProvisioningFailed, cause)
	}
	return cause
}

func (o *Orchestrator) refundFailed(ctx context.Context, order *db.Order, err error, fields []zap.Field) {
	o.alert(fmt.Sprintf("Возврат не прошёл: заказ #%d, пользователь %d, сумма %d", order.ID, order.UserID, order.Amount),
		append(fields, zap.Error(err))...)
	// заказ не должен выглядеть выданным, даже если сам возврат не записался
	if ferr := o.ledger.ForceFailed(ctx, order.ID); ferr != nil {
		logger.Error("force failed status", zap.Uint("order_id", order.ID), zap.Error(ferr))
	}
	o.events.Publish(ctx, events.Event{
		Type:    events.RefundFailed,
		OrderID: order.ID,
		UserID:  order.UserID,
		Amount:  order.Amount,
		Detail:  err.Error(),
	})
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, common.ErrCapacityExhausted):
		return "нет свободных мест на сервере"
	case errors.Is(err, context.DeadlineExceeded):
		return "панель не ответила вовремя"
	}
	return "ошибка создания аккаунта"
}

func serverID(o *db.Order) uint {
	if o.ServerID != nil {
		return *o.ServerID
	}
	return 0
}

func linkRemark(name string, s *db.Server) string {
	if s != nil && s.Name != "" {
		return name + " | " + s.Name
	}
	return name
}
