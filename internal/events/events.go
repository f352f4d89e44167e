// Package events публикует доменные события заказов во внешний поток.
package events

import (
	"context"
	"encoding/json"
	"time"
)

const (
	OrderPaid       = "order.paid"
	OrderFailed     = "order.failed"
	OrderRenewed    = "order.renewed"
	RefundFailed    = "refund.failed"
	DepositCredited = "deposit.credited"
	TrialCreated    = "trial.created"
)

type Event struct {
	Type     string    `json:"type"`
	OrderID  uint      `json:"order_id,omitempty"`
	UserID   uint      `json:"user_id"`
	ServerID uint      `json:"server_id,omitempty"`
	Amount   int64     `json:"amount,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher не должен блокировать единицу оплаты: ошибки доставки только логируются
type Publisher interface {
	Publish(ctx context.Context, e Event)
	Close()
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
func (Nop) Close()                         {}
