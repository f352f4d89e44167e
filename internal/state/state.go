// Package state описывает токен диалога пользователя. Каждому шагу соответствует свой тип,
// в БД хранится строка вида verb|arg1|arg2.
package state

import (
	"fmt"
	"strconv"
	"strings"
)

// Token: шаг многошагового диалога. nil означает idle.
type Token interface {
	Verb() string
	encode() string
}

type AwaitingDepositAmount struct{}

type AwaitingNewTicketSubject struct{}

type AwaitingNewTicketMessage struct {
	Subject string
}

type AwaitingTicketReply struct {
	TicketID uint
}

type AwaitingDiscountCode struct {
	OrderID uint
}

// AwaitingUsername хранит выбранную локацию, чтобы она пережила ошибку ввода имени
type AwaitingUsername struct {
	PlanID     uint
	LocationID uint // 0: без выбора локации
}

type WaitingReceipt struct {
	OrderID uint
}

const (
	verbDepositAmount    = "awaiting_deposit_amount"
	verbTicketSubject    = "awaiting_new_ticket_subject"
	verbTicketMessage    = "awaiting_new_ticket_message"
	verbTicketReply      = "awaiting_ticket_reply"
	verbDiscountCode     = "awaiting_discount_code"
	verbUsername         = "awaiting_username_for_order"
	prefixWaitingReceipt = "waiting_receipt_"
	selectedLocPrefix    = "selected_loc:"
)

func (AwaitingDepositAmount) Verb() string    { return verbDepositAmount }
func (AwaitingNewTicketSubject) Verb() string { return verbTicketSubject }
func (AwaitingNewTicketMessage) Verb() string { return verbTicketMessage }
func (AwaitingTicketReply) Verb() string      { return verbTicketReply }
func (AwaitingDiscountCode) Verb() string     { return verbDiscountCode }
func (AwaitingUsername) Verb() string         { return verbUsername }
func (WaitingReceipt) Verb() string           { return "waiting_receipt" }

func (AwaitingDepositAmount) encode() string    { return verbDepositAmount }
func (AwaitingNewTicketSubject) encode() string { return verbTicketSubject }
func (t AwaitingNewTicketMessage) encode() string {
	return verbTicketMessage + "|" + t.Subject
}
func (t AwaitingTicketReply) encode() string {
	return fmt.Sprintf("%s|%d", verbTicketReply, t.TicketID)
}
func (t AwaitingDiscountCode) encode() string {
	return fmt.Sprintf("%s|%d", verbDiscountCode, t.OrderID)
}
func (t AwaitingUsername) encode() string {
	s := fmt.Sprintf("%s|%d", verbUsername, t.PlanID)
	if t.LocationID != 0 {
		s += fmt.Sprintf("|%s%d", selectedLocPrefix, t.LocationID)
	}
	return s
}
func (t WaitingReceipt) encode() string {
	return fmt.Sprintf("%s%d", prefixWaitingReceipt, t.OrderID)
}

// Encode готовит значение для колонки bot_state
func Encode(t Token) *string {
	if t == nil {
		return nil
	}
	s := t.encode()
	return &s
}

// Parse разбирает сохранённый токен. nil и пустая строка: idle.
func Parse(raw *string) (Token, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	s := *raw

	if rest, ok := strings.CutPrefix(s, prefixWaitingReceipt); ok {
		id, err := parseID(rest)
		if err != nil {
			return nil, fmt.Errorf("state %q: %w", s, err)
		}
		return WaitingReceipt{OrderID: id}, nil
	}

	verb, args, _ := strings.Cut(s, "|")
	switch verb {
	case verbDepositAmount:
		return AwaitingDepositAmount{}, nil
	case verbTicketSubject:
		return AwaitingNewTicketSubject{}, nil
	case verbTicketMessage:
		// тема: свободный текст и может содержать разделитель
		return AwaitingNewTicketMessage{Subject: args}, nil
	case verbTicketReply:
		id, err := parseID(args)
		if err != nil {
			return nil, fmt.Errorf("state %q: %w", s, err)
		}
		return AwaitingTicketReply{TicketID: id}, nil
	case verbDiscountCode:
		id, err := parseID(args)
		if err != nil {
			return nil, fmt.Errorf("state %q: %w", s, err)
		}
		return AwaitingDiscountCode{OrderID: id}, nil
	case verbUsername:
		parts := strings.Split(args, "|")
		planID, err := parseID(parts[0])
		if err != nil {
			return nil, fmt.Errorf("state %q: %w", s, err)
		}
		t := AwaitingUsername{PlanID: planID}
		for _, p := range parts[1:] {
			if v, ok := strings.CutPrefix(p, selectedLocPrefix); ok {
				loc, err := parseID(v)
				if err != nil {
					return nil, fmt.Errorf("state %q: %w", s, err)
				}
				t.LocationID = loc
			}
		}
		return t, nil
	}
	return nil, fmt.Errorf("unknown state %q", s)
}

func parseID(s string) (uint, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad id %q", s)
	}
	if n == 0 {
		return 0, fmt.Errorf("zero id")
	}
	return uint(n), nil
}
