// Package common определяет ошибки, которыми обмениваются
// оркестратор, реестр серверов, леджер и диалоговая машина.
// По ним обработчики решают, какое сообщение показать пользователю.
package common

import (
	"errors"
	"fmt"
)

// Ошибки каталога и ёмкости
var (
	// ErrPlanNotFound: тариф не найден или выключен
	ErrPlanNotFound = errors.New("plan not found")
	// ErrCapacityExhausted: в локации нет сервера со свободными местами
	ErrCapacityExhausted = errors.New("no admissible server")
)

// Ошибки оплаты
var (
	// ErrInsufficientBalance: на кошельке меньше, чем сумма заказа
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrConcurrentCapture: заказ уже оплачен другим обработчиком
	ErrConcurrentCapture = errors.New("order already captured")
	// ErrProvisioningFailed: панель не создала/не продлила аккаунт, оплата возвращена
	ErrProvisioningFailed = errors.New("provisioning failed")
	// ErrRefundFailed: возврат не записался, нужен ручной разбор
	ErrRefundFailed = errors.New("refund failed")
	ErrDepositTooSmall = errors.New("deposit amount below minimum")
)

// Ошибки заказа
var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrOrderNotPending = errors.New("order is not pending")
	// ErrUsernameInvalid: короче 3 символов или не латиница/цифры
	ErrUsernameInvalid = errors.New("username invalid")
	// ErrUsernameTaken: имя уже занято оплаченным заказом
	ErrUsernameTaken = errors.New("username taken")
)

// Прочее
var (
	ErrTrialDisabled  = errors.New("trial disabled")
	ErrTrialLimit     = errors.New("trial limit reached")
	ErrTicketNotFound = errors.New("ticket not found")
	ErrUserNotFound   = errors.New("user not found")
)

// ErrDiscountInvalid: базовая ошибка промокода, конкретная причина в DiscountError
var ErrDiscountInvalid = errors.New("discount invalid")

type DiscountReason string

const (
	DiscountNotFound   DiscountReason = "not_found"
	DiscountInactive   DiscountReason = "inactive"
	DiscountNotStarted DiscountReason = "not_started"
	DiscountExpired    DiscountReason = "expired"
	DiscountIneligible DiscountReason = "ineligible"
)

type DiscountError struct {
	Reason DiscountReason
}

func (e *DiscountError) Error() string {
	return fmt.Sprintf("discount invalid: %s", e.Reason)
}

func (e *DiscountError) Unwrap() error { return ErrDiscountInvalid }

// IsExpected: ожидаемые ошибки показываются пользователю и не пишутся в лог как системные
func IsExpected(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDiscountInvalid) ||
		errors.Is(err, ErrCapacityExhausted) && !errors.Is(err, ErrProvisioningFailed) ||
		errors.Is(err, ErrConcurrentCapture) ||
		errors.Is(err, ErrUsernameInvalid) ||
		errors.Is(err, ErrUsernameTaken) ||
		errors.Is(err, ErrDepositTooSmall)
}
