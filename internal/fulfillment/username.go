package fulfillment

import (
	"context"
	"fmt"
	"regexp"

	"VPN-Panel-bot/internal/common"
)

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9]{3,32}$`)

// ValidateUsername: от 3 символов, только латиница и цифры
func ValidateUsername(username string) error {
	if !usernameRe.MatchString(username) {
		return fmt.Errorf("%q: %w", username, common.ErrUsernameInvalid)
	}
	return nil
}

// CheckUsername дополнительно проверяет, что имя не занято оплаченным заказом
func (o *Orchestrator) CheckUsername(ctx context.Context, username string) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	taken, err := o.ledger.UsernameTaken(ctx, username)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%q: %w", username, common.ErrUsernameTaken)
	}
	return nil
}
