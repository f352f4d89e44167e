package db

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// FindOrCreateUser находит пользователя по Telegram ID или регистрирует нового.
// referralCode учитывается только при регистрации.
func FindOrCreateUser(ctx context.Context, gdb *gorm.DB, telegramID int64, firstName, referralCode string) (*User, bool, error) {
	var user User
	err := gdb.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error
	if err == nil {
		if firstName != "" && user.FirstName != firstName {
			gdb.WithContext(ctx).Model(&user).Update("first_name", firstName)
		}
		return &user, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	user = User{
		TelegramID:   telegramID,
		FirstName:    firstName,
		ReferralCode: newReferralCode(),
	}
	if referralCode != "" {
		var referrer User
		if err := gdb.WithContext(ctx).Where("referral_code = ?", referralCode).First(&referrer).Error; err == nil {
			user.ReferrerID = &referrer.ID
		}
	}
	if err := gdb.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, false, err
	}
	return &user, true, nil
}

func newReferralCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

// FindUser ищет по Telegram ID
func FindUser(ctx context.Context, gdb *gorm.DB, telegramID int64) (*User, error) {
	var user User
	err := gdb.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func GetUser(ctx context.Context, gdb *gorm.DB, id uint) (*User, error) {
	var user User
	if err := gdb.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// SetState сохраняет токен диалога; nil переводит пользователя в idle
func SetState(ctx context.Context, gdb *gorm.DB, userID uint, token *string) error {
	return gdb.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Update("bot_state", token).Error
}

func ClearState(ctx context.Context, gdb *gorm.DB, userID uint) error {
	return SetState(ctx, gdb, userID, nil)
}

// CountReferrals: сколько пользователей пришло по ссылке
func CountReferrals(ctx context.Context, gdb *gorm.DB, userID uint) (int64, error) {
	var n int64
	err := gdb.WithContext(ctx).Model(&User{}).Where("referrer_id = ?", userID).Count(&n).Error
	return n, err
}
