package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Panel-bot/config"
	"VPN-Panel-bot/internal/common"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/logger"
)

// checkYooKassaSignature сверяет HMAC-SHA256 тела с подписью из Authorization ("HMAC <hex>")
// или из Content-Yoomoney-Signature
func checkYooKassaSignature(secret string, body []byte, authHeader, yoomoneyHeader string) bool {
	var signatures []string
	if scheme, sig, ok := strings.Cut(authHeader, " "); ok && (scheme == "HMAC" || scheme == "HMAC-SHA256") {
		signatures = append(signatures, sig)
	}
	if yoomoneyHeader != "" {
		signatures = append(signatures, yoomoneyHeader)
	}
	if len(signatures) == 0 || secret == "" {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	calc := []byte(hex.EncodeToString(h.Sum(nil)))
	for _, sig := range signatures {
		if hmac.Equal([]byte(strings.ToLower(sig)), calc) {
			return true
		}
	}
	return false
}

// DepositConfirmer: зачисление онлайн-пополнения по id платежа
type DepositConfirmer interface {
	ConfirmOnlineDeposit(ctx context.Context, snap config.Snapshot, paymentID string) (*db.Order, error)
}

type WebhookDeps struct {
	Secret   string
	DB       *gorm.DB
	Deposits DepositConfirmer
	Snapshot func(context.Context) config.Snapshot
	Bot      Sender
}

const maxWebhookBody = 1 << 20

// WebhookHandler обрабатывает уведомления от YooKassa. 5xx заставляет провайдера повторить запрос,
// поэтому он отдаётся только на ошибки, которые могут пройти при повторе.
func WebhookHandler(deps WebhookDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer logger.NotifyOnPanic("WebhookHandler")
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		r.Body.Close()
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !checkYooKassaSignature(deps.Secret, body, r.Header.Get("Authorization"), r.Header.Get("Content-Yoomoney-Signature")) {
			logger.NotifyAdmin("Недействительная подпись webhook")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("invalid signature"))
			return
		}
		var event struct {
			Event  string `json:"event"`
			Object struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"object"`
		}
		if err := json.Unmarshal(body, &event); err != nil {
			logger.Warn("webhook: bad payload", zap.Error(err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if event.Event != "payment.succeeded" && event.Object.Status != "succeeded" {
			logger.Info("webhook: ignored", zap.String("event", event.Event), zap.String("status", event.Object.Status))
			w.WriteHeader(http.StatusOK)
			return
		}

		ctx := r.Context()
		order, err := deps.Deposits.ConfirmOnlineDeposit(ctx, deps.Snapshot(ctx), event.Object.ID)
		switch {
		case errors.Is(err, common.ErrConcurrentCapture):
			// повтор уведомления, уже зачислено
			w.WriteHeader(http.StatusOK)
			return
		case errors.Is(err, common.ErrOrderNotFound), errors.Is(err, common.ErrOrderNotPending):
			logger.NotifyAdmin(fmt.Sprintf("Платёж %s не удалось зачислить: %v", event.Object.ID, err))
			w.WriteHeader(http.StatusOK)
			return
		case err != nil:
			logger.Error("webhook: confirm deposit", zap.String("payment_id", event.Object.ID), zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		notifyDeposit(ctx, deps, order)
		w.WriteHeader(http.StatusOK)
	}
}

func notifyDeposit(ctx context.Context, deps WebhookDeps, order *db.Order) {
	if deps.Bot == nil {
		return
	}
	user, err := db.GetUser(ctx, deps.DB, order.UserID)
	if err != nil {
		logger.Warn("webhook: user lookup", zap.Uint("order_id", order.ID), zap.Error(err))
		return
	}
	credited := order.Amount + order.DiscountAmount
	text := fmt.Sprintf("✅ Оплата получена. Кошелёк пополнен на %d.%02d ₽.\nБаланс: %d.%02d ₽",
		credited/100, credited%100, user.Balance/100, user.Balance%100)
	if _, err := deps.Bot.Send(tgbotapi.NewMessage(user.TelegramID, text)); err != nil {
		logger.Warn("webhook: notify user", zap.Int64("telegram_id", user.TelegramID), zap.Error(err))
	}
}
