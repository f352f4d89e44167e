package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const yooKassaAPI = "https://api.yookassa.ru/v3/payments"

type PaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

// YooKassa создаёт платежи с редиректом на страницу оплаты
type YooKassa struct {
	shopID    string
	secret    string
	returnURL string
	apiURL    string
	client    *http.Client
}

func NewYooKassa(shopID, secret, returnURL string) *YooKassa {
	return &YooKassa{
		shopID:    shopID,
		secret:    secret,
		returnURL: returnURL,
		apiURL:    yooKassaAPI,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

// CreatePayment: amount в копейках. Возвращает id платежа и ссылку на оплату.
func (y *YooKassa) CreatePayment(ctx context.Context, orderID uint, amount int64, description string) (string, string, error) {
	body := map[string]interface{}{
		"amount":       map[string]string{"value": formatAmount(amount), "currency": "RUB"},
		"confirmation": map[string]string{"type": "redirect", "return_url": y.returnURL},
		"capture":      true,
		"description":  description,
		"metadata":     map[string]string{"order_id": strconv.FormatUint(uint64(orderID), 10)},
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, y.apiURL, bytes.NewReader(jsonBody))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())
	req.SetBasicAuth(y.shopID, y.secret)

	resp, err := y.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("yookassa request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", "", fmt.Errorf("yookassa: status %d: %s", resp.StatusCode, msg)
	}
	var pr PaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", "", err
	}
	if pr.ID == "" || pr.Confirmation.ConfirmationURL == "" {
		return "", "", fmt.Errorf("yookassa: empty payment id or confirmation url")
	}
	return pr.ID, pr.Confirmation.ConfirmationURL, nil
}

func formatAmount(kopecks int64) string {
	return fmt.Sprintf("%d.%02d", kopecks/100, kopecks%100)
}
