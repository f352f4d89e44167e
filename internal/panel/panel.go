// Package panel описывает удалённую панель, на которой создаются VPN-аккаунты.
// Реализации: xui (инбаунды и клиенты 3x-ui) и remnawave (подписки).
package panel

import (
	"context"
	"encoding/json"
	"time"
)

// LinkMode: что получает пользователь
type LinkMode string

const (
	LinkSingle       LinkMode = "single"
	LinkSubscription LinkMode = "subscription"
	LinkTunnel       LinkMode = "tunnel"
)

// ParseLinkMode: неизвестное значение считается single
func ParseLinkMode(s string) LinkMode {
	switch LinkMode(s) {
	case LinkSubscription, LinkTunnel:
		return LinkMode(s)
	}
	return LinkSingle
}

// AccountSpec: параметры аккаунта. QuotaBytes == 0, без лимита трафика.
type AccountSpec struct {
	Username   string
	QuotaBytes int64
	ExpiresAt  time.Time
}

// Account: то, что панель вернула при создании. Хранится в Order.PanelMeta.
type Account struct {
	Username        string `json:"username"`
	ClientID        string `json:"client_id,omitempty"`
	SubID           string `json:"sub_id,omitempty"`
	InboundID       int    `json:"inbound_id,omitempty"`
	SubscriptionURL string `json:"subscription_url,omitempty"`
	// Mode: вид ссылки, выданной при создании
	Mode LinkMode `json:"mode,omitempty"`
}

// Meta сериализует аккаунт для колонки panel_meta
func (a Account) Meta() []byte {
	b, _ := json.Marshal(a)
	return b
}

// AccountFromMeta восстанавливает аккаунт; для старых заказов без меты хватает имени
func AccountFromMeta(meta []byte, username string) Account {
	var a Account
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &a)
	}
	if a.Username == "" {
		a.Username = username
	}
	return a
}

// Gateway: возможности панели, которыми пользуется оркестратор.
type Gateway interface {
	CreateAccount(ctx context.Context, spec AccountSpec) (Account, error)
	// UpdateAccount продлевает срок и выставляет квоту
	UpdateAccount(ctx context.Context, acc Account, spec AccountSpec) error
	ResetUsage(ctx context.Context, acc Account) error
	ListAccounts(ctx context.Context) ([]Account, error)
	// Link строит ссылку, которую получает пользователь; remark: подпись в клиенте
	Link(ctx context.Context, acc Account, remark string) (string, error)
	Mode() LinkMode
}

// Verifier: шлюз, который умеет проверить свою настройку на панели
type Verifier interface {
	Verify(ctx context.Context) error
}

// GiB: байт в гигабайте панели
const GiB int64 = 1024 * 1024 * 1024

const MiB int64 = 1024 * 1024
