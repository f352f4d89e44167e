package db

import (
	"fmt"
	"net"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Статусы заказа
const (
	OrderPending = "pending"
	OrderPaid    = "paid"
	OrderFailed  = "failed"
)

// Источники заказа
const (
	SourceTelegram        = "telegram"
	SourceTelegramRenewal = "telegram_renewal"
	SourceTelegramDeposit = "telegram_deposit"
	SourceTelegramTrial   = "telegram_trial"
)

// Способы оплаты
const (
	PaymentWallet   = "wallet"
	PaymentCard     = "card"
	PaymentYooKassa = "yookassa"
	PaymentTrial    = "trial"
)

// Типы транзакций
const (
	TxPurchase = "purchase"
	TxRenewal  = "renewal"
	TxRefund   = "refund"
	TxDeposit  = "deposit"
)

// Режимы выдачи ссылки сервером
const (
	LinkSingle       = "single"
	LinkSubscription = "subscription"
	LinkTunnel       = "tunnel"
)

type User struct {
	ID                 uint   `gorm:"primaryKey"`
	TelegramID         int64  `gorm:"uniqueIndex"`
	FirstName          string
	Balance            int64   `gorm:"not null;default:0"`
	BotState           *string // токен диалога, nil = idle
	TrialAccountsTaken int     `gorm:"not null;default:0"`
	ReferralCode       string  `gorm:"uniqueIndex"`
	ReferrerID         *uint
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Plan struct {
	ID           uint `gorm:"primaryKey"`
	Name         string
	Price        int64
	DurationDays int
	VolumeGB     int
	IsActive     bool
	CreatedAt    time.Time
}

type Location struct {
	ID       uint `gorm:"primaryKey"`
	Name     string
	Flag     string
	Slug     string `gorm:"uniqueIndex"`
	IsActive bool
	Servers  []Server
}

// Server: удалённая панель с лимитом аккаунтов.
type Server struct {
	ID           uint `gorm:"primaryKey"`
	LocationID   uint `gorm:"index"`
	Location     Location
	Name         string
	IPAddress    string
	Port         int `gorm:"default:54321"`
	Username     string
	Password     string
	IsHTTPS      bool
	Path         string `gorm:"default:'/'"`
	InboundID    int
	Capacity     int `gorm:"not null;default:1000"`
	CurrentUsers int `gorm:"not null;default:0"`
	IsActive     bool

	LinkType           string `gorm:"default:'single'"`
	SubscriptionDomain string
	SubscriptionPath   string `gorm:"default:'/sub/'"`
	SubscriptionPort   int    `gorm:"default:2053"`
	TunnelAddress      string
	TunnelPort         int `gorm:"default:443"`
	TunnelIsHTTPS      bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BeforeSave оставляет в IPAddress только хост
func (s *Server) BeforeSave(tx *gorm.DB) error {
	s.IPAddress = NormalizeHost(s.IPAddress)
	if s.Path == "" {
		s.Path = "/"
	}
	return nil
}

// NormalizeHost убирает схему, путь и порт
func NormalizeHost(raw string) string {
	h := strings.TrimSpace(raw)
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.Index(h, "/"); i >= 0 {
		h = h[:i]
	}
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	return h
}

// FullHost: адрес панели вместе со схемой, портом и путём
func (s Server) FullHost() string {
	scheme := "http"
	if s.IsHTTPS {
		scheme = "https"
	}
	path := "/" + strings.Trim(s.Path, "/")
	if path == "/" {
		path = ""
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, s.IPAddress, s.Port, path)
}

// Order: единица работы: покупка, продление или пополнение.
type Order struct {
	ID                 uint   `gorm:"primaryKey"`
	UserID             uint   `gorm:"index"`
	User               User
	PlanID             *uint
	Plan               *Plan
	ServerID           *uint `gorm:"index"`
	Server             *Server
	Status             string `gorm:"index;not null;default:'pending'"`
	Source             string
	PaymentMethod      string
	Amount             int64
	DiscountAmount     int64
	DiscountCodeID     *uint
	PanelUsername      string `gorm:"index"`
	ConfigDetails      string
	PanelMeta          datatypes.JSON
	ExpiresAt          *time.Time
	RenewsOrderID      *uint `gorm:"index"`
	CardPaymentReceipt string
	ExternalPaymentID  string `gorm:"index"`
	NotifiedExpiring   bool   `gorm:"default:false"`
	NotifiedExpired    bool   `gorm:"default:false"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsDeposit: пополнение кошелька, без тарифа
func (o Order) IsDeposit() bool { return o.Source == SourceTelegramDeposit }

// IsTrial: пробный аккаунт, тоже без тарифа
func (o Order) IsTrial() bool { return o.Source == SourceTelegramTrial }

// IsRenewal: строка продления, ссылается на исходный заказ
func (o Order) IsRenewal() bool { return o.RenewsOrderID != nil }

// Transaction: неизменяемая запись движения баланса.
type Transaction struct {
	ID          uint  `gorm:"primaryKey"`
	UserID      uint  `gorm:"index"`
	OrderID     *uint `gorm:"index"`
	Amount      int64
	Type        string
	Status      string
	Description string
	CreatedAt   time.Time
}

// Типы промокодов
const (
	DiscountPercent = "percent"
	DiscountFixed   = "fixed"
)

type DiscountCode struct {
	ID                uint   `gorm:"primaryKey"`
	Code              string `gorm:"uniqueIndex"`
	IsActive          bool
	StartsAt          *time.Time
	ExpiresAt         *time.Time
	Type              string
	Value             int64
	MinOrderAmount    int64
	AppliesToPurchase bool
	AppliesToRenewal  bool
	AppliesToDeposit  bool
	UsageLimit        int // 0 = без лимита
	UsedCount         int `gorm:"not null;default:0"`
	CreatedAt         time.Time
}

type DiscountCodeUsage struct {
	ID             uint `gorm:"primaryKey"`
	DiscountCodeID uint `gorm:"index"`
	UserID         uint
	OrderID        uint `gorm:"uniqueIndex"`
	DiscountAmount int64
	OriginalAmount int64
	CreatedAt      time.Time
}

// Статусы тикета
const (
	TicketOpen     = "open"
	TicketAnswered = "answered"
	TicketClosed   = "closed"
)

type Ticket struct {
	ID        uint `gorm:"primaryKey"`
	UserID    uint `gorm:"index"`
	Subject   string
	Message   string
	Status    string `gorm:"default:'open'"`
	Source    string
	Replies   []TicketReply
	CreatedAt time.Time
	UpdatedAt time.Time
}

type TicketReply struct {
	ID               uint `gorm:"primaryKey"`
	TicketID         uint `gorm:"index"`
	UserID           *uint
	Message          string
	AttachmentFileID string
	CreatedAt        time.Time
}

type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// Models: всё, что создаёт AutoMigrate
func Models() []interface{} {
	return []interface{}{
		&User{}, &Plan{}, &Location{}, &Server{}, &Order{}, &Transaction{},
		&DiscountCode{}, &DiscountCodeUsage{}, &Ticket{}, &TicketReply{}, &Setting{},
	}
}
