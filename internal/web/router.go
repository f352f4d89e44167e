// Package web содержит HTTP-поверхность бота: webhook YooKassa, API мини-приложения и админки.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Panel-bot/config"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/ledger"
	"VPN-Panel-bot/internal/logger"
	"VPN-Panel-bot/internal/registry"
	"VPN-Panel-bot/internal/services"
)

type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Receipts: решение админа по чеку
type Receipts interface {
	ApproveReceipt(ctx context.Context, snap config.Snapshot, orderID uint) (*db.Order, error)
	RejectReceipt(ctx context.Context, orderID uint) (*db.Order, error)
}

type StatusSource interface {
	Statuses() []services.ServerStatus
}

type Deps struct {
	DB                *gorm.DB
	Ledger            *ledger.Ledger
	Registry          *registry.Registry
	Receipts          Receipts
	Statuses          StatusSource
	Snapshot          func(context.Context) config.Snapshot
	Bot               Sender
	Webhook           http.HandlerFunc
	BotToken          string
	JWTSecret         string
	AdminID           int64
	AdminPasswordHash string
	Origins           []string
	Now               func() time.Time
}

type server struct {
	deps   Deps
	tokens tokens
}

func (s *server) now() time.Time { return s.deps.Now() }

func (s *server) internalError(c *gin.Context, err error) {
	logger.Error("http handler failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "внутренняя ошибка"})
}

// NewRouter собирает gin-роутер. Без JWT_SECRET API мини-приложения и админки не поднимаются.
func NewRouter(deps Deps) *gin.Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &server{deps: deps, tokens: tokens{secret: []byte(deps.JWTSecret), now: deps.Now}}

	r := gin.New()
	r.Use(gin.Recovery(), requestLog())
	if len(deps.Origins) > 0 {
		cfg := cors.DefaultConfig()
		cfg.AllowOrigins = deps.Origins
		cfg.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
		r.Use(cors.New(cfg))
	}

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if deps.Webhook != nil {
		r.POST("/yookassa/webhook", gin.WrapF(deps.Webhook))
	}
	if deps.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, web app and admin API disabled")
		return r
	}

	webapp := r.Group("/webapp/api")
	webapp.POST("/session", s.session)
	authed := webapp.Group("", s.tokens.requireRole(roleUser))
	{
		authed.GET("/services", s.services)
		authed.GET("/plans", s.plans)
		authed.GET("/locations", s.locations)
	}

	adm := r.Group("/admin/api")
	adm.POST("/login", s.login)
	protected := adm.Group("", s.tokens.requireRole(roleAdmin))
	{
		protected.GET("/servers", s.servers)
		protected.GET("/orders/export", s.exportOrders)
		protected.POST("/orders/:id/approve", s.approve)
		protected.POST("/orders/:id/reject", s.reject)
	}
	return r
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}
