package web

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"VPN-Panel-bot/internal/admin"
	"VPN-Panel-bot/internal/common"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/logger"
)

type loginInput struct {
	Password string `json:"password" binding:"required"`
}

func (s *server) login(c *gin.Context) {
	var input loginInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "нет пароля"})
		return
	}
	if s.deps.AdminPasswordHash == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "вход в админку не настроен"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.deps.AdminPasswordHash), []byte(input.Password)); err != nil {
		logger.Warn("admin api: failed login", zap.String("ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "неверный пароль"})
		return
	}
	token, err := s.tokens.issue(claims{TelegramID: s.deps.AdminID, Role: roleAdmin}, adminTokenTTL)
	if err != nil {
		s.internalError(c, err)
		return
	}
	logger.LogAdminAction(s.deps.AdminID, "api_login", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *server) servers(c *gin.Context) {
	servers, err := s.deps.Registry.Servers(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	online := map[string]bool{}
	if s.deps.Statuses != nil {
		for _, st := range s.deps.Statuses.Statuses() {
			online[st.Name] = st.Online
		}
	}
	out := make([]gin.H, 0, len(servers))
	for _, srv := range servers {
		item := gin.H{
			"id":            srv.ID,
			"name":          srv.Name,
			"location":      srv.Location.Name,
			"host":          srv.IPAddress,
			"capacity":      srv.Capacity,
			"current_users": srv.CurrentUsers,
			"active":        srv.IsActive,
			"link_type":     srv.LinkType,
		}
		if up, ok := online[srv.Name]; ok {
			item["online"] = up
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"servers": out})
}

func (s *server) exportOrders(c *gin.Context) {
	days := 30
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days должен быть положительным числом"})
			return
		}
		days = n
	}
	now := s.now()
	orders, err := db.OrdersBetween(c.Request.Context(), s.deps.DB, now.AddDate(0, 0, -days), now)
	if err != nil {
		s.internalError(c, err)
		return
	}
	var buf bytes.Buffer
	if err := admin.WriteOrdersXLSX(&buf, orders); err != nil {
		s.internalError(c, err)
		return
	}
	logger.LogAdminAction(s.deps.AdminID, "api_export", strconv.Itoa(days))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=orders_%s.xlsx", now.Format("20060102")))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

func orderIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "некорректный id заказа"})
		return 0, false
	}
	return uint(id), true
}

func (s *server) approve(c *gin.Context) {
	id, ok := orderIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	order, err := s.deps.Receipts.ApproveReceipt(ctx, s.deps.Snapshot(ctx), id)
	if err != nil {
		s.receiptError(c, id, err)
		return
	}
	logger.LogAdminAction(s.deps.AdminID, "api_approve", strconv.FormatUint(uint64(id), 10))
	s.notifyBuyer(order, fmt.Sprintf("✅ Оплата по заказу #%d подтверждена.", id))
	c.JSON(http.StatusOK, gin.H{"id": id, "status": order.Status})
}

func (s *server) reject(c *gin.Context) {
	id, ok := orderIDParam(c)
	if !ok {
		return
	}
	order, err := s.deps.Receipts.RejectReceipt(c.Request.Context(), id)
	if err != nil {
		s.receiptError(c, id, err)
		return
	}
	logger.LogAdminAction(s.deps.AdminID, "api_reject", strconv.FormatUint(uint64(id), 10))
	s.notifyBuyer(order, fmt.Sprintf("❌ Оплата по заказу #%d не подтверждена. Если это ошибка, напишите в поддержку.", id))
	c.JSON(http.StatusOK, gin.H{"id": id, "status": order.Status})
}

func (s *server) receiptError(c *gin.Context, id uint, err error) {
	switch {
	case errors.Is(err, common.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "заказ не найден"})
	case errors.Is(err, common.ErrConcurrentCapture), errors.Is(err, common.ErrOrderNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "заказ уже обработан"})
	case errors.Is(err, common.ErrProvisioningFailed), errors.Is(err, common.ErrRefundFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		logger.Error("admin api: receipt", zap.Uint("order_id", id), zap.Error(err))
		s.internalError(c, err)
	}
}

func (s *server) notifyBuyer(order *db.Order, text string) {
	if s.deps.Bot == nil || order == nil || order.User.TelegramID == 0 {
		return
	}
	if _, err := s.deps.Bot.Send(tgbotapi.NewMessage(order.User.TelegramID, text)); err != nil {
		logger.Warn("admin api: notify buyer", zap.Uint("order_id", order.ID), zap.Error(err))
	}
}
