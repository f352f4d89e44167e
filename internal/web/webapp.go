package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/logger"
)

// initData старше суток не принимается
const initDataMaxAge = 24 * time.Hour

type webAppUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
}

// verifyInitData проверяет подпись initData мини-приложения Telegram:
// secret = HMAC_SHA256("WebAppData", botToken), hash = HMAC_SHA256(secret, data_check_string).
func verifyInitData(initData, botToken string, now time.Time) (webAppUser, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return webAppUser{}, err
	}
	hash := values.Get("hash")
	if hash == "" {
		return webAppUser{}, errors.New("hash missing")
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values.Get(k))
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	h := hmac.New(sha256.New, secret.Sum(nil))
	h.Write([]byte(strings.Join(pairs, "\n")))
	if !hmac.Equal([]byte(hex.EncodeToString(h.Sum(nil))), []byte(hash)) {
		return webAppUser{}, errors.New("bad signature")
	}

	authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return webAppUser{}, errors.New("auth_date missing")
	}
	if now.Sub(time.Unix(authDate, 0)) > initDataMaxAge {
		return webAppUser{}, errors.New("init data expired")
	}

	var user webAppUser
	if err := json.Unmarshal([]byte(values.Get("user")), &user); err != nil || user.ID == 0 {
		return webAppUser{}, errors.New("user missing")
	}
	return user, nil
}

type sessionInput struct {
	InitData string `json:"init_data" binding:"required"`
}

func (s *server) session(c *gin.Context) {
	var input sessionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "нет init_data"})
		return
	}
	tgUser, err := verifyInitData(input.InitData, s.deps.BotToken, s.now())
	if err != nil {
		logger.Debug("webapp: init data rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "данные Telegram не прошли проверку"})
		return
	}
	user, _, err := db.FindOrCreateUser(c.Request.Context(), s.deps.DB, tgUser.ID, tgUser.FirstName, "")
	if err != nil {
		s.internalError(c, err)
		return
	}
	token, err := s.tokens.issue(claims{UserID: user.ID, TelegramID: user.TelegramID, Role: roleUser}, userTokenTTL)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"user": gin.H{
			"id":         user.ID,
			"first_name": user.FirstName,
			"balance":    user.Balance,
		},
	})
}

type serviceDTO struct {
	ID        uint       `json:"id"`
	Username  string     `json:"username"`
	Plan      string     `json:"plan,omitempty"`
	Location  string     `json:"location,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Expired   bool       `json:"expired"`
	Trial     bool       `json:"trial"`
	Link      string     `json:"link"`
}

func (s *server) services(c *gin.Context) {
	cl := claimsFrom(c)
	orders, err := s.deps.Ledger.PaidServices(c.Request.Context(), cl.UserID)
	if err != nil {
		s.internalError(c, err)
		return
	}
	now := s.now()
	out := make([]serviceDTO, 0, len(orders))
	for _, o := range orders {
		dto := serviceDTO{
			ID:        o.ID,
			Username:  o.PanelUsername,
			ExpiresAt: o.ExpiresAt,
			Expired:   o.ExpiresAt != nil && o.ExpiresAt.Before(now),
			Trial:     o.IsTrial(),
			Link:      o.ConfigDetails,
		}
		if o.Plan != nil {
			dto.Plan = o.Plan.Name
		}
		if o.Server != nil {
			dto.Location = strings.TrimSpace(o.Server.Location.Flag + " " + o.Server.Location.Name)
		}
		out = append(out, dto)
	}
	c.JSON(http.StatusOK, gin.H{"services": out})
}

func (s *server) plans(c *gin.Context) {
	plans, err := db.ActivePlans(c.Request.Context(), s.deps.DB)
	if err != nil {
		s.internalError(c, err)
		return
	}
	out := make([]gin.H, 0, len(plans))
	for _, p := range plans {
		out = append(out, gin.H{
			"id":            p.ID,
			"name":          p.Name,
			"price":         p.Price,
			"duration_days": p.DurationDays,
			"volume_gb":     p.VolumeGB,
		})
	}
	c.JSON(http.StatusOK, gin.H{"plans": out})
}

func (s *server) locations(c *gin.Context) {
	ctx := c.Request.Context()
	loads, err := s.deps.Registry.Locations(ctx)
	if err != nil {
		s.internalError(c, err)
		return
	}
	snap := s.deps.Snapshot(ctx)
	out := make([]gin.H, 0, len(loads))
	for _, l := range loads {
		if snap.HideFullLocations && l.Full() {
			continue
		}
		item := gin.H{"id": l.Location.ID, "name": l.Location.Name, "flag": l.Location.Flag, "full": l.Full()}
		if snap.ShowCapacity {
			item["remaining"] = l.Remaining
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"locations": out})
}
