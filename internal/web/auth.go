package web

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	roleUser  = "user"
	roleAdmin = "admin"

	userTokenTTL  = 24 * time.Hour
	adminTokenTTL = 12 * time.Hour
)

type claims struct {
	UserID     uint   `json:"user_id,omitempty"`
	TelegramID int64  `json:"tg_id,omitempty"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

type tokens struct {
	secret []byte
	now    func() time.Time
}

func (t tokens) issue(c claims, ttl time.Duration) (string, error) {
	now := t.now()
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.secret)
}

func (t tokens) parse(raw string) (*claims, error) {
	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return &c, nil
}

const claimsKey = "claims"

// requireRole пускает только с валидным Bearer-токеном нужной роли
func (t tokens) requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "требуется токен доступа"})
			return
		}
		cl, err := t.parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "токен недействителен"})
			return
		}
		if cl.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "недостаточно прав"})
			return
		}
		c.Set(claimsKey, cl)
		c.Next()
	}
}

func claimsFrom(c *gin.Context) *claims {
	v, _ := c.Get(claimsKey)
	cl, _ := v.(*claims)
	return cl
}
