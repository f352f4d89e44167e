package bot

import (
	"strings"
	"sync"
	"time"

	"VPN-Panel-bot/internal/conversation"
)

type limitKeyT struct {
	user   int64
	action string
}

// RateLimiter: in-memory лимит на пользователя и вид действия.
// Админа вызывающий код не лимитирует.
type RateLimiter struct {
	mu     sync.Mutex
	seen   map[limitKeyT]time.Time
	limits map[string]time.Duration
	now    func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		seen: make(map[limitKeyT]time.Time),
		limits: map[string]time.Duration{
			"payment": 3 * time.Second,
			"trial":   10 * time.Second,
			"photo":   2 * time.Second,
		},
		now: time.Now,
	}
}

const (
	defaultLimit = 700 * time.Millisecond
	// при таком числе записей старые отметки вычищаются
	pruneAt = 10000
)

// IsLimited отмечает действие и говорит, слишком ли оно частое
func (r *RateLimiter) IsLimited(userID int64, action string) bool {
	limit, ok := r.limits[action]
	if !ok {
		limit = defaultLimit
	}
	k := limitKeyT{user: userID, action: action}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if last, ok := r.seen[k]; ok && now.Sub(last) < limit {
		return true
	}
	if len(r.seen) >= pruneAt {
		r.prune(now)
	}
	r.seen[k] = now
	return false
}

func (r *RateLimiter) prune(now time.Time) {
	longest := defaultLimit
	for _, d := range r.limits {
		longest = max(longest, d)
	}
	for k, t := range r.seen {
		if now.Sub(t) >= longest {
			delete(r.seen, k)
		}
	}
}

var paymentPrefixes = []string{"pay_", "renew_pay_", "deposit_amount_", "admin_"}

// limitKey: вид действия: оплаты и пробный доступ лимитируются строже навигации
func limitKey(ev conversation.Event) string {
	switch ev.Type {
	case conversation.EventPhoto:
		return "photo"
	case conversation.EventCallback:
		if ev.Payload == "/trial" {
			return "trial"
		}
		for _, p := range paymentPrefixes {
			if strings.HasPrefix(ev.Payload, p) {
				return "payment"
			}
		}
		return "callback"
	}
	return "text"
}
