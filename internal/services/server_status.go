package services

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/logger"
)

const dialTimeout = 2 * time.Second

type ServerStatus struct {
	Name        string
	Host        string
	Online      bool
	LastChecked time.Time
}

// ServerLister: откуда брать серверы для проверки
type ServerLister interface {
	Servers(ctx context.Context) ([]db.Server, error)
}

// StatusChecker проверяет TCP-доступность панелей и помнит последний результат.
// Алерт уходит только при переходе сервера в offline.
type StatusChecker struct {
	servers ServerLister
	now     func() time.Time

	mu      sync.RWMutex
	last    []ServerStatus
	offline map[uint]bool
}

func NewStatusChecker(servers ServerLister) *StatusChecker {
	return &StatusChecker{servers: servers, now: time.Now, offline: map[uint]bool{}}
}

func (c *StatusChecker) Statuses() []ServerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ServerStatus, len(c.last))
	copy(out, c.last)
	return out
}

func (c *StatusChecker) Refresh(ctx context.Context) {
	servers, err := c.servers.Servers(ctx)
	if err != nil {
		logger.Error("server status: list servers", zap.Error(err))
		return
	}
	var statuses []ServerStatus
	for _, srv := range servers {
		if !srv.IsActive {
			continue
		}
		addr := net.JoinHostPort(srv.IPAddress, strconv.Itoa(srv.Port))
		status := ServerStatus{Name: srv.Name, Host: addr, Online: reachable(ctx, addr)}
		status.LastChecked = c.now()
		statuses = append(statuses, status)

		c.mu.Lock()
		wasOffline := c.offline[srv.ID]
		c.offline[srv.ID] = !status.Online
		c.mu.Unlock()
		switch {
		case !status.Online && !wasOffline:
			logger.Warn("server offline", zap.String("server", srv.Name), zap.String("addr", addr))
			logger.NotifyAdmin("Сервер " + srv.Name + " (" + addr + ") недоступен!")
		case status.Online && wasOffline:
			logger.NotifyAdmin("Сервер " + srv.Name + " (" + addr + ") снова доступен.")
		}
	}
	c.mu.Lock()
	c.last = statuses
	c.mu.Unlock()
}

func reachable(ctx context.Context, addr string) bool {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
