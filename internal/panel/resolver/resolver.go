// Package resolver выбирает шлюз панели для сервера: у каждого 3x-ui сервера
// своя панель, Remnawave и серверы без доступа к панели идут через шлюз из env.
package resolver

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"VPN-Panel-bot/config"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/panel"
	"VPN-Panel-bot/internal/panel/remnawave"
	"VPN-Panel-bot/internal/panel/xui"
)

type cached struct {
	gw        panel.Gateway
	updatedAt time.Time
}

type Resolver struct {
	cfg *config.AppConfig

	mu    sync.Mutex
	def   panel.Gateway
	perSv map[uint]cached
}

func New(cfg *config.AppConfig) *Resolver {
	return &Resolver{cfg: cfg, perSv: make(map[uint]cached)}
}

// Default: шлюз из PANEL_TYPE, создаётся один раз
func (r *Resolver) Default() (panel.Gateway, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultLocked()
}

func (r *Resolver) defaultLocked() (panel.Gateway, error) {
	if r.def != nil {
		return r.def, nil
	}
	switch r.cfg.PanelType {
	case "remnawave":
		r.def = remnawave.NewGateway(remnawave.NewClient(r.cfg.RemnawaveURL, r.cfg.RemnawaveToken, r.cfg.PanelTimeout), r.cfg.RemnawaveSquadID)
	case "xui":
		client, err := xui.NewClient(r.cfg.XUIHost, r.cfg.XUIUser, r.cfg.XUIPass, r.cfg.PanelTimeout)
		if err != nil {
			return nil, err
		}
		address := r.cfg.ServerAddressForLink
		if address == "" {
			address = db.NormalizeHost(r.cfg.XUIHost)
		}
		r.def = xui.NewGateway(client, xui.Endpoint{
			InboundID:        r.cfg.XUIInboundID,
			Mode:             panel.ParseLinkMode(r.cfg.XUILinkType),
			Address:          address,
			SubscriptionBase: r.cfg.XUISubscriptionBase,
		})
	default:
		return nil, fmt.Errorf("unknown panel type %q", r.cfg.PanelType)
	}
	return r.def, nil
}

// ForServer возвращает шлюз сервера. Клиент пересоздаётся, если сервер редактировали.
func (r *Resolver) ForServer(s *db.Server) (panel.Gateway, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s == nil || r.cfg.PanelType == "remnawave" || s.IPAddress == "" || s.Username == "" {
		return r.defaultLocked()
	}
	if c, ok := r.perSv[s.ID]; ok && c.updatedAt.Equal(s.UpdatedAt) {
		return c.gw, nil
	}
	client, err := xui.NewClient(s.FullHost(), s.Username, s.Password, r.cfg.PanelTimeout)
	if err != nil {
		return nil, fmt.Errorf("server %d: %w", s.ID, err)
	}
	gw := xui.NewGateway(client, EndpointFor(s))
	r.perSv[s.ID] = cached{gw: gw, updatedAt: s.UpdatedAt}
	return gw, nil
}

// EndpointFor собирает адреса для ссылок из полей сервера
func EndpointFor(s *db.Server) xui.Endpoint {
	ep := xui.Endpoint{
		InboundID:        s.InboundID,
		Mode:             panel.ParseLinkMode(s.LinkType),
		Address:          s.IPAddress,
		SubscriptionPath: s.SubscriptionPath,
		TunnelAddress:    db.NormalizeHost(s.TunnelAddress),
		TunnelPort:       s.TunnelPort,
		TunnelTLS:        s.TunnelIsHTTPS,
	}
	host := db.NormalizeHost(s.SubscriptionDomain)
	scheme := "https"
	if host == "" {
		host = s.IPAddress
		if !s.IsHTTPS {
			scheme = "http"
		}
	}
	if host != "" {
		port := s.SubscriptionPort
		if port == 0 {
			port = 2053
		}
		ep.SubscriptionBase = scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port))
	}
	if ep.TunnelAddress == "" {
		ep.TunnelAddress = s.IPAddress
	}
	if ep.TunnelPort == 0 {
		ep.TunnelPort = 443
	}
	ep.SubscriptionPath = "/" + strings.Trim(ep.SubscriptionPath, "/") + "/"
	return ep
}
