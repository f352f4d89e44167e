package xui

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"VPN-Panel-bot/internal/panel"
)

// Endpoint: откуда пользователь подключается к инбаунду
type Endpoint struct {
	InboundID int
	Mode      panel.LinkMode
	// Address: публичный адрес сервера для прямой ссылки
	Address string
	// SubscriptionBase: https://domain:port, SubscriptionPath, /sub/
	SubscriptionBase string
	SubscriptionPath string
	TunnelAddress    string
	TunnelPort       int
	TunnelTLS        bool
}

// Gateway: panel.Gateway поверх одного инбаунда 3x-ui
type Gateway struct {
	client *Client
	ep     Endpoint
}

func NewGateway(client *Client, ep Endpoint) *Gateway {
	if ep.SubscriptionPath == "" {
		ep.SubscriptionPath = "/sub/"
	}
	return &Gateway{client: client, ep: ep}
}

func (g *Gateway) Mode() panel.LinkMode { return g.ep.Mode }

func (g *Gateway) CreateAccount(ctx context.Context, spec panel.AccountSpec) (panel.Account, error) {
	cs := ClientSettings{
		ID:         uuid.NewString(),
		Email:      spec.Username,
		TotalGB:    spec.QuotaBytes,
		ExpiryTime: spec.ExpiresAt.UnixMilli(),
		Enable:     true,
		SubID:      randomSubID(),
	}
	if err := g.client.AddClient(ctx, g.ep.InboundID, cs); err != nil {
		return panel.Account{}, err
	}
	return panel.Account{
		Username:  spec.Username,
		ClientID:  cs.ID,
		SubID:     cs.SubID,
		InboundID: g.ep.InboundID,
	}, nil
}

// resolve дополняет аккаунт данными панели, если в заказе их нет (старые заказы)
func (g *Gateway) resolve(ctx context.Context, acc panel.Account) (panel.Account, error) {
	if acc.InboundID == 0 {
		acc.InboundID = g.ep.InboundID
	}
	if acc.ClientID != "" && acc.SubID != "" {
		return acc, nil
	}
	clients, err := g.client.Clients(ctx, acc.InboundID)
	if err != nil {
		return acc, err
	}
	for _, c := range clients {
		if c.Email == acc.Username {
			acc.ClientID = c.ID
			acc.SubID = c.SubID
			return acc, nil
		}
	}
	return acc, fmt.Errorf("xui: client %q not found in inbound %d", acc.Username, acc.InboundID)
}

func (g *Gateway) UpdateAccount(ctx context.Context, acc panel.Account, spec panel.AccountSpec) error {
	acc, err := g.resolve(ctx, acc)
	if err != nil {
		return err
	}
	return g.client.UpdateClient(ctx, acc.InboundID, ClientSettings{
		ID:         acc.ClientID,
		Email:      acc.Username,
		TotalGB:    spec.QuotaBytes,
		ExpiryTime: spec.ExpiresAt.UnixMilli(),
		Enable:     true,
		SubID:      acc.SubID,
	})
}

func (g *Gateway) ResetUsage(ctx context.Context, acc panel.Account) error {
	inbound := acc.InboundID
	if inbound == 0 {
		inbound = g.ep.InboundID
	}
	return g.client.ResetClientTraffic(ctx, inbound, acc.Username)
}

func (g *Gateway) ListAccounts(ctx context.Context) ([]panel.Account, error) {
	clients, err := g.client.Clients(ctx, g.ep.InboundID)
	if err != nil {
		return nil, err
	}
	out := make([]panel.Account, 0, len(clients))
	for _, c := range clients {
		out = append(out, panel.Account{Username: c.Email, ClientID: c.ID, SubID: c.SubID, InboundID: g.ep.InboundID})
	}
	return out, nil
}

// Verify проверяет, что инбаунд сервера есть на панели
func (g *Gateway) Verify(ctx context.Context) error {
	inbounds, err := g.client.Inbounds(ctx)
	if err != nil {
		return err
	}
	for _, in := range inbounds {
		if in.ID == g.ep.InboundID {
			if !in.Enable {
				return fmt.Errorf("xui: inbound %d is disabled", in.ID)
			}
			return nil
		}
	}
	return fmt.Errorf("xui: inbound %d not found", g.ep.InboundID)
}

func (g *Gateway) Link(ctx context.Context, acc panel.Account, remark string) (string, error) {
	acc, err := g.resolve(ctx, acc)
	if err != nil {
		return "", err
	}
	if g.ep.Mode == panel.LinkSubscription {
		if g.ep.SubscriptionBase == "" {
			return "", fmt.Errorf("xui: subscription base is not configured")
		}
		return panel.BuildSubscriptionURL(g.ep.SubscriptionBase, g.ep.SubscriptionPath, acc.SubID), nil
	}

	in, err := g.client.Inbound(ctx, acc.InboundID)
	if err != nil {
		return "", err
	}
	if in.Protocol != "vless" {
		return "", fmt.Errorf("xui: direct links are built for vless only, inbound %d is %s", in.ID, in.Protocol)
	}
	stream, err := panel.ParseStreamSettings(in.StreamSettings)
	if err != nil {
		return "", err
	}
	p := panel.VLESSParams{
		ClientID: acc.ClientID,
		Address:  g.ep.Address,
		Port:     in.Port,
		Remark:   remark,
		Stream:   stream,
	}
	if g.ep.Mode == panel.LinkTunnel {
		p.Address = g.ep.TunnelAddress
		p.Port = g.ep.TunnelPort
		p.ForceSecurity = "none"
		if g.ep.TunnelTLS {
			p.ForceSecurity = "tls"
		}
	}
	if p.Address == "" {
		return "", fmt.Errorf("xui: link address is not configured")
	}
	return panel.BuildVLESS(p), nil
}

const subIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomSubID() string {
	b := make([]byte, 16)
	size := big.NewInt(int64(len(subIDAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			panic(err)
		}
		b[i] = subIDAlphabet[n.Int64()]
	}
	return string(b)
}
