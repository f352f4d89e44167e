package remnawave

import (
	"context"
	"errors"
	"fmt"
	"time"

	"VPN-Panel-bot/internal/panel"
)

// Gateway выдаёт пользователю ссылку на подписку Remnawave
type Gateway struct {
	client  *Client
	squadID string
}

func NewGateway(client *Client, squadID string) *Gateway {
	return &Gateway{client: client, squadID: squadID}
}

func (g *Gateway) Mode() panel.LinkMode { return panel.LinkSubscription }

func formatExpire(t time.Time) string {
	return t.UTC().Format(expireTimeLayout)
}

func toAccount(u *UserResponse) panel.Account {
	return panel.Account{
		Username:        u.Username,
		ClientID:        u.UUID,
		SubID:           u.ShortUUID,
		SubscriptionURL: u.SubscriptionURL,
	}
}

func (g *Gateway) CreateAccount(ctx context.Context, spec panel.AccountSpec) (panel.Account, error) {
	req := CreateUserRequest{
		Username:             spec.Username,
		Status:               statusActive,
		TrafficLimitBytes:    spec.QuotaBytes,
		TrafficLimitStrategy: strategyNoReset,
		ExpireAt:             formatExpire(spec.ExpiresAt),
	}
	if g.squadID != "" {
		req.ActiveInternalSquads = []string{g.squadID}
	}
	u, err := g.client.CreateUser(ctx, req)
	if err != nil {
		return panel.Account{}, fmt.Errorf("remnawave create user: %w", err)
	}
	return toAccount(u), nil
}

func (g *Gateway) resolve(ctx context.Context, acc panel.Account) (panel.Account, error) {
	if acc.ClientID != "" && acc.SubscriptionURL != "" {
		return acc, nil
	}
	u, err := g.client.UserByUsername(ctx, acc.Username)
	if errors.Is(err, ErrNotFound) {
		return acc, fmt.Errorf("remnawave: user %q not found", acc.Username)
	}
	if err != nil {
		return acc, err
	}
	return toAccount(u), nil
}

func (g *Gateway) UpdateAccount(ctx context.Context, acc panel.Account, spec panel.AccountSpec) error {
	acc, err := g.resolve(ctx, acc)
	if err != nil {
		return err
	}
	_, err = g.client.UpdateUser(ctx, UpdateUserRequest{
		UUID:                 acc.ClientID,
		Status:               statusActive,
		TrafficLimitBytes:    spec.QuotaBytes,
		TrafficLimitStrategy: strategyNoReset,
		ExpireAt:             formatExpire(spec.ExpiresAt),
	})
	if err != nil {
		return fmt.Errorf("remnawave update user: %w", err)
	}
	return nil
}

func (g *Gateway) ResetUsage(ctx context.Context, acc panel.Account) error {
	acc, err := g.resolve(ctx, acc)
	if err != nil {
		return err
	}
	if err := g.client.ResetTraffic(ctx, acc.ClientID); err != nil {
		return fmt.Errorf("remnawave reset traffic: %w", err)
	}
	return nil
}

func (g *Gateway) ListAccounts(ctx context.Context) ([]panel.Account, error) {
	users, err := g.client.Users(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]panel.Account, 0, len(users))
	for i := range users {
		out = append(out, toAccount(&users[i]))
	}
	return out, nil
}

// Link: у Remnawave ссылка всегда одна: subscriptionUrl пользователя
func (g *Gateway) Link(ctx context.Context, acc panel.Account, _ string) (string, error) {
	acc, err := g.resolve(ctx, acc)
	if err != nil {
		return "", err
	}
	if acc.SubscriptionURL == "" {
		return "", fmt.Errorf("remnawave: user %q has no subscription url", acc.Username)
	}
	return acc.SubscriptionURL, nil
}
