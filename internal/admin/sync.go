package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/panel"
)

// Gateways выдаёт шлюз панели для сервера
type Gateways interface {
	ForServer(s *db.Server) (panel.Gateway, error)
}

const (
	syncTimeout = 30 * time.Second
	syncListMax = 20
)

// syncServer сверяет оплаченные сервисы сервера с клиентами на панели.
// Аккаунты без заказа остаются после сбоев выдачи и удаляются админом вручную.
func (h *Handler) syncServer(ctx context.Context, chat int64, args []string) error {
	if h.opts.Gateways == nil {
		h.reply(chat, "Панели не настроены.")
		return nil
	}
	if len(args) != 1 {
		h.reply(chat, "Использование: /admin_sync <id сервера>")
		return nil
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || id == 0 {
		h.reply(chat, "Использование: /admin_sync <id сервера>")
		return nil
	}
	var server db.Server
	if err := h.db.WithContext(ctx).Preload("Location").First(&server, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.reply(chat, fmt.Sprintf("Сервер #%d не найден.", id))
			return nil
		}
		return err
	}
	gw, err := h.opts.Gateways.ForServer(&server)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	var b strings.Builder
	fmt.Fprintf(&b, "Сверка %s (#%d)\n", server.Name, server.ID)
	// у 3x-ui аккаунты живут в инбаунде конкретного сервера
	v, perServer := gw.(panel.Verifier)
	if perServer {
		if err := v.Verify(pctx); err != nil {
			fmt.Fprintf(&b, "\n❌ %v", err)
		} else {
			b.WriteString("\n✅ инбаунд на месте")
		}
	}

	accounts, err := gw.ListAccounts(pctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	q := h.db.WithContext(ctx).Model(&db.Order{}).
		Where("status = ? AND renews_order_id IS NULL AND panel_username <> ''", db.OrderPaid)
	if perServer {
		q = q.Where("server_id = ?", server.ID)
	}
	var usernames []string
	if err := q.Pluck("panel_username", &usernames).Error; err != nil {
		return err
	}

	paid := make(map[string]bool, len(usernames))
	for _, u := range usernames {
		paid[u] = true
	}
	onPanel := make(map[string]bool, len(accounts))
	var orphans []string
	for _, a := range accounts {
		onPanel[a.Username] = true
		if !paid[a.Username] {
			orphans = append(orphans, a.Username)
		}
	}
	var missing []string
	for u := range paid {
		if !onPanel[u] {
			missing = append(missing, u)
		}
	}

	fmt.Fprintf(&b, "\nНа панели: %d, оплачено в базе: %d", len(accounts), len(paid))
	writeNames(&b, "Нет на панели", missing)
	writeNames(&b, "Без заказа", orphans)
	h.reply(chat, b.String())
	return nil
}

func writeNames(b *strings.Builder, title string, names []string) {
	if len(names) == 0 {
		return
	}
	sort.Strings(names)
	fmt.Fprintf(b, "\n\n%s (%d):", title, len(names))
	for i, n := range names {
		if i == syncListMax {
			fmt.Fprintf(b, "\n… и ещё %d", len(names)-syncListMax)
			break
		}
		b.WriteString("\n• " + n)
	}
}
