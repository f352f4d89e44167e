package xui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"VPN-Panel-bot/internal/panel"
)

// fakePanel: минимальная 3x-ui: логин по cookie и один vless-инбаунд
type fakePanel struct {
	mu          sync.Mutex
	logins      int
	clients     []ClientSettings
	expireOnce  bool
	resetEmails []string
	stream      string
}

func (f *fakePanel) snapshot() ([]ClientSettings, int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ClientSettings(nil), f.clients...), f.logins, append([]string(nil), f.resetEmails...)
}

func (f *fakePanel) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}
	authed := func(w http.ResponseWriter, r *http.Request) bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.expireOnce {
			f.expireOnce = false
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		if c, err := r.Cookie("session"); err != nil || c.Value != "ok" {
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		return true
	}

	mux.HandleFunc("/base/login", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("username") != "admin" || r.Form.Get("password") != "secret" {
			writeJSON(w, map[string]interface{}{"success": false, "msg": "wrong password"})
			return
		}
		f.mu.Lock()
		f.logins++
		f.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "ok", Path: "/"})
		writeJSON(w, map[string]interface{}{"success": true})
	})
	// первая версия пути не поддерживается: клиент должен попробовать следующую
	mux.HandleFunc("/base/panel/api/inbounds/addClient", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/base/panel/inbound/addClient", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		r.ParseForm()
		var s struct {
			Clients []ClientSettings `json:"clients"`
		}
		if err := json.Unmarshal([]byte(r.Form.Get("settings")), &s); err != nil || r.Form.Get("id") != "1" {
			writeJSON(w, map[string]interface{}{"success": false, "msg": "bad form"})
			return
		}
		f.mu.Lock()
		f.clients = append(f.clients, s.Clients...)
		f.mu.Unlock()
		writeJSON(w, map[string]interface{}{"success": true})
	})
	mux.HandleFunc("/base/panel/api/inbounds/get/1", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		f.mu.Lock()
		settings, _ := json.Marshal(map[string]interface{}{"clients": f.clients})
		f.mu.Unlock()
		writeJSON(w, map[string]interface{}{"success": true, "obj": Inbound{
			ID: 1, Protocol: "vless", Port: 443, Settings: string(settings), StreamSettings: f.stream,
		}})
	})
	mux.HandleFunc("/base/panel/api/inbounds/list", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		writeJSON(w, map[string]interface{}{"success": true, "obj": []Inbound{
			{ID: 1, Protocol: "vless", Port: 443, Enable: true},
			{ID: 2, Protocol: "vmess", Port: 8443, Enable: false},
		}})
	})
	mux.HandleFunc("/base/panel/api/inbounds/updateClient/", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		r.ParseForm()
		id := strings.TrimPrefix(r.URL.Path, "/base/panel/api/inbounds/updateClient/")
		var s struct {
			Clients []ClientSettings `json:"clients"`
		}
		json.Unmarshal([]byte(r.Form.Get("settings")), &s)
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, c := range f.clients {
			if c.ID == id && len(s.Clients) == 1 {
				f.clients[i] = s.Clients[0]
				writeJSON(w, map[string]interface{}{"success": true})
				return
			}
		}
		writeJSON(w, map[string]interface{}{"success": false, "msg": "client not found"})
	})
	mux.HandleFunc("/base/panel/api/inbounds/1/resetClientTraffic/", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		f.mu.Lock()
		f.resetEmails = append(f.resetEmails, strings.TrimPrefix(r.URL.Path, "/base/panel/api/inbounds/1/resetClientTraffic/"))
		f.mu.Unlock()
		writeJSON(w, map[string]interface{}{"success": true})
	})
	return mux
}

const wsStream = `{"network":"ws","security":"tls","wsSettings":{"path":"/ws","headers":{"Host":"cdn.example.com"}},"tlsSettings":{"serverName":"vpn.example.com"}}`

func newTestGateway(t *testing.T, mode panel.LinkMode) (*Gateway, *fakePanel) {
	t.Helper()
	fp := &fakePanel{stream: wsStream}
	srv := httptest.NewServer(fp.handler(t))
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL+"/base/", "admin", "secret", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	return NewGateway(c, Endpoint{
		InboundID:        1,
		Mode:             mode,
		Address:          "vpn.example.com",
		SubscriptionBase: "https://sub.example.com:2053",
		TunnelAddress:    "tunnel.example.com",
		TunnelPort:       8443,
		TunnelTLS:        true,
	}), fp
}

func TestCreateAccountProbesEndpoints(t *testing.T) {
	g, fp := newTestGateway(t, panel.LinkSingle)
	ctx := context.Background()
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	acc, err := g.CreateAccount(ctx, panel.AccountSpec{Username: "myvpn1", QuotaBytes: 50 * panel.GiB, ExpiresAt: exp})
	if err != nil {
		t.Fatal(err)
	}
	if acc.ClientID == "" || len(acc.SubID) != 16 || acc.InboundID != 1 {
		t.Errorf("account: %+v", acc)
	}
	clients, logins, _ := fp.snapshot()
	if len(clients) != 1 {
		t.Fatalf("clients: %d", len(clients))
	}
	got := clients[0]
	if got.Email != "myvpn1" || got.TotalGB != 50*panel.GiB || got.ExpiryTime != exp.UnixMilli() || !got.Enable {
		t.Errorf("client settings: %+v", got)
	}
	if logins != 1 {
		t.Errorf("logins: got %d, want 1", logins)
	}
}

func TestLinkModes(t *testing.T) {
	tests := []struct {
		desc  string
		mode  panel.LinkMode
		check func(link string) error
	}{
		{"прямая ссылка", panel.LinkSingle, func(link string) error {
			for _, part := range []string{"vless://", "@vpn.example.com:443?", "type=ws", "security=tls", "path=%2Fws", "host=cdn.example.com", "sni=vpn.example.com", "#Germany"} {
				if !strings.Contains(link, part) {
					return fmt.Errorf("нет %q в %s", part, link)
				}
			}
			return nil
		}},
		{"подписка", panel.LinkSubscription, func(link string) error {
			if !strings.HasPrefix(link, "https://sub.example.com:2053/sub/") || len(link) != len("https://sub.example.com:2053/sub/")+16 {
				return fmt.Errorf("subscription link %s", link)
			}
			return nil
		}},
		{"туннель", panel.LinkTunnel, func(link string) error {
			if !strings.Contains(link, "@tunnel.example.com:8443?") || !strings.Contains(link, "security=tls") {
				return fmt.Errorf("tunnel link %s", link)
			}
			return nil
		}},
	}
	for _, tt := range tests {
		g, _ := newTestGateway(t, tt.mode)
		ctx := context.Background()
		acc, err := g.CreateAccount(ctx, panel.AccountSpec{Username: "u1", ExpiresAt: time.Now().Add(time.Hour)})
		if err != nil {
			t.Fatalf("%s: %v", tt.desc, err)
		}
		link, err := g.Link(ctx, acc, "Germany")
		if err != nil {
			t.Errorf("%s: %v", tt.desc, err)
			continue
		}
		if err := tt.check(link); err != nil {
			t.Errorf("%s: %v", tt.desc, err)
		}
	}
}

func TestUpdateAndResetByUsername(t *testing.T) {
	g, fp := newTestGateway(t, panel.LinkSingle)
	ctx := context.Background()
	created, err := g.CreateAccount(ctx, panel.AccountSpec{Username: "old1", ExpiresAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}

	// старый заказ без меты: клиент ищется по email
	newExp := time.Date(2031, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := g.UpdateAccount(ctx, panel.Account{Username: "old1"}, panel.AccountSpec{QuotaBytes: panel.GiB, ExpiresAt: newExp}); err != nil {
		t.Fatal(err)
	}
	clients, _, _ := fp.snapshot()
	if clients[0].ExpiryTime != newExp.UnixMilli() || clients[0].ID != created.ClientID || clients[0].SubID != created.SubID {
		t.Errorf("update: %+v", clients[0])
	}
	if err := g.ResetUsage(ctx, panel.Account{Username: "old1"}); err != nil {
		t.Fatal(err)
	}
	if _, _, resets := fp.snapshot(); len(resets) != 1 || resets[0] != "old1" {
		t.Errorf("reset: %v", resets)
	}
	if err := g.UpdateAccount(ctx, panel.Account{Username: "ghost"}, panel.AccountSpec{ExpiresAt: newExp}); err == nil {
		t.Errorf("несуществующий клиент должен давать ошибку")
	}
	list, _ := g.ListAccounts(ctx)
	if len(list) != 1 || list[0].Username != "old1" {
		t.Errorf("list: %+v", list)
	}
}

func TestRelogin(t *testing.T) {
	g, fp := newTestGateway(t, panel.LinkSingle)
	ctx := context.Background()
	if _, err := g.ListAccounts(ctx); err != nil {
		t.Fatal(err)
	}
	fp.mu.Lock()
	fp.expireOnce = true
	fp.mu.Unlock()
	if _, err := g.ListAccounts(ctx); err != nil {
		t.Fatalf("после истечения сессии клиент должен перелогиниться: %v", err)
	}
	if _, logins, _ := fp.snapshot(); logins != 2 {
		t.Errorf("logins: got %d, want 2", logins)
	}
}

func TestLoginFailure(t *testing.T) {
	fp := &fakePanel{}
	srv := httptest.NewServer(fp.handler(t))
	defer srv.Close()
	c, _ := NewClient(srv.URL+"/base", "admin", "wrong", time.Second)
	if err := c.Login(context.Background()); err == nil {
		t.Errorf("неверный пароль должен давать ошибку")
	}
}

func TestVerifyInbound(t *testing.T) {
	g, _ := newTestGateway(t, panel.LinkSingle)
	tests := []struct {
		desc    string
		inbound int
		wantErr string
	}{
		{desc: "инбаунд включён", inbound: 1},
		{desc: "инбаунд выключен", inbound: 2, wantErr: "disabled"},
		{desc: "инбаунда нет", inbound: 7, wantErr: "not found"},
	}
	for _, tt := range tests {
		gw := NewGateway(g.client, Endpoint{InboundID: tt.inbound, Mode: panel.LinkSingle})
		err := gw.Verify(context.Background())
		switch {
		case tt.wantErr == "" && err != nil:
			t.Errorf("%s: %v", tt.desc, err)
		case tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)):
			t.Errorf("%s: got %v, want %q", tt.desc, err, tt.wantErr)
		}
	}
}
