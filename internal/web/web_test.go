package web

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"VPN-Panel-bot/config"
	"VPN-Panel-bot/internal/common"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/db/dbtest"
	"VPN-Panel-bot/internal/ledger"
	"VPN-Panel-bot/internal/registry"
	"VPN-Panel-bot/internal/services"
)

const botToken = "123456:TEST"

var testNow = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

// signInitData собирает initData так же, как это делает клиент Telegram
func signInitData(t *testing.T, values url.Values) string {
	t.Helper()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
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
	values.Set("hash", hex.EncodeToString(h.Sum(nil)))
	return values.Encode()
}

func initData(t *testing.T, tgID int64, authDate time.Time) string {
	return signInitData(t, url.Values{
		"auth_date": {strconv.FormatInt(authDate.Unix(), 10)},
		"query_id":  {"AAE"},
		"user":      {`{"id":` + strconv.FormatInt(tgID, 10) + `,"first_name":"Анна"}`},
	})
}

func TestVerifyInitData(t *testing.T) {
	valid := initData(t, 99, testNow.Add(-time.Hour))
	tampered := strings.Replace(valid, "query_id=AAE", "query_id=AAF", 1)
	tests := []struct {
		desc string
		data string
		ok   bool
	}{
		{"валидные данные", valid, true},
		{"подменённое поле", tampered, false},
		{"устаревшие данные", initData(t, 99, testNow.Add(-48*time.Hour)), false},
		{"без подписи", "auth_date=1&user=%7B%7D", false},
	}
	for _, tt := range tests {
		user, err := verifyInitData(tt.data, botToken, testNow)
		if (err == nil) != tt.ok {
			t.Errorf("%s: ошибка %v, ожидали ok=%v", tt.desc, err, tt.ok)
		}
		if tt.ok && (user.ID != 99 || user.FirstName != "Анна") {
			t.Errorf("%s: пользователь %+v", tt.desc, user)
		}
	}
}

type fakeReceipts struct {
	approveErr error
	approved   []uint
	rejected   []uint
}

func (f *fakeReceipts) ApproveReceipt(_ context.Context, _ config.Snapshot, id uint) (*db.Order, error) {
	if f.approveErr != nil {
		return nil, f.approveErr
	}
	f.approved = append(f.approved, id)
	return &db.Order{ID: id, Status: db.OrderPaid}, nil
}

func (f *fakeReceipts) RejectReceipt(_ context.Context, id uint) (*db.Order, error) {
	f.rejected = append(f.rejected, id)
	return &db.Order{ID: id, Status: db.OrderFailed}, nil
}

type fakeStatuses []services.ServerStatus

func (f fakeStatuses) Statuses() []services.ServerStatus { return f }

type testEnv struct {
	router   *gin.Engine
	receipts *fakeReceipts
	snap     config.Snapshot
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb := dbtest.Open(t)

	plan := db.Plan{Name: "Месяц", Price: 100000, DurationDays: 30, VolumeGB: 50, IsActive: true}
	dbtest.MustCreate(t, gdb, &plan)
	dbtest.MustCreate(t, gdb, &db.Plan{Name: "Архив", Price: 1, IsActive: false})
	de := db.Location{Name: "Германия", Flag: "🇩🇪", Slug: "de", IsActive: true}
	dbtest.MustCreate(t, gdb, &de)
	nl := db.Location{Name: "Нидерланды", Flag: "🇳🇱", Slug: "nl", IsActive: true}
	dbtest.MustCreate(t, gdb, &nl)
	dbtest.MustCreate(t, gdb, &db.Server{LocationID: de.ID, Name: "DE-1", IPAddress: "1.1.1.1", Capacity: 10, CurrentUsers: 4, IsActive: true})
	dbtest.MustCreate(t, gdb, &db.Server{LocationID: nl.ID, Name: "NL-1", IPAddress: "2.2.2.2", Capacity: 5, CurrentUsers: 5, IsActive: true})

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{receipts: &fakeReceipts{}, snap: config.Snapshot{ShowCapacity: true}}
	env.router = NewRouter(Deps{
		DB:                gdb,
		Ledger:            ledger.New(gdb),
		Registry:          registry.New(gdb),
		Receipts:          env.receipts,
		Statuses:          fakeStatuses{{Name: "DE-1", Online: true}},
		Snapshot:          func(context.Context) config.Snapshot { return env.snap },
		BotToken:          botToken,
		JWTSecret:         "jwt-secret",
		AdminID:           1000,
		AdminPasswordHash: string(hash),
		Now:               func() time.Time { return testNow },
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) userToken(t *testing.T) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"init_data": initData(t, 99, testNow.Add(-time.Minute))})
	rec := e.do(t, http.MethodPost, "/webapp/api/session", "", string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("session: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	return resp.Token
}

func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/admin/api/login", "", `{"password":"s3cret"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	return resp.Token
}

func TestHealth(t *testing.T) {
	env := newEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("health: %d %q", rec.Code, rec.Body.String())
	}
}

func TestWebAppFlow(t *testing.T) {
	env := newEnv(t)
	token := env.userToken(t)

	rec := env.do(t, http.MethodGet, "/webapp/api/plans", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("plans: %d", rec.Code)
	}
	var plans struct {
		Plans []map[string]interface{} `json:"plans"`
	}
	json.Unmarshal(rec.Body.Bytes(), &plans)
	if len(plans.Plans) != 1 || plans.Plans[0]["name"] != "Месяц" {
		t.Errorf("ожидали один активный тариф: %v", plans.Plans)
	}

	rec = env.do(t, http.MethodGet, "/webapp/api/services", token, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"services":[]`) {
		t.Errorf("services: %d %s", rec.Code, rec.Body.String())
	}
}

func TestLocationsRespectSettings(t *testing.T) {
	env := newEnv(t)
	token := env.userToken(t)

	rec := env.do(t, http.MethodGet, "/webapp/api/locations", token, "")
	var resp struct {
		Locations []map[string]interface{} `json:"locations"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Locations) != 2 || resp.Locations[0]["remaining"] != float64(6) {
		t.Errorf("ожидали 2 локации с остатком: %v", resp.Locations)
	}

	env.snap.HideFullLocations = true
	env.snap.ShowCapacity = false
	rec = env.do(t, http.MethodGet, "/webapp/api/locations", token, "")
	resp.Locations = nil
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Locations) != 1 {
		t.Fatalf("заполненная локация должна скрываться: %v", resp.Locations)
	}
	if _, ok := resp.Locations[0]["remaining"]; ok {
		t.Error("остаток не должен показываться при выключенной настройке")
	}
}

func TestAuthRequired(t *testing.T) {
	env := newEnv(t)
	userToken := env.userToken(t)
	tests := []struct {
		desc  string
		path  string
		token string
		want  int
	}{
		{"без токена", "/webapp/api/services", "", http.StatusUnauthorized},
		{"мусорный токен", "/webapp/api/services", "garbage", http.StatusUnauthorized},
		{"пользователь в админке", "/admin/api/servers", userToken, http.StatusForbidden},
	}
	for _, tt := range tests {
		if rec := env.do(t, http.MethodGet, tt.path, tt.token, ""); rec.Code != tt.want {
			t.Errorf("%s: код %d, ожидали %d", tt.desc, rec.Code, tt.want)
		}
	}
}

func TestAdminLogin(t *testing.T) {
	env := newEnv(t)
	if rec := env.do(t, http.MethodPost, "/admin/api/login", "", `{"password":"wrong"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("неверный пароль: код %d", rec.Code)
	}
	token := env.adminToken(t)
	rec := env.do(t, http.MethodGet, "/admin/api/servers", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("servers: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"online":true`) || !strings.Contains(rec.Body.String(), "NL-1") {
		t.Errorf("servers: %s", rec.Body.String())
	}
}

func TestAdminReceipts(t *testing.T) {
	env := newEnv(t)
	token := env.adminToken(t)

	if rec := env.do(t, http.MethodPost, "/admin/api/orders/12/approve", token, ""); rec.Code != http.StatusOK {
		t.Errorf("approve: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/admin/api/orders/13/reject", token, ""); rec.Code != http.StatusOK {
		t.Errorf("reject: %d", rec.Code)
	}
	if len(env.receipts.approved) != 1 || env.receipts.approved[0] != 12 || len(env.receipts.rejected) != 1 {
		t.Errorf("approved=%v rejected=%v", env.receipts.approved, env.receipts.rejected)
	}
	if rec := env.do(t, http.MethodPost, "/admin/api/orders/abc/approve", token, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("некорректный id: %d", rec.Code)
	}

	env.receipts.approveErr = common.ErrConcurrentCapture
	if rec := env.do(t, http.MethodPost, "/admin/api/orders/12/approve", token, ""); rec.Code != http.StatusConflict {
		t.Errorf("повторное подтверждение: %d", rec.Code)
	}
}

func TestAdminExport(t *testing.T) {
	env := newEnv(t)
	token := env.adminToken(t)
	rec := env.do(t, http.MethodGet, "/admin/api/orders/export?days=7", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export: %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "orders_20260701.xlsx") {
		t.Errorf("Content-Disposition: %q", rec.Header().Get("Content-Disposition"))
	}
	if rec.Body.Len() == 0 {
		t.Error("пустой файл")
	}
	if rec := env.do(t, http.MethodGet, "/admin/api/orders/export?days=-1", token, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("отрицательные дни: %d", rec.Code)
	}
}
