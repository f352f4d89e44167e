// Package conversation ведёт диалог пользователя с ботом. Machine получает входящее событие,
// читает токен состояния из users.bot_state и возвращает подсказки (Prompt) для отправки.
// Всё, что касается денег и панелей, делегируется оркестратору.
package conversation

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Panel-bot/config"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/fulfillment"
	"VPN-Panel-bot/internal/ledger"
	"VPN-Panel-bot/internal/logger"
	"VPN-Panel-bot/internal/registry"
	"VPN-Panel-bot/internal/state"
)

type EventType int

const (
	EventText EventType = iota
	EventCallback
	EventPhoto
)

// Event: входящее сообщение, нажатие кнопки или фото
type Event struct {
	Type EventType
	// UserKey: Telegram ID, он же чат для ответа
	UserKey int64
	// Payload: текст, callback data или file_id фото
	Payload string
	Caption string
	// ReplyTargetMessageID: сообщение с кнопкой, которое можно отредактировать
	ReplyTargetMessageID int
	FirstName            string
}

// Choice: inline-кнопка. URL открывает ссылку вместо callback.
type Choice struct {
	Label  string
	Action string
	URL    string
}

// Prompt: что отправить. Рендеринг и экранирование на стороне транспорта.
type Prompt struct {
	ChatTarget            int64
	Text                  string
	Choices               [][]Choice
	EditExistingMessageID int
	PhotoFileID           string
	// MainMenu: прикрепить постоянную клавиатуру главного меню
	MainMenu bool
	// Alert: показать текст во всплывающем окне ответа на callback
	Alert bool
}

// PaymentCreator создаёт онлайн-платёж и возвращает id и ссылку на оплату
type PaymentCreator interface {
	CreatePayment(ctx context.Context, orderID uint, amount int64, description string) (string, string, error)
}

type Options struct {
	AdminID     int64
	BotUsername string
	Snapshot    func(context.Context) config.Snapshot
	// Payments: nil, если онлайн-оплата не настроена
	Payments PaymentCreator
	Now      func() time.Time
}

type Machine struct {
	db       *gorm.DB
	orch     *fulfillment.Orchestrator
	ledger   *ledger.Ledger
	registry *registry.Registry
	opts     Options
}

func New(gdb *gorm.DB, orch *fulfillment.Orchestrator, opts Options) *Machine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Machine{
		db:       gdb,
		orch:     orch,
		ledger:   orch.Ledger(),
		registry: orch.Registry(),
		opts:     opts,
	}
}

// session: один обработанный апдейт: пользователь, снимок настроек и накопленные ответы
type session struct {
	ev      Event
	user    *db.User
	snap    config.Snapshot
	prompts []Prompt
}

func (s *session) send(text string, choices ...[]Choice) {
	s.prompts = append(s.prompts, Prompt{ChatTarget: s.ev.UserKey, Text: text, Choices: choices})
}

// show редактирует сообщение с нажатой кнопкой, иначе отправляет новое
func (s *session) show(text string, choices ...[]Choice) {
	p := Prompt{ChatTarget: s.ev.UserKey, Text: text, Choices: choices}
	if s.ev.Type == EventCallback {
		p.EditExistingMessageID = s.ev.ReplyTargetMessageID
	}
	s.prompts = append(s.prompts, p)
}

func (s *session) menu(text string) {
	s.prompts = append(s.prompts, Prompt{ChatTarget: s.ev.UserKey, Text: text, MainMenu: true})
}

func (s *session) alert(text string) {
	s.prompts = append(s.prompts, Prompt{ChatTarget: s.ev.UserKey, Text: text, Alert: true})
}

func (s *session) notify(chat int64, p Prompt) {
	p.ChatTarget = chat
	s.prompts = append(s.prompts, p)
}

// Handle обрабатывает одно событие. Ожидаемые ошибки превращаются в сообщения;
// возвращается только системная ошибка, пользователь при этом уже получил ответ.
func (m *Machine) Handle(ctx context.Context, ev Event) ([]Prompt, error) {
	user, created, err := db.FindOrCreateUser(ctx, m.db, ev.UserKey, ev.FirstName, referralCode(ev))
	if err != nil {
		return nil, err
	}
	s := &session{ev: ev, user: user, snap: m.opts.Snapshot(ctx)}

	if created {
		m.welcome(ctx, s)
		if ev.Type == EventText {
			return s.prompts, nil
		}
	}

	switch ev.Type {
	case EventCallback:
		err = m.onCallback(ctx, s)
	case EventPhoto:
		err = m.onPhoto(ctx, s)
	default:
		err = m.onText(ctx, s)
	}
	if err != nil {
		if text, ok := userMessage(err, s.snap); ok {
			s.send(text, errorChoices(err)...)
			return s.prompts, nil
		}
		s.menu(msgInternalError)
		return s.prompts, err
	}
	return s.prompts, nil
}

func referralCode(ev Event) string {
	if ev.Type != EventText {
		return ""
	}
	code, ok := strings.CutPrefix(ev.Payload, "/start ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(code)
}

func (m *Machine) welcome(ctx context.Context, s *session) {
	name := s.user.FirstName
	if name == "" {
		name = "друг"
	}
	s.menu("🌟 Добро пожаловать, " + name + "!\n\nВыберите нужный пункт меню:")
	if s.user.ReferrerID == nil {
		return
	}
	referrer, err := db.GetUser(ctx, m.db, *s.user.ReferrerID)
	if err != nil {
		logger.Warn("referrer not found", zap.Uint("referrer_id", *s.user.ReferrerID), zap.Error(err))
		return
	}
	s.notify(referrer.TelegramID, Prompt{Text: "👤 Хорошие новости!\n\nПо вашей ссылке присоединился новый пользователь «" + name + "»."})
}

// setState сохраняет токен; nil: idle
func (m *Machine) setState(ctx context.Context, s *session, t state.Token) error {
	raw := state.Encode(t)
	if err := db.SetState(ctx, m.db, s.user.ID, raw); err != nil {
		return err
	}
	s.user.BotState = raw
	return nil
}

func (m *Machine) clearState(ctx context.Context, s *session) error {
	return m.setState(ctx, s, nil)
}

func (m *Machine) onText(ctx context.Context, s *session) error {
	text := strings.TrimSpace(s.ev.Payload)

	if s.user.BotState != nil {
		if isCancel(text) {
			if err := m.clearState(ctx, s); err != nil {
				return err
			}
			s.menu(msgCancelled)
			return nil
		}
		tok, err := state.Parse(s.user.BotState)
		if err != nil {
			logger.Warn("unknown bot state cleared", zap.Uint("user_id", s.user.ID), zap.Error(err))
			if err := m.clearState(ctx, s); err != nil {
				return err
			}
			s.menu(msgStateReset)
			return nil
		}
		return m.onStateText(ctx, s, tok, text)
	}

	switch {
	case text == "/start" || strings.HasPrefix(text, "/start "):
		s.menu("🌟 С возвращением! Выберите нужный пункт меню:")
	case text == btnBuy || text == "/buy":
		return m.showPlans(ctx, s)
	case text == btnServices:
		return m.showServices(ctx, s)
	case text == btnWallet:
		m.showWallet(s)
	case text == btnTransactions:
		return m.showTransactions(ctx, s)
	case text == btnSupport || text == "/support":
		return m.showSupport(ctx, s)
	case text == btnReferral:
		return m.showReferral(ctx, s)
	case text == btnTrial:
		return m.createTrial(ctx, s)
	case isCancel(text):
		s.menu(msgCancelled)
	default:
		s.menu("Не понимаю команду. Пожалуйста, пользуйтесь кнопками меню.")
	}
	return nil
}

// onStateText: свободный текст уходит только обработчику текущего шага
func (m *Machine) onStateText(ctx context.Context, s *session, tok state.Token, text string) error {
	switch t := tok.(type) {
	case state.AwaitingUsername:
		return m.enterUsername(ctx, s, t, text)
	case state.AwaitingDiscountCode:
		return m.enterDiscount(ctx, s, t, text)
	case state.AwaitingDepositAmount:
		return m.enterDepositAmount(ctx, s, text)
	case state.AwaitingNewTicketSubject:
		return m.enterTicketSubject(ctx, s, text)
	case state.AwaitingNewTicketMessage:
		return m.enterTicketMessage(ctx, s, t, text, "")
	case state.AwaitingTicketReply:
		return m.enterTicketReply(ctx, s, t, text, "")
	case state.WaitingReceipt:
		s.send("🧾 Пришлите, пожалуйста, фото чека. Для отмены нажмите /cancel.")
	}
	return nil
}

func (m *Machine) onPhoto(ctx context.Context, s *session) error {
	tok, err := state.Parse(s.user.BotState)
	if err != nil || tok == nil {
		if err != nil {
			if err := m.clearState(ctx, s); err != nil {
				return err
			}
		}
		s.menu("❌ Сначала начните действие (например, оплату картой или обращение в поддержку).")
		return nil
	}
	fileID := s.ev.Payload
	text := strings.TrimSpace(s.ev.Caption)
	switch t := tok.(type) {
	case state.WaitingReceipt:
		return m.submitReceipt(ctx, s, t.OrderID, fileID)
	case state.AwaitingNewTicketMessage:
		return m.enterTicketMessage(ctx, s, t, text, fileID)
	case state.AwaitingTicketReply:
		return m.enterTicketReply(ctx, s, t, text, fileID)
	}
	s.send("❌ Сейчас ожидается текст, а не фото.")
	return nil
}

// callback-и, которые сами выставляют новое состояние; остальные сначала сбрасывают его
var statefulCallbacks = []string{"/deposit_custom", "/support_new", "reply_ticket_", "enter_discount_", "pay_card_", "renew_pay_card_"}

func (m *Machine) onCallback(ctx context.Context, s *session) error {
	data := s.ev.Payload

	if id, ok := idAfter(data, "admin_approve_"); ok {
		return m.approveReceipt(ctx, s, id)
	}
	if id, ok := idAfter(data, "admin_reject_"); ok {
		return m.rejectReceipt(ctx, s, id)
	}

	if s.user.BotState != nil && !hasAnyPrefix(data, statefulCallbacks) {
		if err := m.clearState(ctx, s); err != nil {
			return err
		}
	}

	if loc, plan, ok := parseSelectLocation(data); ok {
		return m.selectLocation(ctx, s, loc, plan)
	}
	if d, ok := intAfter(data, "show_duration_"); ok {
		return m.showPlansByDuration(ctx, s, d)
	}
	for _, r := range idRoutes {
		if id, ok := idAfter(data, r.prefix); ok {
			return r.handle(m, ctx, s, id)
		}
	}

	switch data {
	case "/start":
		s.menu("🌟 Главное меню")
	case "/plans":
		return m.showPlans(ctx, s)
	case "/my_services":
		return m.showServices(ctx, s)
	case "/wallet":
		m.showWallet(s)
	case "/deposit":
		m.showDepositOptions(s)
	case "/deposit_custom":
		return m.promptCustomDeposit(ctx, s)
	case "/transactions":
		return m.showTransactions(ctx, s)
	case "/referral":
		return m.showReferral(ctx, s)
	case "/support_menu":
		return m.showSupport(ctx, s)
	case "/support_new":
		return m.promptNewTicket(ctx, s)
	case "/trial":
		return m.createTrial(ctx, s)
	case "/cancel_action":
		if err := m.clearState(ctx, s); err != nil {
			return err
		}
		s.menu(msgCancelled)
	default:
		logger.Warn("unknown callback", zap.String("data", data), zap.Int64("telegram_id", s.ev.UserKey))
		s.menu("Неизвестная команда.")
	}
	return nil
}

type idRoute struct {
	prefix string
	handle func(m *Machine, ctx context.Context, s *session, id uint) error
}

// порядок важен: более длинные префиксы раньше коротких
var idRoutes = []idRoute{
	{"buy_plan_", (*Machine).buyPlan},
	{"pay_wallet_order_", (*Machine).payWithWallet},
	{"pay_card_", (*Machine).payWithCard},
	{"pay_online_", (*Machine).payOnline},
	{"enter_discount_", (*Machine).promptDiscount},
	{"remove_discount_", (*Machine).removeDiscount},
	{"show_service_", (*Machine).showService},
	{"renew_order_", (*Machine).showRenewal},
	{"renew_pay_wallet_", (*Machine).renewWithWallet},
	{"renew_pay_card_", (*Machine).renewWithCard},
	{"deposit_amount_", (*Machine).depositPreset},
	{"reply_ticket_", (*Machine).promptTicketReply},
	{"close_ticket_", (*Machine).closeTicket},
}

func idAfter(data, prefix string) (uint, bool) {
	rest, ok := strings.CutPrefix(data, prefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint(n), true
}

func intAfter(data, prefix string) (int, bool) {
	rest, ok := strings.CutPrefix(data, prefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// parseSelectLocation разбирает select_loc_<loc>_plan_<plan>
func parseSelectLocation(data string) (uint, uint, bool) {
	rest, ok := strings.CutPrefix(data, "select_loc_")
	if !ok {
		return 0, 0, false
	}
	locPart, planPart, ok := strings.Cut(rest, "_plan_")
	if !ok {
		return 0, 0, false
	}
	loc, ok1 := idAfter(locPart, "")
	plan, ok2 := idAfter(planPart, "")
	return loc, plan, ok1 && ok2
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func isCancel(text string) bool {
	return text == "/cancel" || text == btnCancel
}
