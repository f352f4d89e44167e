// Package config загружает конфигурацию бота из .env и переменных окружения.
// Бизнес-настройки, которые админ может менять на лету, собираются в Snapshot
// и передаются в каждую операцию явно.
package config

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// AppConfig содержит настройки процесса.
type AppConfig struct {
	// --- Telegram ---
	BotToken         string `envconfig:"BOT_TOKEN" required:"true"`
	AdminTelegramID  int64  `envconfig:"ADMIN_TELEGRAM_ID" required:"true"`
	BotMaxInflight   int    `envconfig:"BOT_MAX_INFLIGHT" default:"64"`
	BotUpdateTimeout int    `envconfig:"BOT_UPDATE_TIMEOUT_SECONDS" default:"60"`

	// --- Database ---
	// postgres://... или sqlite:путь/к/файлу.db
	DatabaseURL    string `envconfig:"DATABASE_URL" required:"true"`
	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"file://migrations"`
	BackupDir      string `envconfig:"BACKUP_DIR" default:"backups"`

	// --- Logging ---
	LogFile  string `envconfig:"LOG_FILE" default:"bot.log"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// --- HTTP ---
	HTTPAddr          string `envconfig:"HTTP_ADDR" default:":8080"`
	JWTSecret         string `envconfig:"JWT_SECRET"`
	AdminPasswordHash string `envconfig:"ADMIN_PASSWORD_HASH"`
	WebAppOrigins     string `envconfig:"WEBAPP_ORIGINS" default:"https://web.telegram.org"`

	// --- Panel ---
	PanelType            string        `envconfig:"PANEL_TYPE" default:"xui"`
	PanelTimeout         time.Duration `envconfig:"PANEL_TIMEOUT" default:"30s"`
	XUIHost              string        `envconfig:"XUI_HOST"`
	XUIUser              string        `envconfig:"XUI_USER"`
	XUIPass              string        `envconfig:"XUI_PASS"`
	XUIInboundID         int           `envconfig:"XUI_INBOUND_ID" default:"1"`
	XUILinkType          string        `envconfig:"XUI_LINK_TYPE" default:"single"`
	XUISubscriptionBase  string        `envconfig:"XUI_SUBSCRIPTION_URL_BASE"`
	ServerAddressForLink string        `envconfig:"SERVER_ADDRESS_FOR_LINK"`
	RemnawaveURL         string        `envconfig:"REMNAWAVE_URL"`
	RemnawaveToken       string        `envconfig:"REMNAWAVE_TOKEN"`
	RemnawaveSquadID     string        `envconfig:"REMNAWAVE_SQUAD_ID"`

	// Верхняя граница всей единицы оплаты; столько же живёт блокировка заказа
	CaptureTimeout time.Duration `envconfig:"CAPTURE_TIMEOUT" default:"90s"`

	// --- Redis (опционально, иначе блокировки в памяти) ---
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// --- Kafka (опционально) ---
	KafkaBrokers string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string `envconfig:"KAFKA_TOPIC" default:"vpn_orders"`

	// --- SMTP для критических алертов (опционально) ---
	SMTPHost     string `envconfig:"SMTP_HOST"`
	SMTPPort     string `envconfig:"SMTP_PORT" default:"587"`
	SMTPUser     string `envconfig:"SMTP_USER"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`
	MailFrom     string `envconfig:"MAIL_FROM"`
	AlertEmail   string `envconfig:"ALERT_EMAIL"`

	// --- YooKassa (опционально) ---
	YooKassaShopID    string `envconfig:"YOOKASSA_SHOP_ID"`
	YooKassaSecret    string `envconfig:"YOOKASSA_SECRET_KEY"`
	YooKassaReturnURL string `envconfig:"YOOKASSA_RETURN_URL" default:"https://t.me"`

	// --- Бизнес-настройки по умолчанию (переопределяются таблицей settings) ---
	CardNumber          string        `envconfig:"CARD_NUMBER"`
	CardHolder          string        `envconfig:"CARD_HOLDER"`
	MinDeposit          int64         `envconfig:"MIN_DEPOSIT" default:"10000"`
	DepositAmounts      string        `envconfig:"DEPOSIT_AMOUNTS" default:"50000,100000,200000,500000"`
	TrialEnabled        bool          `envconfig:"TRIAL_ENABLED" default:"false"`
	TrialLimit          int           `envconfig:"TRIAL_LIMIT" default:"1"`
	TrialVolumeMB       int64         `envconfig:"TRIAL_VOLUME_MB" default:"500"`
	TrialDurationHours  int           `envconfig:"TRIAL_DURATION_HOURS" default:"24"`
	ShowCapacity        bool          `envconfig:"SHOW_CAPACITY" default:"true"`
	HideFullLocations   bool          `envconfig:"HIDE_FULL_LOCATIONS" default:"false"`
	FullLocationMessage string        `envconfig:"FULL_LOCATION_MESSAGE" default:"В этой локации закончились места. Выберите другую."`
	ExpiryNotifyDays    int           `envconfig:"EXPIRY_NOTIFY_DAYS" default:"3"`
	PendingOrderTTL     time.Duration `envconfig:"PENDING_ORDER_TTL" default:"48h"`
}

func (c *AppConfig) Validate() error {
	if c.AdminTelegramID == 0 {
		return fmt.Errorf("ADMIN_TELEGRAM_ID не задан или равен 0")
	}
	if c.BotMaxInflight <= 0 {
		return fmt.Errorf("BOT_MAX_INFLIGHT должен быть > 0")
	}
	switch c.PanelType {
	case "xui":
		if c.XUIHost == "" {
			return fmt.Errorf("PANEL_TYPE=xui требует XUI_HOST")
		}
	case "remnawave":
		if c.RemnawaveURL == "" || c.RemnawaveToken == "" {
			return fmt.Errorf("PANEL_TYPE=remnawave требует REMNAWAVE_URL и REMNAWAVE_TOKEN")
		}
	default:
		return fmt.Errorf("неизвестный PANEL_TYPE %q", c.PanelType)
	}
	if c.PanelTimeout <= 0 || c.CaptureTimeout <= c.PanelTimeout {
		return fmt.Errorf("CAPTURE_TIMEOUT должен быть больше PANEL_TIMEOUT")
	}
	if c.MinDeposit <= 0 {
		return fmt.Errorf("MIN_DEPOSIT должен быть > 0")
	}
	if _, err := parseAmounts(c.DepositAmounts); err != nil {
		return fmt.Errorf("DEPOSIT_AMOUNTS: %w", err)
	}
	return nil
}

// Load читает .env (если есть) и переменные окружения.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, relying on environment variables")
	}
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("не удалось загрузить конфигурацию: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsSQLite: DSN указывает на встроенную базу
func (c *AppConfig) IsSQLite() bool {
	return strings.HasPrefix(c.DatabaseURL, "sqlite:")
}

// Snapshot: неизменяемый набор бизнес-настроек на момент операции.
type Snapshot struct {
	CardNumber          string
	CardHolder          string
	MinDeposit          int64
	DepositAmounts      []int64
	TrialEnabled        bool
	TrialLimit          int
	TrialVolumeMB       int64
	TrialDurationHours  int
	ShowCapacity        bool
	HideFullLocations   bool
	FullLocationMessage string
	ExpiryNotifyDays    int
	PanelTimeout        time.Duration
	CaptureTimeout      time.Duration
}

// Snapshot собирает значения по умолчанию из окружения.
func (c *AppConfig) Snapshot() Snapshot {
	amounts, _ := parseAmounts(c.DepositAmounts)
	return Snapshot{
		CardNumber:          c.CardNumber,
		CardHolder:          c.CardHolder,
		MinDeposit:          c.MinDeposit,
		DepositAmounts:      amounts,
		TrialEnabled:        c.TrialEnabled,
		TrialLimit:          c.TrialLimit,
		TrialVolumeMB:       c.TrialVolumeMB,
		TrialDurationHours:  c.TrialDurationHours,
		ShowCapacity:        c.ShowCapacity,
		HideFullLocations:   c.HideFullLocations,
		FullLocationMessage: c.FullLocationMessage,
		ExpiryNotifyDays:    c.ExpiryNotifyDays,
		PanelTimeout:        c.PanelTimeout,
		CaptureTimeout:      c.CaptureTimeout,
	}
}

// Ключи таблицы settings, которые переопределяют Snapshot.
const (
	KeyCardNumber          = "payment_card_number"
	KeyCardHolder          = "payment_card_holder_name"
	KeyMinDeposit          = "min_deposit_amount"
	KeyDepositAmounts      = "deposit_amounts"
	KeyTrialEnabled        = "trial_enabled"
	KeyTrialLimit          = "trial_limit"
	KeyTrialVolumeMB       = "trial_volume_mb"
	KeyTrialDurationHours  = "trial_duration_hours"
	KeyShowCapacity        = "ms_show_capacity"
	KeyHideFullLocations   = "ms_hide_full_locations"
	KeyFullLocationMessage = "ms_full_location_message"
	KeyExpiryNotifyDays    = "expiry_notify_days"
)

// SettingKeys: всё, что можно поменять командой /admin_set
var SettingKeys = []string{
	KeyCardNumber, KeyCardHolder, KeyMinDeposit, KeyDepositAmounts,
	KeyTrialEnabled, KeyTrialLimit, KeyTrialVolumeMB, KeyTrialDurationHours,
	KeyShowCapacity, KeyHideFullLocations, KeyFullLocationMessage, KeyExpiryNotifyDays,
}

// Apply возвращает копию с переопределениями из БД. Некорректные значения игнорируются.
func (s Snapshot) Apply(overrides map[string]string) Snapshot {
	for k, v := range overrides {
		v = strings.TrimSpace(v)
		switch k {
		case KeyCardNumber:
			s.CardNumber = v
		case KeyCardHolder:
			s.CardHolder = v
		case KeyMinDeposit:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				s.MinDeposit = n
			}
		case KeyDepositAmounts:
			if a, err := parseAmounts(v); err == nil && len(a) > 0 {
				s.DepositAmounts = a
			}
		case KeyTrialEnabled:
			if b, ok := parseBool(v); ok {
				s.TrialEnabled = b
			}
		case KeyTrialLimit:
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				s.TrialLimit = n
			}
		case KeyTrialVolumeMB:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				s.TrialVolumeMB = n
			}
		case KeyTrialDurationHours:
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				s.TrialDurationHours = n
			}
		case KeyShowCapacity:
			if b, ok := parseBool(v); ok {
				s.ShowCapacity = b
			}
		case KeyHideFullLocations:
			if b, ok := parseBool(v); ok {
				s.HideFullLocations = b
			}
		case KeyFullLocationMessage:
			if v != "" {
				s.FullLocationMessage = v
			}
		case KeyExpiryNotifyDays:
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				s.ExpiryNotifyDays = n
			}
		}
	}
	return s
}

func parseBool(v string) (bool, bool) {
	switch strings.ToLower(v) {
	case "1", "true", "on", "yes":
		return true, true
	case "0", "false", "off", "no":
		return false, true
	}
	return false, false
}

func parseAmounts(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad amount %q: %w", part, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("amount must be positive: %d", n)
		}
		out = append(out, n)
	}
	return out, nil
}
