package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"VPN-Panel-bot/config"
	"VPN-Panel-bot/internal/admin"
	"VPN-Panel-bot/internal/bot"
	"VPN-Panel-bot/internal/conversation"
	"VPN-Panel-bot/internal/db"
	"VPN-Panel-bot/internal/events"
	"VPN-Panel-bot/internal/fulfillment"
	"VPN-Panel-bot/internal/ledger"
	"VPN-Panel-bot/internal/lock"
	"VPN-Panel-bot/internal/logger"
	"VPN-Panel-bot/internal/panel/resolver"
	"VPN-Panel-bot/internal/registry"
	"VPN-Panel-bot/internal/services"
	"VPN-Panel-bot/internal/web"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := logger.Init(cfg.LogFile, cfg.LogLevel); err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.L().Fatal("database", zap.Error(err))
	}
	if err := db.Migrate(gdb, cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
		logger.L().Fatal("migrations", zap.Error(err))
	}

	botapi, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		logger.L().Fatal("failed to create bot", zap.Error(err))
	}
	logger.InitNotifier(botapi, cfg.AdminTelegramID)
	if cfg.SMTPHost != "" && cfg.AlertEmail != "" {
		logger.SetMailer(logger.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.MailFrom, cfg.AlertEmail))
	}

	// блокировки заказов: redis, если задан, иначе в памяти процесса
	var locker lock.Locker = lock.NewMemory()
	if cfg.RedisAddr != "" {
		rdb, err := lock.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.L().Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		locker = lock.NewRedis(rdb)
	}
	var publisher events.Publisher = events.Nop{}
	if cfg.KafkaBrokers != "" {
		k, err := events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.L().Fatal("kafka", zap.Error(err))
		}
		defer k.Close()
		publisher = k
	}

	l := ledger.New(gdb)
	reg := registry.New(gdb)
	gateways := resolver.New(cfg)
	orch := fulfillment.New(gdb, l, reg, gateways, fulfillment.Options{
		Locker: locker,
		Events: publisher,
	})
	snapshot := db.SnapshotSource(gdb, cfg.Snapshot())

	var payments conversation.PaymentCreator
	if cfg.YooKassaShopID != "" && cfg.YooKassaSecret != "" {
		payments = services.NewYooKassa(cfg.YooKassaShopID, cfg.YooKassaSecret, cfg.YooKassaReturnURL)
	}
	machine := conversation.New(gdb, orch, conversation.Options{
		AdminID:     cfg.AdminTelegramID,
		BotUsername: botapi.Self.UserName,
		Snapshot:    snapshot,
		Payments:    payments,
	})

	statuses := services.NewStatusChecker(reg)
	adminHandler := admin.NewHandler(botapi, gdb, l, reg, statuses, admin.Options{
		AdminID:     cfg.AdminTelegramID,
		DatabaseURL: cfg.DatabaseURL,
		BackupDir:   cfg.BackupDir,
		Snapshot:    snapshot,
		Gateways:    gateways,
	})

	scheduler := services.NewScheduler(ctx, services.Jobs{
		DB:         gdb,
		Status:     statuses,
		Notifier:   services.NewNotifier(botapi, gdb),
		Orders:     l,
		Snapshot:   snapshot,
		PendingTTL: cfg.PendingOrderTTL,
	})
	if err := scheduler.Add("0 3 * * *", "backup", adminHandler.Backup().Auto); err != nil {
		logger.L().Fatal("scheduler", zap.Error(err))
	}
	if err := scheduler.Start(); err != nil {
		logger.L().Fatal("scheduler", zap.Error(err))
	}
	defer scheduler.Stop()
	go statuses.Refresh(ctx)

	var webhook http.HandlerFunc
	if cfg.YooKassaSecret != "" {
		webhook = services.WebhookHandler(services.WebhookDeps{
			Secret:   cfg.YooKassaSecret,
			DB:       gdb,
			Deposits: orch,
			Snapshot: snapshot,
			Bot:      botapi,
		})
	}
	router := web.NewRouter(web.Deps{
		DB:                gdb,
		Ledger:            l,
		Registry:          reg,
		Receipts:          orch,
		Statuses:          statuses,
		Snapshot:          snapshot,
		Bot:               botapi,
		Webhook:           webhook,
		BotToken:          cfg.BotToken,
		JWTSecret:         cfg.JWTSecret,
		AdminID:           cfg.AdminTelegramID,
		AdminPasswordHash: cfg.AdminPasswordHash,
		Origins:           splitList(cfg.WebAppOrigins),
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("http server started", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Critical("http server stopped", zap.Error(err))
		}
	}()

	b := bot.New(botapi, machine, adminHandler, bot.Options{
		AdminID:     cfg.AdminTelegramID,
		MaxInflight: cfg.BotMaxInflight,
	})
	u := tgbotapi.NewUpdate(0)
	u.Timeout = cfg.BotUpdateTimeout
	updates := botapi.GetUpdatesChan(u)
	logger.Info("bot started", zap.String("username", botapi.Self.UserName))

	go func() {
		<-ctx.Done()
		botapi.StopReceivingUpdates()
	}()
	b.Run(ctx, updates)

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
