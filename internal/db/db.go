package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"VPN-Panel-bot/config"
	"VPN-Panel-bot/internal/logger"
)

const sqlitePrefix = "sqlite:"

// Open подключается к postgres или к встроенной sqlite (DSN вида sqlite:bot.db).
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_URL not set")
	}
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	if strings.HasPrefix(dsn, sqlitePrefix) {
		gdb, err := gorm.Open(sqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix)), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// sqlite не любит параллельных писателей
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return gdb, nil
	}
	gdb, err := gorm.Open(postgres.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return gdb, nil
}

// Migrate применяет SQL-миграции для postgres и AutoMigrate для sqlite.
func Migrate(gdb *gorm.DB, dsn, migrationsPath string) error {
	if strings.HasPrefix(dsn, sqlitePrefix) {
		return AutoMigrate(gdb)
	}
	m, err := migrate.New(migrationsPath, dsn)
	if err != nil {
		return fmt.Errorf("could not create migration instance: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not apply migration: %w", err)
	}
	return nil
}

func AutoMigrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(Models()...)
}

// --- Каталог ---

func ActivePlans(ctx context.Context, gdb *gorm.DB) ([]Plan, error) {
	var plans []Plan
	err := gdb.WithContext(ctx).Where("is_active = ?", true).Order("duration_days asc, price asc").Find(&plans).Error
	return plans, err
}

// FindActivePlan возвращает (nil, nil), если тарифа нет или он выключен
func FindActivePlan(ctx context.Context, gdb *gorm.DB, id uint) (*Plan, error) {
	var plan Plan
	err := gdb.WithContext(ctx).Where("id = ? AND is_active = ?", id, true).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// --- Настройки ---

func LoadSettings(ctx context.Context, gdb *gorm.DB) (map[string]string, error) {
	var rows []Setting
	if err := gdb.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

func SetSetting(ctx context.Context, gdb *gorm.DB, key, value string) error {
	return gdb.WithContext(ctx).Save(&Setting{Key: key, Value: value}).Error
}

// SnapshotSource собирает Snapshot на момент операции: значения из окружения
// поверх перекрываются таблицей settings. Ошибка чтения не мешает работе.
func SnapshotSource(gdb *gorm.DB, base config.Snapshot) func(context.Context) config.Snapshot {
	return func(ctx context.Context) config.Snapshot {
		overrides, err := LoadSettings(ctx, gdb)
		if err != nil {
			logger.Warn("settings not loaded, using defaults", zap.Error(err))
			return base
		}
		return base.Apply(overrides)
	}
}

// --- Админская статистика ---

func CountUsers(ctx context.Context, gdb *gorm.DB) (int64, error) {
	var count int64
	err := gdb.WithContext(ctx).Model(&User{}).Count(&count).Error
	return count, err
}

// CountActiveServices: выданные неистёкшие сервисы (без строк продления)
func CountActiveServices(ctx context.Context, gdb *gorm.DB, now time.Time) (int64, error) {
	var count int64
	err := gdb.WithContext(ctx).Model(&Order{}).
		Where("status = ? AND source <> ? AND renews_order_id IS NULL AND expires_at > ?", OrderPaid, SourceTelegramDeposit, now).
		Count(&count).Error
	return count, err
}

// SumRevenue: сумма оплаченных заказов с тарифом за период
func SumRevenue(ctx context.Context, gdb *gorm.DB, from, to time.Time) (int64, error) {
	var sum int64
	err := gdb.WithContext(ctx).Model(&Order{}).
		Where("status = ? AND plan_id IS NOT NULL AND created_at >= ? AND created_at <= ?", OrderPaid, from, to).
		Select("COALESCE(SUM(amount), 0)").Scan(&sum).Error
	return sum, err
}

func OrdersBetween(ctx context.Context, gdb *gorm.DB, from, to time.Time) ([]Order, error) {
	var orders []Order
	err := gdb.WithContext(ctx).Preload("User").Preload("Plan").Preload("Server").
		Where("created_at >= ? AND created_at <= ?", from, to).
		Order("created_at asc").Find(&orders).Error
	return orders, err
}
