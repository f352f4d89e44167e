package admin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Panel-bot/internal/logger"
)

const (
	backupTimeout   = 2 * time.Minute
	backupRetention = 31 * 24 * time.Hour
	sqlitePrefix    = "sqlite:"
)

// Backup делает дампы БД: pg_dump для postgres, VACUUM INTO для sqlite
type Backup struct {
	db  *gorm.DB
	dsn string
	dir string
	now func() time.Time
}

func NewBackup(gdb *gorm.DB, dsn, dir string) *Backup {
	return &Backup{db: gdb, dsn: dsn, dir: dir, now: time.Now}
}

func (b *Backup) isSQLite() bool {
	return strings.HasPrefix(b.dsn, sqlitePrefix)
}

// Create пишет дамп в каталог бэкапов и возвращает путь к файлу
func (b *Backup) Create(ctx context.Context, prefix string) (string, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", err
	}
	ext := ".dump"
	if b.isSQLite() {
		ext = ".db"
	}
	filename := filepath.Join(b.dir, prefix+"_"+b.now().Format("20060102_150405")+ext)

	ctx, cancel := context.WithTimeout(ctx, backupTimeout)
	defer cancel()
	if b.isSQLite() {
		if err := b.db.WithContext(ctx).Exec("VACUUM INTO ?", filename).Error; err != nil {
			return "", fmt.Errorf("vacuum into: %w", err)
		}
		return filename, nil
	}
	out, err := exec.CommandContext(ctx, "pg_dump", b.dsn, "-Fc", "-f", filename).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("pg_dump: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return filename, nil
}

// Restore восстанавливает БД из файла в каталоге бэкапов. Путь за пределы каталога не принимается.
func (b *Backup) Restore(ctx context.Context, name string) error {
	if b.isSQLite() {
		return errors.New("восстановление sqlite: остановите бота и замените файл базы вручную")
	}
	base := filepath.Base(name)
	if base != name || base == "." || base == ".." {
		return fmt.Errorf("некорректное имя файла %q", name)
	}
	filename := filepath.Join(b.dir, base)
	if _, err := os.Stat(filename); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, backupTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "pg_restore", "--clean", "--if-exists", "-d", b.dsn, filename).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pg_restore: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// CleanOldBackups удаляет дампы старше maxAge; возвращает число удалённых
func CleanOldBackups(dir string, maxAge time.Duration, now time.Time) (int, error) {
	var files []string
	for _, pattern := range []string{"*backup_*.dump", "*backup_*.db"} {
		found, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return 0, err
		}
		files = append(files, found...)
	}
	cutoff := now.Add(-maxAge)
	removed := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) && os.Remove(f) == nil {
			removed++
		}
	}
	return removed, nil
}

// Auto: ночной бэкап с чисткой старых дампов
func (b *Backup) Auto(ctx context.Context) {
	filename, err := b.Create(ctx, "autobackup")
	if err != nil {
		logger.Error("auto backup failed", zap.Error(err))
		logger.NotifyAdmin("Ошибка резервного копирования: " + err.Error())
		return
	}
	removed, err := CleanOldBackups(b.dir, backupRetention, b.now())
	if err != nil {
		logger.Warn("old backups cleanup failed", zap.Error(err))
	}
	logger.Info("auto backup created", zap.String("file", filename), zap.Int("removed_old", removed))
}
