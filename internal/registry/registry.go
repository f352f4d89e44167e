// Package registry выбирает сервер в локации и ведёт счётчик аккаунтов на нём.
package registry

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"VPN-Panel-bot/internal/common"
	"VPN-Panel-bot/internal/db"
)

type Registry struct {
	db *gorm.DB
}

func New(gdb *gorm.DB) *Registry {
	return &Registry{db: gdb}
}

// SelectServer: наименее загруженный активный сервер локации со свободным местом.
// ok=false, если таких нет.
func (r *Registry) SelectServer(ctx context.Context, locationID uint) (*db.Server, bool, error) {
	var srv db.Server
	err := r.db.WithContext(ctx).
		Where("location_id = ? AND is_active = ? AND current_users < capacity", locationID, true).
		Order("current_users asc, id asc").
		First(&srv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select server: %w", err)
	}
	return &srv, true, nil
}

// Admit занимает место на сервере одним условным UPDATE.
// Если места уже нет (или сервер выключен): ErrCapacityExhausted.
func (r *Registry) Admit(ctx context.Context, serverID uint) error {
	res := r.db.WithContext(ctx).Model(&db.Server{}).
		Where("id = ? AND is_active = ? AND current_users < capacity", serverID, true).
		UpdateColumn("current_users", gorm.Expr("current_users + 1"))
	if res.Error != nil {
		return fmt.Errorf("admit server %d: %w", serverID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("server %d: %w", serverID, common.ErrCapacityExhausted)
	}
	return nil
}

// AdjustUsage сдвигает счётчик на delta, не опуская его ниже нуля.
func (r *Registry) AdjustUsage(ctx context.Context, serverID uint, delta int) error {
	if delta == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&db.Server{}).Where("id = ?", serverID).
		UpdateColumn("current_users",
			gorm.Expr("CASE WHEN current_users + ? < 0 THEN 0 ELSE current_users + ? END", delta, delta))
	if res.Error != nil {
		return fmt.Errorf("adjust usage server %d: %w", serverID, res.Error)
	}
	return nil
}

// Release возвращает место, занятое Admit
func (r *Registry) Release(ctx context.Context, serverID uint) error {
	return r.AdjustUsage(ctx, serverID, -1)
}

func (r *Registry) Server(ctx context.Context, id uint) (*db.Server, error) {
	var srv db.Server
	if err := r.db.WithContext(ctx).First(&srv, id).Error; err != nil {
		return nil, fmt.Errorf("server %d: %w", id, err)
	}
	return &srv, nil
}

// LocationLoad: агрегат по активным серверам локации
type LocationLoad struct {
	Location  db.Location
	Capacity  int
	Used      int
	Remaining int
	Servers   int
}

// Full: в локации нет ни одного места
func (l LocationLoad) Full() bool { return l.Remaining <= 0 }

// Locations возвращает активные локации с оставшейся ёмкостью.
func (r *Registry) Locations(ctx context.Context) ([]LocationLoad, error) {
	var locations []db.Location
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("id asc").Find(&locations).Error; err != nil {
		return nil, fmt.Errorf("locations: %w", err)
	}
	type agg struct {
		LocationID uint
		Capacity   int
		Used       int
		Servers    int
	}
	var rows []agg
	err := r.db.WithContext(ctx).Model(&db.Server{}).
		Select("location_id, COALESCE(SUM(capacity), 0) AS capacity, COALESCE(SUM(current_users), 0) AS used, COUNT(*) AS servers").
		Where("is_active = ?", true).
		Group("location_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("location capacity: %w", err)
	}
	byLoc := make(map[uint]agg, len(rows))
	for _, a := range rows {
		byLoc[a.LocationID] = a
	}

	out := make([]LocationLoad, 0, len(locations))
	for _, loc := range locations {
		a := byLoc[loc.ID]
		remaining := a.Capacity - a.Used
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, LocationLoad{
			Location:  loc,
			Capacity:  a.Capacity,
			Used:      a.Used,
			Remaining: remaining,
			Servers:   a.Servers,
		})
	}
	return out, nil
}

// RemainingCapacity: sum(capacity) - sum(current_users) по активным серверам локации
func (r *Registry) RemainingCapacity(ctx context.Context, locationID uint) (int, error) {
	var remaining int
	err := r.db.WithContext(ctx).Model(&db.Server{}).
		Select("COALESCE(SUM(capacity), 0) - COALESCE(SUM(current_users), 0)").
		Where("location_id = ? AND is_active = ?", locationID, true).
		Scan(&remaining).Error
	if err != nil {
		return 0, fmt.Errorf("remaining capacity: %w", err)
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// HasActiveLocations: нужен ли шаг выбора локации
func (r *Registry) HasActiveLocations(ctx context.Context) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&db.Location{}).Where("is_active = ?", true).Count(&n).Error
	return n > 0, err
}

// Servers: все серверы с локациями, для админки
func (r *Registry) Servers(ctx context.Context) ([]db.Server, error) {
	var servers []db.Server
	err := r.db.WithContext(ctx).Preload("Location").Order("location_id asc, id asc").Find(&servers).Error
	return servers, err
}
