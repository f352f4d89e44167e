package db

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

func CreateTicket(ctx context.Context, gdb *gorm.DB, userID uint, subject, message, attachment string) (*Ticket, error) {
	ticket := Ticket{
		UserID:  userID,
		Subject: subject,
		Message: message,
		Status:  TicketOpen,
		Source:  "telegram",
	}
	err := gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&ticket).Error; err != nil {
			return err
		}
		return tx.Create(&TicketReply{
			TicketID:         ticket.ID,
			UserID:           &userID,
			Message:          message,
			AttachmentFileID: attachment,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// FindUserTicket возвращает (nil, nil), если тикет чужой или не существует
func FindUserTicket(ctx context.Context, gdb *gorm.DB, userID, ticketID uint) (*Ticket, error) {
	var ticket Ticket
	err := gdb.WithContext(ctx).Where("id = ? AND user_id = ?", ticketID, userID).First(&ticket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// AddReply добавляет ответ и переоткрывает тикет
func AddReply(ctx context.Context, gdb *gorm.DB, ticket *Ticket, userID *uint, message, attachment string) error {
	status := TicketOpen
	if userID == nil {
		status = TicketAnswered
	}
	return gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&TicketReply{
			TicketID:         ticket.ID,
			UserID:           userID,
			Message:          message,
			AttachmentFileID: attachment,
		}).Error; err != nil {
			return err
		}
		return tx.Model(&Ticket{}).Where("id = ?", ticket.ID).Update("status", status).Error
	})
}

func CloseTicket(ctx context.Context, gdb *gorm.DB, ticketID uint) error {
	return gdb.WithContext(ctx).Model(&Ticket{}).Where("id = ?", ticketID).Update("status", TicketClosed).Error
}

func UserTickets(ctx context.Context, gdb *gorm.DB, userID uint, limit int) ([]Ticket, error) {
	var tickets []Ticket
	err := gdb.WithContext(ctx).Where("user_id = ?", userID).Order("updated_at desc").Limit(limit).Find(&tickets).Error
	return tickets, err
}
