package admin

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"VPN-Panel-bot/internal/db"
)

const ordersSheet = "Заказы"

var orderHeaders = []string{"ID", "Дата", "Telegram ID", "Тип", "Тариф", "Имя сервиса", "Сервер", "Оплата", "Статус", "Сумма, ₽", "Скидка, ₽", "До"}

// WriteOrdersXLSX пишет заказы одним листом
func WriteOrdersXLSX(w io.Writer, orders []db.Order) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", ordersSheet); err != nil {
		return err
	}

	for i, h := range orderHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(ordersSheet, cell, h)
	}
	styleHeader, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "#FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4F46E5"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err == nil {
		last, _ := excelize.CoordinatesToCellName(len(orderHeaders), 1)
		f.SetCellStyle(ordersSheet, "A1", last, styleHeader)
	}

	for i, o := range orders {
		row := i + 2
		plan, server, expires := "", "", ""
		if o.Plan != nil {
			plan = o.Plan.Name
		}
		if o.Server != nil {
			server = o.Server.Name
		}
		if o.ExpiresAt != nil {
			expires = o.ExpiresAt.Format("02.01.2006")
		}
		values := []interface{}{
			o.ID,
			o.CreatedAt.Format("02.01.2006 15:04"),
			o.User.TelegramID,
			orderKind(o),
			plan,
			o.PanelUsername,
			server,
			o.PaymentMethod,
			o.Status,
			rubles(o.Amount),
			rubles(o.DiscountAmount),
			expires,
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(ordersSheet, cell, &values); err != nil {
			return fmt.Errorf("row %d: %w", row, err)
		}
	}

	f.SetColWidth(ordersSheet, "A", "A", 8)
	f.SetColWidth(ordersSheet, "B", "C", 18)
	f.SetColWidth(ordersSheet, "D", "I", 16)
	f.SetColWidth(ordersSheet, "J", "L", 12)

	return f.Write(w)
}

func orderKind(o db.Order) string {
	switch {
	case o.IsDeposit():
		return "пополнение"
	case o.IsRenewal():
		return "продление"
	case o.IsTrial():
		return "пробный"
	}
	return "покупка"
}

// rubles: копейки в рубли для таблицы и отчётов
func rubles(kopecks int64) float64 {
	return float64(kopecks) / 100
}
