package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trip represents a company trip offered for booking
type Trip struct {
	ID             int64           `json:"id"`
	CompanyID      int64           `json:"companyId"`
	Title          string          `json:"title"`
	UnitPrice      decimal.Decimal `json:"unitPrice"`
	TotalSeats     int             `json:"totalSeats"`
	AvailableSeats int             `json:"availableSeats"`
	Active         bool            `json:"active"`
	Booked         bool            `json:"booked"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// PriceFor returns the total price of the given number of tickets
func (t Trip) PriceFor(ticketCount int) decimal.Decimal {
	return t.UnitPrice.Mul(decimal.NewFromInt(int64(ticketCount)))
}
