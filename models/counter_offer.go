package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CounterOfferStatus 表示還價的處理狀態
type CounterOfferStatus string

const (
	CounterOfferPending  CounterOfferStatus = "pending"
	CounterOfferAccepted CounterOfferStatus = "accepted"
	CounterOfferRejected CounterOfferStatus = "rejected"
)

// CounterOffer 代表拍賣結束後賣家向得標者提出的還價
// 只會在賣家決定 counter_offer 時建立，且同一個拍賣同時最多只會有
// 一筆 status=pending 的還價。
type CounterOffer struct {
	gorm.Model

	ID                 uuid.UUID          `gorm:"type:uuid;primaryKey"`
	AuctionID          uuid.UUID          `gorm:"type:uuid;not null;index;<-:create"`
	SellerID           uuid.UUID          `gorm:"type:uuid;not null;<-:create"`
	BuyerID            uuid.UUID          `gorm:"type:uuid;not null;<-:create"`
	OriginalBid        decimal.Decimal    `gorm:"type:decimal(10,2);not null;<-:create"`
	CounterOfferAmount decimal.Decimal    `gorm:"type:decimal(10,2);not null;<-:create"`
	Status             CounterOfferStatus `gorm:"type:text;not null;default:pending"`
	Message            string             `gorm:"type:text;<-:create"`

	// 外鍵關聯
	Auction *Auction `gorm:"foreignKey:AuctionID"`
	Seller  *User    `gorm:"foreignKey:SellerID"`
	Buyer   *User    `gorm:"foreignKey:BuyerID"`
}

// BeforeCreate 在建立時自動產生還價的ID
func (c *CounterOffer) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
