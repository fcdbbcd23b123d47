package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Bid 代表拍賣商品的出價紀錄
// 除了 IsWinning 以外的欄位在建立後不可變更；同一個拍賣在任一時間點
// 最多只會有一筆 IsWinning=true 的紀錄。
type Bid struct {
	gorm.Model

	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	AuctionID uuid.UUID       `gorm:"type:uuid;not null;index;<-:create"`
	BidderID  uuid.UUID       `gorm:"type:uuid;not null;<-:create"`
	Amount    decimal.Decimal `gorm:"type:decimal(10,2);not null;<-:create"`
	IsWinning bool            `gorm:"not null;default:false"`

	// 外鍵關聯
	Bidder  *User    `gorm:"foreignKey:BidderID"`
	Auction *Auction `gorm:"foreignKey:AuctionID"`
}

// BeforeCreate 在建立時自動產生出價紀錄的ID
func (b *Bid) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}
