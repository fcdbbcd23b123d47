package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AuctionStatus 表示拍賣的生命週期狀態
type AuctionStatus string

const (
	AuctionPending   AuctionStatus = "pending"
	AuctionActive    AuctionStatus = "active"
	AuctionEnded     AuctionStatus = "ended"
	AuctionSold      AuctionStatus = "sold"
	AuctionCancelled AuctionStatus = "cancelled"
)

// SellerDecision 表示拍賣結束後賣家對最高出價的決定
type SellerDecision string

const (
	DecisionPending        SellerDecision = "pending"
	DecisionAccepted       SellerDecision = "accepted"
	DecisionRejected       SellerDecision = "rejected"
	DecisionCounterOffered SellerDecision = "counter_offered"
)

// Auction 代表拍賣系統中的商品
// 包含商品資訊、起標價、最低加價金額、拍賣時間與得標結果等資訊。
// EndAt 在建立時由 GoLiveAt + Duration 計算一次，之後不可變更(<-:create)。
type Auction struct {
	gorm.Model

	ID                uuid.UUID        `gorm:"type:uuid;primaryKey"`
	SellerID          uuid.UUID        `gorm:"type:uuid;not null;<-:create"`
	Title             string           `gorm:"type:varchar(255);not null;<-:create"`
	Description       string           `gorm:"type:text;not null;<-:create"`
	ImageURL          string           `gorm:"type:text;<-:create"`
	StartingPrice     decimal.Decimal  `gorm:"type:decimal(10,2);not null;<-:create"`
	BidIncrement      decimal.Decimal  `gorm:"type:decimal(10,2);not null;<-:create"`
	CurrentHighestBid decimal.Decimal  `gorm:"type:decimal(10,2);not null"`
	GoLiveAt          time.Time        `gorm:"not null;<-:create"`
	Duration          int              `gorm:"type:integer;not null;<-:create"` // 單位為分鐘
	EndAt             time.Time        `gorm:"not null;<-:create"`
	Status            AuctionStatus    `gorm:"type:text;not null;default:pending"`
	WinnerID          *uuid.UUID       `gorm:"type:uuid"`
	FinalPrice        *decimal.Decimal `gorm:"type:decimal(10,2)"`
	SellerDecision    SellerDecision   `gorm:"type:text;not null;default:pending"`

	// 外鍵關聯
	Seller     *User `gorm:"foreignKey:SellerID"`
	Winner     *User `gorm:"foreignKey:WinnerID"`
	BidRecords []Bid `gorm:"foreignKey:AuctionID"`
}

// BeforeCreate 在建立時自動產生拍賣的ID
func (a *Auction) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
