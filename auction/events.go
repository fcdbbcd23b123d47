package auction

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gavel/models"
)

// EventType 是領域事件的種類
type EventType string

const (
	EventBidAccepted          EventType = "bid_accepted"
	EventOutbid               EventType = "outbid"
	EventAuctionStarted       EventType = "auction_started"
	EventAuctionEnded         EventType = "auction_ended"
	EventAuctionWon           EventType = "auction_won"
	EventSellerDecision       EventType = "seller_decision"
	EventCounterOffer         EventType = "counter_offer"
	EventCounterOfferResponse EventType = "counter_offer_response"
)

// BidSnapshot 是事件中攜帶的出價摘要
type BidSnapshot struct {
	ID         uuid.UUID       `msgpack:"id" json:"id"`
	BidderID   uuid.UUID       `msgpack:"bidder_id" json:"bidderId"`
	BidderName string          `msgpack:"bidder_name" json:"bidderName"`
	Amount     decimal.Decimal `msgpack:"amount" json:"amount"`
	CreatedAt  time.Time       `msgpack:"created_at" json:"createdAt"`
}

// AuctionSnapshot 是事件中攜帶的拍賣摘要
type AuctionSnapshot struct {
	ID                uuid.UUID            `msgpack:"id" json:"id"`
	Title             string               `msgpack:"title" json:"title"`
	SellerID          uuid.UUID            `msgpack:"seller_id" json:"sellerId"`
	Status            models.AuctionStatus `msgpack:"status" json:"status"`
	CurrentHighestBid decimal.Decimal      `msgpack:"current_highest_bid" json:"currentHighestBid"`
	EndAt             time.Time            `msgpack:"end_at" json:"endAt"`
	WinnerID          *uuid.UUID           `msgpack:"winner_id,omitempty" json:"winnerId,omitempty"`
	FinalPrice        *decimal.Decimal     `msgpack:"final_price,omitempty" json:"finalPrice,omitempty"`
}

// Event 是核心發出的領域事件
// Recipient有值時表示事件是針對特定使用者(例如outbid通知)，
// 否則是針對整個拍賣頻道的廣播。
type Event struct {
	Type      EventType        `msgpack:"type" json:"type"`
	AuctionID uuid.UUID        `msgpack:"auction_id" json:"auctionId"`
	Recipient *uuid.UUID       `msgpack:"recipient,omitempty" json:"recipient,omitempty"`
	Bid       *BidSnapshot     `msgpack:"bid,omitempty" json:"bid,omitempty"`
	Auction   *AuctionSnapshot `msgpack:"auction,omitempty" json:"auction,omitempty"`
	Message   string           `msgpack:"message,omitempty" json:"message,omitempty"`
	CreatedAt time.Time        `msgpack:"created_at" json:"createdAt"`
}

// SnapshotAuction 將拍賣實體轉換成事件摘要
func SnapshotAuction(a *models.Auction) *AuctionSnapshot {
	return &AuctionSnapshot{
		ID:                a.ID,
		Title:             a.Title,
		SellerID:          a.SellerID,
		Status:            a.Status,
		CurrentHighestBid: a.CurrentHighestBid,
		EndAt:             a.EndAt,
		WinnerID:          a.WinnerID,
		FinalPrice:        a.FinalPrice,
	}
}

// SnapshotBid 將出價實體轉換成事件摘要
func SnapshotBid(b *models.Bid, bidderName string) *BidSnapshot {
	return &BidSnapshot{
		ID:         b.ID,
		BidderID:   b.BidderID,
		BidderName: bidderName,
		Amount:     b.Amount,
		CreatedAt:  b.CreatedAt,
	}
}
