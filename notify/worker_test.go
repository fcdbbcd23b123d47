package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gavel/auction"
)

type captureMailer struct {
	sent    []Notification
	sendErr error
}

func (m *captureMailer) Send(_ context.Context, notification Notification) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, notification)
	return nil
}

func TestWorkerHandle(t *testing.T) {
	recipient := uuid.New()
	auctionID := uuid.New()

	tests := []struct {
		name        string
		event       auction.Event
		wantSubject string
		wantSent    bool
	}{
		{
			name: "outbid事件應通知被超越的出價者",
			event: auction.Event{
				Type:      auction.EventOutbid,
				AuctionID: auctionID,
				Recipient: &recipient,
				Auction:   &auction.AuctionSnapshot{Title: "Vintage Camera"},
				Bid:       &auction.BidSnapshot{Amount: decimal.NewFromInt(1100)},
			},
			wantSubject: "You have been outbid",
			wantSent:    true,
		},
		{
			name: "auction_won事件應通知得標者",
			event: auction.Event{
				Type:      auction.EventAuctionWon,
				AuctionID: auctionID,
				Recipient: &recipient,
				Auction: &auction.AuctionSnapshot{
					Title:             "Vintage Camera",
					CurrentHighestBid: decimal.NewFromInt(1100),
				},
			},
			wantSubject: "You won the auction",
			wantSent:    true,
		},
		{
			name: "counter_offer事件應通知買家",
			event: auction.Event{
				Type:      auction.EventCounterOffer,
				AuctionID: auctionID,
				Recipient: &recipient,
				Message:   "Seller proposed 1200",
			},
			wantSubject: "The seller made a counter-offer",
			wantSent:    true,
		},
		{
			name: "counter_offer_response事件應通知賣家",
			event: auction.Event{
				Type:      auction.EventCounterOfferResponse,
				AuctionID: auctionID,
				Recipient: &recipient,
				Message:   "Buyer accepted the counter-offer",
			},
			wantSubject: "The buyer responded to your counter-offer",
			wantSent:    true,
		},
		{
			name: "沒有收件人的廣播事件應被略過",
			event: auction.Event{
				Type:      auction.EventBidAccepted,
				AuctionID: auctionID,
			},
			wantSent: false,
		},
		{
			name: "未知的事件種類應被略過",
			event: auction.Event{
				Type:      auction.EventType("unknown"),
				AuctionID: auctionID,
				Recipient: &recipient,
			},
			wantSent: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mailer := &captureMailer{}
			worker := NewWorker(nil, mailer)

			err := worker.handle(context.Background(), tt.event)
			require.NoError(t, err)

			if !tt.wantSent {
				assert.Empty(t, mailer.sent)
				return
			}
			require.Len(t, mailer.sent, 1)
			assert.Equal(t, recipient, mailer.sent[0].Recipient)
			assert.Equal(t, tt.wantSubject, mailer.sent[0].Subject)
		})
	}
}

func TestWorkerHandleMailerError(t *testing.T) {
	recipient := uuid.New()
	mailer := &captureMailer{sendErr: errors.New("smtp unavailable")}
	worker := NewWorker(nil, mailer)

	err := worker.handle(context.Background(), auction.Event{
		Type:      auction.EventAuctionWon,
		AuctionID: uuid.New(),
		Recipient: &recipient,
		Auction:   &auction.AuctionSnapshot{Title: "Vintage Camera"},
	})
	assert.ErrorContains(t, err, "smtp unavailable")
}
