package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"gavel/models"
)

// Decision 是賣家對得標出價的決定
type Decision string

const (
	DecideAccept       Decision = "accepted"
	DecideReject       Decision = "rejected"
	DecideCounterOffer Decision = "counter_offer"
)

// CounterOfferResponse 是買家對還價的回應
type CounterOfferResponse string

const (
	RespondAccept CounterOfferResponse = "accepted"
	RespondReject CounterOfferResponse = "rejected"
)

// CounterOfferInput 是還價決定的附加內容
type CounterOfferInput struct {
	Amount  decimal.Decimal
	Message string
}

type negotiationOptions struct {
	logger *slog.Logger
	now    func() time.Time
}

type NegotiationOption func(*negotiationOptions)

// WithNegotiationLogger 設置日誌記錄器
func WithNegotiationLogger(logger *slog.Logger) NegotiationOption {
	return func(o *negotiationOptions) {
		o.logger = logger
	}
}

// WithNegotiationClock 設置時間來源(主要用於測試)
func WithNegotiationClock(now func() time.Time) NegotiationOption {
	return func(o *negotiationOptions) {
		o.now = now
	}
}

// NegotiationService 處理拍賣結束後的協商流程
// 這是嚴格的兩方交涉: 賣家決定接受/拒絕/還價，買家回應還價；
// 被拒絕的還價直接終結拍賣(cancelled)，不會重新開放競標。
type NegotiationService struct {
	db      *gorm.DB
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// NewNegotiationService 建立協商服務
func NewNegotiationService(db *gorm.DB, emitter Emitter, opts ...NegotiationOption) *NegotiationService {
	options := negotiationOptions{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &NegotiationService{
		db:      db,
		emitter: emitter,
		logger:  options.logger.With(slog.String("caller", "NegotiationService")),
		now:     options.now,
	}
}

// DecisionResult 是一次賣家決定的結果
type DecisionResult struct {
	Auction      models.Auction
	CounterOffer *models.CounterOffer
}

// HandleSellerDecision 處理賣家對得標出價的決定
// 呼叫者必須是拍賣的賣家，拍賣必須是ended且sellerDecision仍為pending；
// 決定在每個生命週期中最多設定一次，只有還價路徑會延後最終結果。
func (s *NegotiationService) HandleSellerDecision(ctx context.Context, auctionID, sellerID uuid.UUID, decision Decision, counterOffer *CounterOfferInput) (*DecisionResult, error) {
	const op = "HandleSellerDecision"

	var auction models.Auction
	if result := s.db.WithContext(ctx).First(&auction, "id = ?", auctionID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: auction %s", ErrNotFound, auctionID)
		}
		return nil, fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
	}
	if auction.SellerID != sellerID {
		return nil, fmt.Errorf("%w: only the seller can decide", ErrForbidden)
	}
	if auction.Status != models.AuctionEnded {
		return nil, fmt.Errorf("%w: can only make decisions on ended auctions", ErrInvalidState)
	}
	if auction.SellerDecision != models.DecisionPending {
		return nil, fmt.Errorf("%w: a decision has already been made for this auction", ErrInvalidState)
	}
	if auction.WinnerID == nil {
		// 零出價的拍賣沒有可以接受或拒絕的對象
		return nil, fmt.Errorf("%w: auction ended without a winning bid", ErrInvalidState)
	}

	switch decision {
	case DecideAccept:
		if err := s.finalizeDecision(ctx, &auction, models.DecisionAccepted, models.AuctionSold); err != nil {
			return nil, fmt.Errorf("[%s] %w", op, err)
		}
		s.emitDecision(&auction, models.DecisionAccepted)
		return &DecisionResult{Auction: auction}, nil

	case DecideReject:
		if err := s.finalizeDecision(ctx, &auction, models.DecisionRejected, models.AuctionCancelled); err != nil {
			return nil, fmt.Errorf("[%s] %w", op, err)
		}
		// 拒絕通知透過事件交給外部的通知層，遞送失敗不影響轉換
		s.emitDecision(&auction, models.DecisionRejected)
		return &DecisionResult{Auction: auction}, nil

	case DecideCounterOffer:
		if counterOffer == nil {
			return nil, fmt.Errorf("%w: counter offer payload is required", ErrInvalidArgument)
		}
		if !counterOffer.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: counter offer amount must be positive", ErrInvalidArgument)
		}
		offer, err := s.createCounterOffer(ctx, &auction, counterOffer)
		if err != nil {
			return nil, fmt.Errorf("[%s] %w", op, err)
		}
		s.emitCounterOffer(&auction, offer)
		return &DecisionResult{Auction: auction, CounterOffer: offer}, nil

	default:
		return nil, fmt.Errorf("%w: invalid decision %q", ErrInvalidArgument, decision)
	}
}

// RespondToCounterOffer 處理買家對還價的回應
// 呼叫者必須是還價的買家且還價仍為pending；為了不向非擁有者洩漏
// 還價是否存在，權限不符一律回傳ErrNotFound。回應同時終結拍賣:
// 接受→sold且finalPrice=還價金額，拒絕→cancelled。
func (s *NegotiationService) RespondToCounterOffer(ctx context.Context, counterOfferID, buyerID uuid.UUID, response CounterOfferResponse) (*models.CounterOffer, error) {
	const op = "RespondToCounterOffer"

	if response != RespondAccept && response != RespondReject {
		return nil, fmt.Errorf("%w: invalid response %q", ErrInvalidArgument, response)
	}

	var offer models.CounterOffer
	result := s.db.WithContext(ctx).
		Where("id = ? AND buyer_id = ?", counterOfferID, buyerID).
		First(&offer)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: counter offer %s", ErrNotFound, counterOfferID)
		}
		return nil, fmt.Errorf("[%s] Fail to find counter offer, err=%w", op, result.Error)
	}
	if offer.Status != models.CounterOfferPending {
		// 與不存在的情況刻意無法區分
		return nil, fmt.Errorf("%w: counter offer %s", ErrNotFound, counterOfferID)
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 條件更新作為守衛，避免同一筆還價被回應兩次
		guard := tx.Model(&models.CounterOffer{}).
			Where("id = ? AND status = ?", offer.ID, models.CounterOfferPending).
			Update("status", models.CounterOfferStatus(response))
		if guard.Error != nil {
			return fmt.Errorf("fail to update counter offer, err=%w", guard.Error)
		}
		if guard.RowsAffected == 0 {
			return fmt.Errorf("%w: counter offer %s", ErrNotFound, counterOfferID)
		}

		updates := map[string]any{"status": models.AuctionCancelled}
		if response == RespondAccept {
			updates = map[string]any{
				"status":      models.AuctionSold,
				"final_price": offer.CounterOfferAmount,
			}
		}
		if result := tx.Model(&models.Auction{}).
			Where("id = ?", offer.AuctionID).
			Updates(updates); result.Error != nil {
			return fmt.Errorf("fail to finalize auction, err=%w", result.Error)
		}
		return nil
	}); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("[%s] Fail to respond to counter offer, err=%w", op, err)
	}
	offer.Status = models.CounterOfferStatus(response)

	var auction models.Auction
	if r := s.db.WithContext(ctx).First(&auction, "id = ?", offer.AuctionID); r.Error == nil {
		recipient := offer.SellerID
		if err := s.emitter.Publish(Event{
			Type:      EventCounterOfferResponse,
			AuctionID: auction.ID,
			Recipient: &recipient,
			Auction:   SnapshotAuction(&auction),
			Message:   fmt.Sprintf("Counter offer on %q was %s", auction.Title, response),
			CreatedAt: s.now(),
		}); err != nil {
			s.logger.Warn("Fail to publish counter_offer_response event", slog.Any("error", err))
		}
	}

	s.logger.Info("Counter offer responded",
		slog.String("counterOfferID", offer.ID.String()),
		slog.String("response", string(response)))
	return &offer, nil
}

// finalizeDecision 在單一條件更新中同時設定sellerDecision與終點狀態
func (s *NegotiationService) finalizeDecision(ctx context.Context, auction *models.Auction, decision models.SellerDecision, status models.AuctionStatus) error {
	if _, err := Transition(auction.Status, status); err != nil {
		return err
	}
	guard := s.db.WithContext(ctx).Model(&models.Auction{}).
		Where("id = ? AND status = ? AND seller_decision = ?", auction.ID, models.AuctionEnded, models.DecisionPending).
		Updates(map[string]any{
			"seller_decision": decision,
			"status":          status,
		})
	if guard.Error != nil {
		return fmt.Errorf("fail to record seller decision, err=%w", guard.Error)
	}
	if guard.RowsAffected == 0 {
		return fmt.Errorf("%w: a decision has already been made for this auction", ErrInvalidState)
	}
	auction.SellerDecision = decision
	auction.Status = status
	return nil
}

// createCounterOffer 建立還價並設定sellerDecision=counter_offered
// 兩者在同一個交易中寫入，視為一個邏輯操作；狀態保持ended。
func (s *NegotiationService) createCounterOffer(ctx context.Context, auction *models.Auction, in *CounterOfferInput) (*models.CounterOffer, error) {
	originalBid := decimal.Zero
	if auction.FinalPrice != nil {
		originalBid = *auction.FinalPrice
	}
	offer := models.CounterOffer{
		AuctionID:          auction.ID,
		SellerID:           auction.SellerID,
		BuyerID:            *auction.WinnerID,
		OriginalBid:        originalBid,
		CounterOfferAmount: in.Amount,
		Status:             models.CounterOfferPending,
		Message:            in.Message,
	}
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		guard := tx.Model(&models.Auction{}).
			Where("id = ? AND status = ? AND seller_decision = ?", auction.ID, models.AuctionEnded, models.DecisionPending).
			Update("seller_decision", models.DecisionCounterOffered)
		if guard.Error != nil {
			return fmt.Errorf("fail to record seller decision, err=%w", guard.Error)
		}
		if guard.RowsAffected == 0 {
			return fmt.Errorf("%w: a decision has already been made for this auction", ErrInvalidState)
		}
		if result := tx.Create(&offer); result.Error != nil {
			return fmt.Errorf("fail to create counter offer, err=%w", result.Error)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	auction.SellerDecision = models.DecisionCounterOffered
	return &offer, nil
}

func (s *NegotiationService) emitDecision(auction *models.Auction, decision models.SellerDecision) {
	var recipient *uuid.UUID
	if auction.WinnerID != nil {
		recipient = auction.WinnerID
	}
	if err := s.emitter.Publish(Event{
		Type:      EventSellerDecision,
		AuctionID: auction.ID,
		Recipient: recipient,
		Auction:   SnapshotAuction(auction),
		Message:   fmt.Sprintf("The seller has %s the winning bid on %q", decision, auction.Title),
		CreatedAt: s.now(),
	}); err != nil {
		s.logger.Warn("Fail to publish seller_decision event", slog.Any("error", err))
	}
}

func (s *NegotiationService) emitCounterOffer(auction *models.Auction, offer *models.CounterOffer) {
	recipient := offer.BuyerID
	if err := s.emitter.Publish(Event{
		Type:      EventCounterOffer,
		AuctionID: auction.ID,
		Recipient: &recipient,
		Auction:   SnapshotAuction(auction),
		Message:   fmt.Sprintf("The seller countered with %s on %q", offer.CounterOfferAmount.String(), auction.Title),
		CreatedAt: s.now(),
	}); err != nil {
		s.logger.Warn("Fail to publish counter_offer event", slog.Any("error", err))
	}
}
