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

type admissionOptions struct {
	logger *slog.Logger
	now    func() time.Time
}

type AdmissionOption func(*admissionOptions)

// WithAdmissionLogger 設置日誌記錄器
func WithAdmissionLogger(logger *slog.Logger) AdmissionOption {
	return func(o *admissionOptions) {
		o.logger = logger
	}
}

// WithAdmissionClock 設置時間來源(主要用於測試)
func WithAdmissionClock(now func() time.Time) AdmissionOption {
	return func(o *admissionOptions) {
		o.now = now
	}
}

// AdmissionService 是出價的寫入路徑
// 負責驗證並接受出價，對同一個拍賣的出價透過分散式鎖序列化，
// 快取與帳本的更新以快取的compare-and-set為準入點：只有在快取
// 更新成功後才會寫入帳本，因此兩個同時合格的出價不可能同時獲勝。
type AdmissionService struct {
	db      *gorm.DB
	cache   BidCache
	emitter Emitter
	newLock MutexFactory
	logger  *slog.Logger
	now     func() time.Time
}

// NewAdmissionService 建立出價服務
func NewAdmissionService(db *gorm.DB, cache BidCache, emitter Emitter, newLock MutexFactory, opts ...AdmissionOption) *AdmissionService {
	options := admissionOptions{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &AdmissionService{
		db:      db,
		cache:   cache,
		emitter: emitter,
		newLock: newLock,
		logger:  options.logger.With(slog.String("caller", "AdmissionService")),
		now:     options.now,
	}
}

// PlacedBid 是一次成功出價的回傳內容
type PlacedBid struct {
	Bid     models.Bid
	Bidder  models.User
	Auction models.Auction
}

// PlaceBid 驗證並接受一筆出價
// 前置條件依序檢查，第一個失敗即回傳，任何持久化寫入之前都不會有副作用:
//  1. 拍賣必須存在 → ErrNotFound
//  2. 現在時間必須落在 goLiveAt ≤ now ≤ endAt 且狀態為active → ErrInvalidState
//     兩者必須同時成立，不一致時直接拒絕而不是猜測
//  3. 出價者不能是賣家 → ErrForbidden
//  4. 金額必須達到最低可接受金額 → InvalidBidError(帶有計算後的最低金額)
func (s *AdmissionService) PlaceBid(ctx context.Context, auctionID, bidderID uuid.UUID, amount decimal.Decimal) (*PlacedBid, error) {
	const op = "PlaceBid"

	// 檢查拍賣是否存在
	var auction models.Auction
	if result := s.db.WithContext(ctx).First(&auction, "id = ?", auctionID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: auction %s", ErrNotFound, auctionID)
		}
		return nil, fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
	}

	// 檢查拍賣時間窗與持久化狀態，兩者必須一致才放行
	// 出價的有效性由牆上時鐘與endAt的比較決定，而不是結束排程是否已經執行，
	// 因此遲到的結束轉換不會讓逾時的出價溜進來。
	now := s.now()
	if now.Before(auction.GoLiveAt) || now.After(auction.EndAt) || auction.Status != models.AuctionActive {
		return nil, fmt.Errorf("%w: auction is not active", ErrInvalidState)
	}

	// 賣家不能對自己的拍賣出價
	if auction.SellerID == bidderID {
		return nil, fmt.Errorf("%w: sellers cannot bid on their own auctions", ErrForbidden)
	}

	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: bid amount must be positive", ErrInvalidArgument)
	}

	// 取得這個拍賣專屬的出價鎖，不同拍賣之間不互相阻塞
	lock := s.newLock(auctionID)
	lockCtx, err := lock.Lock(ctx)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to acquire bid lock, err=%w", op, err)
	}
	defer func() {
		if _, err := lock.Unlock(); err != nil {
			s.logger.Warn("Fail to release bid lock", slog.String("op", op), slog.Any("error", err))
		}
	}()

	// 拿到鎖之後重新讀取持久化狀態再檢查一次: 結束或取消的轉換可能在
	// 前置檢查之後、拿到鎖之前落地(並清除快取)，這時必須拒絕，否則
	// 後面的快取修復會拿舊的資料把出價放進已經終結的拍賣。
	if result := s.db.WithContext(lockCtx).First(&auction, "id = ?", auctionID); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to reload auction, err=%w", op, result.Error)
	}
	acceptedAt := s.now()
	if acceptedAt.After(auction.EndAt) || auction.Status != models.AuctionActive {
		return nil, fmt.Errorf("%w: auction is not active", ErrInvalidState)
	}

	// 以快取的compare-and-set作為準入點
	result, err := s.cache.CompareAndSwap(lockCtx, auctionID, bidderID, amount, auction.BidIncrement)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to run bid compare-and-set, err=%w", op, err)
	}
	if result.Verdict == CacheMiss {
		// 快取被清除或過期，從帳本重建後重試一次
		if err := s.repairCache(lockCtx, &auction); err != nil {
			return nil, fmt.Errorf("[%s] Fail to repair bid cache, err=%w", op, err)
		}
		result, err = s.cache.CompareAndSwap(lockCtx, auctionID, bidderID, amount, auction.BidIncrement)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to run bid compare-and-set, err=%w", op, err)
		}
		if result.Verdict == CacheMiss {
			return nil, fmt.Errorf("[%s] Bid cache misses right after repair", op)
		}
	}
	if result.Verdict == CacheRejected {
		// 輸掉競爭或金額不足，以新的領先金額計算出的最低金額回報，
		// 不會拿舊金額重試。
		return nil, &InvalidBidError{Minimum: result.Minimum}
	}

	// 快取更新成功後才寫入帳本:
	// 建立新的出價紀錄、翻轉前一筆領先出價、更新拍賣的最高出價
	bid := models.Bid{
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		IsWinning: true,
	}
	if err := s.db.WithContext(lockCtx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Create(&bid); result.Error != nil {
			return fmt.Errorf("fail to create bid, err=%w", result.Error)
		}
		if result := tx.Model(&models.Bid{}).
			Where("auction_id = ? AND is_winning = ? AND id <> ?", auctionID, true, bid.ID).
			Update("is_winning", false); result.Error != nil {
			return fmt.Errorf("fail to supersede previous winning bid, err=%w", result.Error)
		}
		if result := tx.Model(&models.Auction{}).
			Where("id = ?", auctionID).
			Update("current_highest_bid", amount); result.Error != nil {
			return fmt.Errorf("fail to update current highest bid, err=%w", result.Error)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("[%s] Fail to persist bid, err=%w", op, err)
	}
	auction.CurrentHighestBid = amount

	// 取得出價者資訊並發出事件，事件遞送失敗不影響出價結果
	var bidder models.User
	if result := s.db.WithContext(ctx).First(&bidder, "id = ?", bidderID); result.Error != nil {
		s.logger.Warn("Fail to load bidder for event", slog.String("op", op), slog.Any("error", result.Error))
	}
	s.emitBidEvents(ctx, &auction, &bid, &bidder)

	s.logger.Info("Bid accepted",
		slog.String("auctionID", auctionID.String()),
		slog.String("bidderID", bidderID.String()),
		slog.String("amount", amount.String()))
	return &PlacedBid{Bid: bid, Bidder: bidder, Auction: auction}, nil
}

// CurrentLeader 回傳拍賣目前的領先金額與出價者
// 先查快取，快取沒有就退回帳本: 有isWinning=true的出價時使用該筆，
// 否則領先金額是起標價且沒有出價者。
func (s *AdmissionService) CurrentLeader(ctx context.Context, auctionID uuid.UUID) (*CacheLeader, error) {
	const op = "CurrentLeader"

	leader, err := s.cache.Leader(ctx, auctionID)
	if err != nil {
		s.logger.Warn("Fail to read cached leader", slog.Any("error", err))
	}
	if leader != nil {
		return leader, nil
	}

	var auction models.Auction
	if result := s.db.WithContext(ctx).First(&auction, "id = ?", auctionID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: auction %s", ErrNotFound, auctionID)
		}
		return nil, fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
	}
	var winning models.Bid
	result := s.db.WithContext(ctx).
		Where("auction_id = ? AND is_winning = ?", auctionID, true).
		First(&winning)
	if result.Error == nil {
		return &CacheLeader{Amount: winning.Amount, BidderID: winning.BidderID.String()}, nil
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("[%s] Fail to find winning bid, err=%w", op, result.Error)
	}
	return &CacheLeader{Amount: auction.StartingPrice}, nil
}

// repairCache 從帳本重建快取的領先金額
// 帳本是事實來源: 有isWinning=true的出價時使用該金額，否則使用起標價
func (s *AdmissionService) repairCache(ctx context.Context, auction *models.Auction) error {
	leading := auction.StartingPrice
	leadingBidder := ""
	var winning models.Bid
	result := s.db.WithContext(ctx).
		Where("auction_id = ? AND is_winning = ?", auction.ID, true).
		First(&winning)
	if result.Error == nil {
		leading = winning.Amount
		leadingBidder = winning.BidderID.String()
	} else if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return fmt.Errorf("fail to find winning bid, err=%w", result.Error)
	}
	return s.cache.Prime(ctx, auction.ID, leading, leadingBidder)
}

// emitBidEvents 發出bid_accepted事件與對每位先前出價者(新領先者除外)的outbid事件
func (s *AdmissionService) emitBidEvents(ctx context.Context, auction *models.Auction, bid *models.Bid, bidder *models.User) {
	snapshot := SnapshotAuction(auction)
	bidSnapshot := SnapshotBid(bid, bidder.Username)

	if err := s.emitter.Publish(Event{
		Type:      EventBidAccepted,
		AuctionID: auction.ID,
		Bid:       bidSnapshot,
		Auction:   snapshot,
		CreatedAt: bid.CreatedAt,
	}); err != nil {
		s.logger.Warn("Fail to publish bid_accepted event", slog.Any("error", err))
	}

	// 查詢先前出過價的使用者(去除新的領先者)，逐一發出outbid事件
	var previousBidders []uuid.UUID
	if result := s.db.WithContext(ctx).Model(&models.Bid{}).
		Distinct("bidder_id").
		Where("auction_id = ? AND bidder_id <> ?", auction.ID, bid.BidderID).
		Pluck("bidder_id", &previousBidders); result.Error != nil {
		s.logger.Warn("Fail to list previous bidders", slog.Any("error", result.Error))
		return
	}
	for _, prev := range previousBidders {
		recipient := prev
		if err := s.emitter.Publish(Event{
			Type:      EventOutbid,
			AuctionID: auction.ID,
			Recipient: &recipient,
			Bid:       bidSnapshot,
			Auction:   snapshot,
			Message:   fmt.Sprintf("You have been outbid on %q", auction.Title),
			CreatedAt: bid.CreatedAt,
		}); err != nil {
			s.logger.Warn("Fail to publish outbid event", slog.Any("error", err))
		}
	}
}
