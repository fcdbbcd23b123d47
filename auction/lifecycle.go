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

type lifecycleOptions struct {
	logger *slog.Logger
	now    func() time.Time
}

type LifecycleOption func(*lifecycleOptions)

// WithLifecycleLogger 設置日誌記錄器
func WithLifecycleLogger(logger *slog.Logger) LifecycleOption {
	return func(o *lifecycleOptions) {
		o.logger = logger
	}
}

// WithLifecycleClock 設置時間來源(主要用於測試)
func WithLifecycleClock(now func() time.Time) LifecycleOption {
	return func(o *lifecycleOptions) {
		o.now = now
	}
}

// LifecycleService 驅動拍賣的生命週期
// 負責pending→active與active→ended的時間觸發轉換，轉換透過排程器
// 排定並可由復原掃描從持久化的goLiveAt/endAt+狀態重新推導，因此不
// 依賴行程內的計時器，重啟後不會遺失，多實例下也不會重複執行。
// 終結性的轉換(結束、取消)與出價路徑共用同一把拍賣鎖: 已經通過
// 準入的出價會在鎖內完成帳本寫入，轉換必須等它落地才能計算得標者。
type LifecycleService struct {
	db        *gorm.DB
	cache     BidCache
	emitter   Emitter
	scheduler Scheduler
	newLock   MutexFactory
	logger    *slog.Logger
	now       func() time.Time
}

// NewLifecycleService 建立生命週期服務
func NewLifecycleService(db *gorm.DB, cache BidCache, emitter Emitter, scheduler Scheduler, newLock MutexFactory, opts ...LifecycleOption) *LifecycleService {
	options := lifecycleOptions{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &LifecycleService{
		db:        db,
		cache:     cache,
		emitter:   emitter,
		scheduler: scheduler,
		newLock:   newLock,
		logger:    options.logger.With(slog.String("caller", "LifecycleService")),
		now:       options.now,
	}
}

// CreateAuctionInput 是建立拍賣的輸入
type CreateAuctionInput struct {
	SellerID      uuid.UUID
	Title         string
	Description   string
	ImageURL      string
	StartingPrice decimal.Decimal
	BidIncrement  decimal.Decimal
	GoLiveAt      time.Time
	Duration      int // 單位為分鐘
}

// CreateAuction 建立一個pending狀態的拍賣並排定兩個轉換
// endAt = goLiveAt + duration 在這裡計算一次，之後不再變更(模型上
// 沒有任何更新路徑允許改寫duration或endAt)。
func (s *LifecycleService) CreateAuction(ctx context.Context, in CreateAuctionInput) (*models.Auction, error) {
	const op = "CreateAuction"

	if in.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidArgument)
	}
	if in.StartingPrice.IsNegative() {
		return nil, fmt.Errorf("%w: starting price must not be negative", ErrInvalidArgument)
	}
	if !in.BidIncrement.IsPositive() {
		return nil, fmt.Errorf("%w: bid increment must be positive", ErrInvalidArgument)
	}
	if in.Duration < 1 {
		return nil, fmt.Errorf("%w: duration must be at least one minute", ErrInvalidArgument)
	}
	endAt := in.GoLiveAt.Add(time.Duration(in.Duration) * time.Minute)
	if endAt.Before(s.now()) {
		return nil, fmt.Errorf("%w: auction would end in the past", ErrInvalidArgument)
	}

	auction := models.Auction{
		SellerID:          in.SellerID,
		Title:             in.Title,
		Description:       in.Description,
		ImageURL:          in.ImageURL,
		StartingPrice:     in.StartingPrice,
		BidIncrement:      in.BidIncrement,
		CurrentHighestBid: in.StartingPrice,
		GoLiveAt:          in.GoLiveAt,
		Duration:          in.Duration,
		EndAt:             endAt,
		Status:            models.AuctionPending,
		SellerDecision:    models.DecisionPending,
	}
	if result := s.db.WithContext(ctx).Create(&auction); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to create auction, err=%w", op, result.Error)
	}

	// 排定兩個時間觸發的轉換，工作以拍賣ID+轉換種類為鍵
	if err := s.scheduler.ScheduleAt(ctx, auction.GoLiveAt, Job{
		ID:        JobID(JobActivate, auction.ID),
		Kind:      JobActivate,
		AuctionID: auction.ID,
	}); err != nil {
		return nil, fmt.Errorf("[%s] Fail to schedule activation, err=%w", op, err)
	}
	if err := s.scheduler.ScheduleAt(ctx, auction.EndAt, Job{
		ID:        JobID(JobEnd, auction.ID),
		Kind:      JobEnd,
		AuctionID: auction.ID,
	}); err != nil {
		return nil, fmt.Errorf("[%s] Fail to schedule ending, err=%w", op, err)
	}

	s.logger.Info("Auction created",
		slog.String("auctionID", auction.ID.String()),
		slog.Time("goLiveAt", auction.GoLiveAt),
		slog.Time("endAt", auction.EndAt))
	return &auction, nil
}

// ActivateAuction 將拍賣從pending轉換為active並初始化快取
// 冪等: 對已經active的拍賣重複呼叫是no-op而不是錯誤。
func (s *LifecycleService) ActivateAuction(ctx context.Context, auctionID uuid.UUID) error {
	const op = "ActivateAuction"

	// 條件更新作為守衛: 只有目前狀態是pending時才會轉換
	result := s.db.WithContext(ctx).Model(&models.Auction{}).
		Where("id = ? AND status = ?", auctionID, models.AuctionPending).
		Update("status", models.AuctionActive)
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to activate auction, err=%w", op, result.Error)
	}
	if result.RowsAffected == 0 {
		// 守衛沒有命中: 拍賣不存在，或已經離開pending(排程重複觸發)
		var auction models.Auction
		if r := s.db.WithContext(ctx).First(&auction, "id = ?", auctionID); r.Error != nil {
			if errors.Is(r.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: auction %s", ErrNotFound, auctionID)
			}
			return fmt.Errorf("[%s] Fail to find auction, err=%w", op, r.Error)
		}
		s.logger.Debug("Activation skipped, auction already left pending",
			slog.String("auctionID", auctionID.String()),
			slog.String("status", string(auction.Status)))
		return nil
	}

	var auction models.Auction
	if r := s.db.WithContext(ctx).First(&auction, "id = ?", auctionID); r.Error != nil {
		return fmt.Errorf("[%s] Fail to reload auction, err=%w", op, r.Error)
	}

	// 以起標價初始化快取的領先金額
	if err := s.cache.Prime(ctx, auctionID, auction.StartingPrice, ""); err != nil {
		return fmt.Errorf("[%s] Fail to prime bid cache, err=%w", op, err)
	}

	if err := s.emitter.Publish(Event{
		Type:      EventAuctionStarted,
		AuctionID: auctionID,
		Auction:   SnapshotAuction(&auction),
		CreatedAt: s.now(),
	}); err != nil {
		s.logger.Warn("Fail to publish auction_started event", slog.Any("error", err))
	}

	s.logger.Info("Auction activated", slog.String("auctionID", auctionID.String()))
	return nil
}

// EndResult 是一次結束轉換的結果
type EndResult struct {
	Auction    models.Auction
	WinningBid *models.Bid
}

// EndAuction 將拍賣從active轉換為ended並計算得標者
// 得標者嚴格從帳本(isWinning=true的出價)計算，不使用快取——快取在
// 崩潰後可能被清除或不一致，帳本才是事實來源。整段在拍賣鎖內執行，
// 正在寫入帳本的出價會先落地，之後的出價會在鎖內的狀態重查被拒絕。
// 冪等: 重複呼叫不會重新計算或覆寫winner/finalPrice，狀態守衛沒命中
// 時只清快取；還沒開賣(pending)的拍賣不能結束。
func (s *LifecycleService) EndAuction(ctx context.Context, auctionID uuid.UUID) (*EndResult, error) {
	const op = "EndAuction"

	var auction models.Auction
	if result := s.db.WithContext(ctx).First(&auction, "id = ?", auctionID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: auction %s", ErrNotFound, auctionID)
		}
		return nil, fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
	}

	lock := s.newLock(auctionID)
	lockCtx, err := lock.Lock(ctx)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to acquire auction lock, err=%w", op, err)
	}
	defer func() {
		if _, err := lock.Unlock(); err != nil {
			s.logger.Warn("Fail to release auction lock", slog.String("op", op), slog.Any("error", err))
		}
	}()

	// 鎖內重新讀取狀態，剛落地的出價在這之後才看得到
	if r := s.db.WithContext(lockCtx).First(&auction, "id = ?", auctionID); r.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to reload auction, err=%w", op, r.Error)
	}
	if auction.Status == models.AuctionPending {
		return nil, fmt.Errorf("%w: auction has not been activated", ErrInvalidState)
	}

	// 從帳本查詢得標出價(可能沒有，零出價的拍賣一樣會結束)
	var winning *models.Bid
	var bid models.Bid
	result := s.db.WithContext(lockCtx).Preload("Bidder").
		Where("auction_id = ? AND is_winning = ?", auctionID, true).
		First(&bid)
	if result.Error == nil {
		winning = &bid
	} else if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("[%s] Fail to find winning bid, err=%w", op, result.Error)
	}

	// 條件更新作為守衛: 只有目前狀態是active時才會寫入得標結果
	updates := map[string]any{
		"status":          models.AuctionEnded,
		"seller_decision": models.DecisionPending,
	}
	if winning != nil {
		updates["winner_id"] = winning.BidderID
		updates["final_price"] = winning.Amount
	}
	guard := s.db.WithContext(lockCtx).Model(&models.Auction{}).
		Where("id = ? AND status = ?", auctionID, models.AuctionActive).
		Updates(updates)
	if guard.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to end auction, err=%w", op, guard.Error)
	}
	fired := guard.RowsAffected > 0

	// 無論守衛是否命中都清除快取，避免殘留的舊資料被讀到
	if err := s.cache.Clear(lockCtx, auctionID); err != nil {
		s.logger.Warn("Fail to clear bid cache", slog.String("op", op), slog.Any("error", err))
	}

	if r := s.db.WithContext(lockCtx).First(&auction, "id = ?", auctionID); r.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to reload auction, err=%w", op, r.Error)
	}

	if fired {
		s.emitEndEvents(&auction, winning)
		s.logger.Info("Auction ended",
			slog.String("auctionID", auctionID.String()),
			slog.Bool("hasWinner", winning != nil))
	} else {
		// 排程重複觸發或拍賣已被取消，視為no-op
		s.logger.Debug("End skipped, auction is not active",
			slog.String("auctionID", auctionID.String()),
			slog.String("status", string(auction.Status)))
	}
	return &EndResult{Auction: auction, WinningBid: winning}, nil
}

// CancelAuction 管理者在拍賣結束前取消拍賣
// 同時取消已排定的轉換，已經觸發但守衛不成立的工作會自行變成no-op。
// 與出價路徑共用拍賣鎖，取消落地後進來的出價會在鎖內的狀態重查被拒絕。
func (s *LifecycleService) CancelAuction(ctx context.Context, auctionID uuid.UUID) error {
	const op = "CancelAuction"

	lock := s.newLock(auctionID)
	lockCtx, err := lock.Lock(ctx)
	if err != nil {
		return fmt.Errorf("[%s] Fail to acquire auction lock, err=%w", op, err)
	}
	defer func() {
		if _, err := lock.Unlock(); err != nil {
			s.logger.Warn("Fail to release auction lock", slog.String("op", op), slog.Any("error", err))
		}
	}()

	result := s.db.WithContext(lockCtx).Model(&models.Auction{}).
		Where("id = ? AND status IN ?", auctionID, []models.AuctionStatus{models.AuctionPending, models.AuctionActive}).
		Update("status", models.AuctionCancelled)
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to cancel auction, err=%w", op, result.Error)
	}
	if result.RowsAffected == 0 {
		var auction models.Auction
		if r := s.db.WithContext(lockCtx).First(&auction, "id = ?", auctionID); r.Error != nil {
			if errors.Is(r.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: auction %s", ErrNotFound, auctionID)
			}
			return fmt.Errorf("[%s] Fail to find auction, err=%w", op, r.Error)
		}
		return fmt.Errorf("%w: cannot cancel auction in status %s", ErrInvalidState, auction.Status)
	}

	for _, kind := range []JobKind{JobActivate, JobEnd} {
		if err := s.scheduler.Cancel(lockCtx, JobID(kind, auctionID)); err != nil {
			s.logger.Warn("Fail to cancel scheduled job", slog.String("op", op), slog.Any("error", err))
		}
	}
	if err := s.cache.Clear(lockCtx, auctionID); err != nil {
		s.logger.Warn("Fail to clear bid cache", slog.String("op", op), slog.Any("error", err))
	}

	s.logger.Info("Auction cancelled", slog.String("auctionID", auctionID.String()))
	return nil
}

// HandleJob 是排程器觸發轉換時的進入點
// 守衛條件不成立的觸發(例如拍賣已被取消)會被當作no-op吞掉，不回報錯誤。
func (s *LifecycleService) HandleJob(ctx context.Context, job Job) error {
	switch job.Kind {
	case JobActivate:
		err := s.ActivateAuction(ctx, job.AuctionID)
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("Scheduled activation for missing auction", slog.String("jobID", job.ID))
			return nil
		}
		return err
	case JobEnd:
		_, err := s.EndAuction(ctx, job.AuctionID)
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("Scheduled ending for missing auction", slog.String("jobID", job.ID))
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown job kind: %s", job.Kind)
	}
}

// RecoverSchedules 從持久化資料重新推導排程狀態
// 啟動時與定期執行: 已到期的轉換立刻補執行，未到期的重新排入排程器
// (相同工作ID重複排程只會更新觸發時間)。這讓轉換不依賴行程內計時器。
func (s *LifecycleService) RecoverSchedules(ctx context.Context) error {
	const op = "RecoverSchedules"
	now := s.now()

	// pending且已到開賣時間的拍賣
	var toActivate []models.Auction
	if result := s.db.WithContext(ctx).
		Where("status = ? AND go_live_at <= ?", models.AuctionPending, now).
		Find(&toActivate); result.Error != nil {
		return fmt.Errorf("[%s] Fail to list overdue activations, err=%w", op, result.Error)
	}
	for _, auction := range toActivate {
		if err := s.ActivateAuction(ctx, auction.ID); err != nil {
			s.logger.Error("Recovery activation failed",
				slog.String("auctionID", auction.ID.String()), slog.Any("error", err))
		}
	}

	// active且已到結束時間的拍賣
	var toEnd []models.Auction
	if result := s.db.WithContext(ctx).
		Where("status = ? AND end_at <= ?", models.AuctionActive, now).
		Find(&toEnd); result.Error != nil {
		return fmt.Errorf("[%s] Fail to list overdue endings, err=%w", op, result.Error)
	}
	for _, auction := range toEnd {
		if _, err := s.EndAuction(ctx, auction.ID); err != nil {
			s.logger.Error("Recovery ending failed",
				slog.String("auctionID", auction.ID.String()), slog.Any("error", err))
		}
	}

	// 未到期的轉換重新排入排程器，補回可能遺失的工作
	var upcoming []models.Auction
	if result := s.db.WithContext(ctx).
		Where("status IN ? AND end_at > ?", []models.AuctionStatus{models.AuctionPending, models.AuctionActive}, now).
		Find(&upcoming); result.Error != nil {
		return fmt.Errorf("[%s] Fail to list upcoming transitions, err=%w", op, result.Error)
	}
	for _, auction := range upcoming {
		if auction.Status == models.AuctionPending && auction.GoLiveAt.After(now) {
			if err := s.scheduler.ScheduleAt(ctx, auction.GoLiveAt, Job{
				ID:        JobID(JobActivate, auction.ID),
				Kind:      JobActivate,
				AuctionID: auction.ID,
			}); err != nil {
				s.logger.Error("Fail to reschedule activation",
					slog.String("auctionID", auction.ID.String()), slog.Any("error", err))
			}
		}
		if err := s.scheduler.ScheduleAt(ctx, auction.EndAt, Job{
			ID:        JobID(JobEnd, auction.ID),
			Kind:      JobEnd,
			AuctionID: auction.ID,
		}); err != nil {
			s.logger.Error("Fail to reschedule ending",
				slog.String("auctionID", auction.ID.String()), slog.Any("error", err))
		}
	}
	return nil
}

// ActiveAuctions 列出目前可出價的拍賣
func (s *LifecycleService) ActiveAuctions(ctx context.Context) ([]models.Auction, error) {
	const op = "ActiveAuctions"
	var auctions []models.Auction
	if result := s.db.WithContext(ctx).Preload("Seller").
		Where("status = ? AND end_at > ?", models.AuctionActive, s.now()).
		Order("go_live_at ASC").
		Find(&auctions); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to list active auctions, err=%w", op, result.Error)
	}
	return auctions, nil
}

// UserAuctions 列出某個賣家的所有拍賣
func (s *LifecycleService) UserAuctions(ctx context.Context, sellerID uuid.UUID) ([]models.Auction, error) {
	const op = "UserAuctions"
	var auctions []models.Auction
	if result := s.db.WithContext(ctx).Preload("Winner").
		Where("seller_id = ?", sellerID).
		Order("created_at DESC").
		Find(&auctions); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to list user auctions, err=%w", op, result.Error)
	}
	return auctions, nil
}

func (s *LifecycleService) emitEndEvents(auction *models.Auction, winning *models.Bid) {
	snapshot := SnapshotAuction(auction)
	var bidSnapshot *BidSnapshot
	if winning != nil {
		bidderName := ""
		if winning.Bidder != nil {
			bidderName = winning.Bidder.Username
		}
		bidSnapshot = SnapshotBid(winning, bidderName)
	}

	if err := s.emitter.Publish(Event{
		Type:      EventAuctionEnded,
		AuctionID: auction.ID,
		Auction:   snapshot,
		Bid:       bidSnapshot,
		CreatedAt: s.now(),
	}); err != nil {
		s.logger.Warn("Fail to publish auction_ended event", slog.Any("error", err))
	}

	if winning != nil {
		recipient := winning.BidderID
		if err := s.emitter.Publish(Event{
			Type:      EventAuctionWon,
			AuctionID: auction.ID,
			Recipient: &recipient,
			Auction:   snapshot,
			Bid:       bidSnapshot,
			Message:   fmt.Sprintf("Congratulations! You won %q with a bid of %s", auction.Title, winning.Amount.String()),
			CreatedAt: s.now(),
		}); err != nil {
			s.logger.Warn("Fail to publish auction_won event", slog.Any("error", err))
		}
	}
}
