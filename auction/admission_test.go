package auction_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"gavel/auction"
	"gavel/models"
)

type admissionFixture struct {
	db      *gorm.DB
	cache   *fakeCache
	emitter *fakeEmitter
	clock   *fixedClock
	service *auction.AdmissionService

	seller *models.User
	item   *models.Auction
}

func setupAdmission(t *testing.T) *admissionFixture {
	db := setupDB(t)
	cache := newFakeCache()
	emitter := &fakeEmitter{}
	clock := &fixedClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	factory := newFakeMutexFactory()

	service := auction.NewAdmissionService(db, cache, emitter, factory.New,
		auction.WithAdmissionClock(clock.Now))

	seller := createUser(t, db, "seller")
	item := &models.Auction{
		SellerID:          seller.ID,
		Title:             "Vintage Camera",
		Description:       "A camera",
		StartingPrice:     decimal.NewFromInt(1000),
		BidIncrement:      decimal.NewFromInt(50),
		CurrentHighestBid: decimal.NewFromInt(1000),
		GoLiveAt:          clock.Now().Add(-time.Hour),
		Duration:          120,
		EndAt:             clock.Now().Add(time.Hour),
		Status:            models.AuctionActive,
		SellerDecision:    models.DecisionPending,
	}
	require.NoError(t, db.Create(item).Error)
	require.NoError(t, cache.Prime(context.Background(), item.ID, item.StartingPrice, ""))

	return &admissionFixture{
		db:      db,
		cache:   cache,
		emitter: emitter,
		clock:   clock,
		service: service,
		seller:  seller,
		item:    item,
	}
}

func TestPlaceBidPreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("拍賣不存在時應返回not found", func(t *testing.T) {
		f := setupAdmission(t)
		bidder := createUser(t, f.db, "bidder")
		_, err := f.service.PlaceBid(ctx, uuid.New(), bidder.ID, decimal.NewFromInt(1050))
		assert.ErrorIs(t, err, auction.ErrNotFound)
	})

	t.Run("pending狀態的拍賣不能出價", func(t *testing.T) {
		f := setupAdmission(t)
		bidder := createUser(t, f.db, "bidder")
		require.NoError(t, f.db.Model(f.item).Update("status", models.AuctionPending).Error)
		_, err := f.service.PlaceBid(ctx, f.item.ID, bidder.ID, decimal.NewFromInt(1050))
		assert.ErrorIs(t, err, auction.ErrInvalidState)
	})

	t.Run("截止時間過了就不能出價，即使結束排程還沒觸發", func(t *testing.T) {
		f := setupAdmission(t)
		bidder := createUser(t, f.db, "bidder")
		// 狀態還是active，但牆上時鐘已過endAt
		f.clock.Advance(2 * time.Hour)
		_, err := f.service.PlaceBid(ctx, f.item.ID, bidder.ID, decimal.NewFromInt(1050))
		assert.ErrorIs(t, err, auction.ErrInvalidState)
	})

	t.Run("賣家不能對自己的拍賣出價", func(t *testing.T) {
		f := setupAdmission(t)
		_, err := f.service.PlaceBid(ctx, f.item.ID, f.seller.ID, decimal.NewFromInt(1050))
		assert.ErrorIs(t, err, auction.ErrForbidden)
	})

	t.Run("出價金額必須為正數", func(t *testing.T) {
		f := setupAdmission(t)
		bidder := createUser(t, f.db, "bidder")
		_, err := f.service.PlaceBid(ctx, f.item.ID, bidder.ID, decimal.Zero)
		assert.ErrorIs(t, err, auction.ErrInvalidArgument)
	})
}

func TestPlaceBidAccepted(t *testing.T) {
	ctx := context.Background()
	f := setupAdmission(t)
	bidder := createUser(t, f.db, "bidder")

	placed, err := f.service.PlaceBid(ctx, f.item.ID, bidder.ID, decimal.NewFromInt(1050))
	require.NoError(t, err)
	assert.True(t, placed.Bid.IsWinning)
	assert.Equal(t, "1050", placed.Auction.CurrentHighestBid.String())

	// 帳本應有一筆isWinning=true的出價
	var winning models.Bid
	require.NoError(t, f.db.Where("auction_id = ? AND is_winning = ?", f.item.ID, true).First(&winning).Error)
	assert.Equal(t, bidder.ID, winning.BidderID)

	// 拍賣的最高出價應被更新
	var item models.Auction
	require.NoError(t, f.db.First(&item, "id = ?", f.item.ID).Error)
	assert.Equal(t, "1050", item.CurrentHighestBid.String())

	// 應發出bid_accepted事件
	accepted := f.emitter.byType(auction.EventBidAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, f.item.ID, accepted[0].AuctionID)
	assert.Equal(t, "1050", accepted[0].Bid.Amount.String())
}

func TestPlaceBidRejectedBelowMinimum(t *testing.T) {
	ctx := context.Background()
	f := setupAdmission(t)
	bidder := createUser(t, f.db, "bidder")

	// 低於起標價+最低加價
	_, err := f.service.PlaceBid(ctx, f.item.ID, bidder.ID, decimal.NewFromInt(1020))
	invalid, ok := auction.AsInvalidBid(err)
	require.True(t, ok)
	assert.Equal(t, "1050", invalid.Minimum.String())

	// 等於目前領先金額也一樣被拒絕
	_, err = f.service.PlaceBid(ctx, f.item.ID, bidder.ID, decimal.NewFromInt(1000))
	invalid, ok = auction.AsInvalidBid(err)
	require.True(t, ok)
	assert.Equal(t, "1050", invalid.Minimum.String())

	// 被拒絕的出價不應寫入帳本
	var count int64
	require.NoError(t, f.db.Model(&models.Bid{}).Where("auction_id = ?", f.item.ID).Count(&count).Error)
	assert.Zero(t, count)
}

// 兩筆同額出價只有先到的成功，輸家拿到以新領先金額計算的最低金額，
// 且帳本上任何時間點只有一筆isWinning=true。
func TestPlaceBidCompetingEqualBids(t *testing.T) {
	ctx := context.Background()
	f := setupAdmission(t)
	bidderA := createUser(t, f.db, "bidder-a")
	bidderB := createUser(t, f.db, "bidder-b")

	placed, err := f.service.PlaceBid(ctx, f.item.ID, bidderA.ID, decimal.NewFromInt(1050))
	require.NoError(t, err)
	assert.Equal(t, bidderA.ID, placed.Bid.BidderID)

	_, err = f.service.PlaceBid(ctx, f.item.ID, bidderB.ID, decimal.NewFromInt(1050))
	invalid, ok := auction.AsInvalidBid(err)
	require.True(t, ok)
	assert.Equal(t, "1100", invalid.Minimum.String())

	var winningCount int64
	require.NoError(t, f.db.Model(&models.Bid{}).Where("auction_id = ? AND is_winning = ?", f.item.ID, true).Count(&winningCount).Error)
	assert.EqualValues(t, 1, winningCount)
}

// 新的領先出價會翻轉前一筆，並對先前的出價者發出outbid事件
func TestPlaceBidSupersedesPreviousWinner(t *testing.T) {
	ctx := context.Background()
	f := setupAdmission(t)
	bidderA := createUser(t, f.db, "bidder-a")
	bidderB := createUser(t, f.db, "bidder-b")

	_, err := f.service.PlaceBid(ctx, f.item.ID, bidderA.ID, decimal.NewFromInt(1050))
	require.NoError(t, err)
	placed, err := f.service.PlaceBid(ctx, f.item.ID, bidderB.ID, decimal.NewFromInt(1100))
	require.NoError(t, err)

	var winning models.Bid
	require.NoError(t, f.db.Where("auction_id = ? AND is_winning = ?", f.item.ID, true).First(&winning).Error)
	assert.Equal(t, placed.Bid.ID, winning.ID)
	assert.Equal(t, bidderB.ID, winning.BidderID)

	outbid := f.emitter.byType(auction.EventOutbid)
	require.Len(t, outbid, 1)
	require.NotNil(t, outbid[0].Recipient)
	assert.Equal(t, bidderA.ID, *outbid[0].Recipient)
}

// 快取遺失時從帳本重建後重試，帳本是事實來源
func TestPlaceBidRepairsMissingCache(t *testing.T) {
	ctx := context.Background()
	f := setupAdmission(t)
	bidderA := createUser(t, f.db, "bidder-a")
	bidderB := createUser(t, f.db, "bidder-b")

	_, err := f.service.PlaceBid(ctx, f.item.ID, bidderA.ID, decimal.NewFromInt(1050))
	require.NoError(t, err)

	// 模擬快取過期
	f.cache.drop(f.item.ID)

	// 重建後的領先金額來自帳本的1050，低於1100的出價應被拒絕
	_, err = f.service.PlaceBid(ctx, f.item.ID, bidderB.ID, decimal.NewFromInt(1080))
	invalid, ok := auction.AsInvalidBid(err)
	require.True(t, ok)
	assert.Equal(t, "1100", invalid.Minimum.String())

	// 合格的出價在重建後應成功
	placed, err := f.service.PlaceBid(ctx, f.item.ID, bidderB.ID, decimal.NewFromInt(1100))
	require.NoError(t, err)
	assert.Equal(t, "1100", placed.Bid.Amount.String())
}

// gatedCache 在第一次compare-and-set時暫停，讓測試控制交錯順序
type gatedCache struct {
	*fakeCache
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedCache) CompareAndSwap(ctx context.Context, auctionID, bidderID uuid.UUID, amount, increment decimal.Decimal) (auction.CacheResult, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.fakeCache.CompareAndSwap(ctx, auctionID, bidderID, amount, increment)
}

// 截止瞬間通過準入的出價與結束轉換競爭時，結束轉換必須等帳本寫入
// 落地才計算得標者: 出價成功就一定被記為得標者，不會有帳本上有
// isWinning=true但拍賣記錄沒有得標者的狀態。
func TestEndAuctionWaitsForInFlightBid(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	cache := &gatedCache{
		fakeCache: newFakeCache(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	emitter := &fakeEmitter{}
	clock := &fixedClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	factory := newFakeMutexFactory()
	admission := auction.NewAdmissionService(db, cache, emitter, factory.New,
		auction.WithAdmissionClock(clock.Now))
	lifecycle := auction.NewLifecycleService(db, cache, emitter, newFakeScheduler(), factory.New,
		auction.WithLifecycleClock(clock.Now))

	seller := createUser(t, db, "seller")
	bidder := createUser(t, db, "bidder")
	item := &models.Auction{
		SellerID:          seller.ID,
		Title:             "Vintage Camera",
		StartingPrice:     decimal.NewFromInt(1000),
		BidIncrement:      decimal.NewFromInt(50),
		CurrentHighestBid: decimal.NewFromInt(1000),
		GoLiveAt:          clock.Now().Add(-time.Hour),
		Duration:          60,
		EndAt:             clock.Now(), // 正好在截止瞬間
		Status:            models.AuctionActive,
		SellerDecision:    models.DecisionPending,
	}
	require.NoError(t, db.Create(item).Error)
	require.NoError(t, cache.Prime(ctx, item.ID, item.StartingPrice, ""))

	bidErr := make(chan error, 1)
	go func() {
		_, err := admission.PlaceBid(ctx, item.ID, bidder.ID, decimal.NewFromInt(1050))
		bidErr <- err
	}()

	// 出價已通過準入並持有拍賣鎖，結束轉換在鎖上等待
	<-cache.entered
	type endOutcome struct {
		result *auction.EndResult
		err    error
	}
	endDone := make(chan endOutcome, 1)
	go func() {
		result, err := lifecycle.EndAuction(ctx, item.ID)
		endDone <- endOutcome{result: result, err: err}
	}()
	close(cache.release)

	require.NoError(t, <-bidErr)
	outcome := <-endDone
	require.NoError(t, outcome.err)
	endResult := outcome.result
	require.NotNil(t, endResult.WinningBid)
	assert.Equal(t, bidder.ID, endResult.WinningBid.BidderID)

	var final models.Auction
	require.NoError(t, db.First(&final, "id = ?", item.ID).Error)
	assert.Equal(t, models.AuctionEnded, final.Status)
	require.NotNil(t, final.WinnerID)
	assert.Equal(t, bidder.ID, *final.WinnerID)
	require.NotNil(t, final.FinalPrice)
	assert.Equal(t, "1050", final.FinalPrice.String())
}

// lockHookMutex 在第一次取得鎖時執行hook，模擬搶先一步落地的轉換
type lockHookMutex struct {
	auction.Mutex
	hook func()
	once *sync.Once
}

func (m *lockHookMutex) Lock(ctx context.Context) (context.Context, error) {
	lockCtx, err := m.Mutex.Lock(ctx)
	if err != nil {
		return lockCtx, err
	}
	m.once.Do(m.hook)
	return lockCtx, nil
}

// 取消在前置檢查之後、拿到鎖之前落地(並清除快取)時，出價必須在鎖內
// 的狀態重查被拒絕，而不是經由快取修復把出價放進已取消的拍賣。
func TestPlaceBidRejectedAfterConcurrentCancel(t *testing.T) {
	ctx := context.Background()
	f := setupAdmission(t)
	bidder := createUser(t, f.db, "bidder")

	var once sync.Once
	factory := newFakeMutexFactory()
	hooked := func(auctionID uuid.UUID) auction.Mutex {
		return &lockHookMutex{
			Mutex: factory.New(auctionID),
			once:  &once,
			hook: func() {
				require.NoError(t, f.db.Model(&models.Auction{}).
					Where("id = ?", f.item.ID).
					Update("status", models.AuctionCancelled).Error)
				f.cache.drop(f.item.ID)
			},
		}
	}
	service := auction.NewAdmissionService(f.db, f.cache, f.emitter, hooked,
		auction.WithAdmissionClock(f.clock.Now))

	_, err := service.PlaceBid(ctx, f.item.ID, bidder.ID, decimal.NewFromInt(1050))
	assert.ErrorIs(t, err, auction.ErrInvalidState)

	var count int64
	require.NoError(t, f.db.Model(&models.Bid{}).Where("auction_id = ?", f.item.ID).Count(&count).Error)
	assert.Zero(t, count)
}

// 兩筆同額出價同時進來時，恰好一筆成功，另一筆拿到以新領先金額
// 計算的最低金額
func TestPlaceBidConcurrentEqualBids(t *testing.T) {
	ctx := context.Background()
	f := setupAdmission(t)
	bidderA := createUser(t, f.db, "bidder-a")
	bidderB := createUser(t, f.db, "bidder-b")

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, bidder := range []*models.User{bidderA, bidderB} {
		wg.Add(1)
		go func(bidderID uuid.UUID) {
			defer wg.Done()
			_, err := f.service.PlaceBid(ctx, f.item.ID, bidderID, decimal.NewFromInt(1050))
			errs <- err
		}(bidder.ID)
	}
	wg.Wait()
	close(errs)

	var accepted, rejected int
	for err := range errs {
		if err == nil {
			accepted++
			continue
		}
		invalid, ok := auction.AsInvalidBid(err)
		require.True(t, ok)
		assert.Equal(t, "1100", invalid.Minimum.String())
		rejected++
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, rejected)

	var winningCount int64
	require.NoError(t, f.db.Model(&models.Bid{}).Where("auction_id = ? AND is_winning = ?", f.item.ID, true).Count(&winningCount).Error)
	assert.EqualValues(t, 1, winningCount)
}

func TestCurrentLeader(t *testing.T) {
	ctx := context.Background()
	f := setupAdmission(t)
	bidder := createUser(t, f.db, "bidder")

	// 還沒有出價時領先金額是起標價
	f.cache.drop(f.item.ID)
	leader, err := f.service.CurrentLeader(ctx, f.item.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000", leader.Amount.String())
	assert.Empty(t, leader.BidderID)

	require.NoError(t, f.cache.Prime(ctx, f.item.ID, f.item.StartingPrice, ""))
	_, err = f.service.PlaceBid(ctx, f.item.ID, bidder.ID, decimal.NewFromInt(1050))
	require.NoError(t, err)

	// 快取命中
	leader, err = f.service.CurrentLeader(ctx, f.item.ID)
	require.NoError(t, err)
	assert.Equal(t, "1050", leader.Amount.String())

	// 快取遺失時退回帳本
	f.cache.drop(f.item.ID)
	leader, err = f.service.CurrentLeader(ctx, f.item.ID)
	require.NoError(t, err)
	assert.Equal(t, "1050", leader.Amount.String())
	assert.Equal(t, bidder.ID.String(), leader.BidderID)

	_, err = f.service.CurrentLeader(ctx, uuid.New())
	assert.ErrorIs(t, err, auction.ErrNotFound)
}
