package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	redisAdapter "gavel/adapters/redis"
	internalS3 "gavel/adapters/s3"
	"gavel/adapters/scheduler"
	"gavel/adapters/sse"
	"gavel/auction"
	"gavel/models"
	"gavel/notify"
)

type ServerImpl struct {
	db          *gorm.DB
	redisClient *redis.Client
	s3Operator  *internalS3.S3Operator
	htmlChecker *bluemonday.Policy

	producer     *redisAdapter.Producer[auction.Event]
	consumer     redisAdapter.IConsumer[sse.PublishRequest[auction.Event]]
	sseManager   sse.IConnectionManager[auction.Event]
	scheduler    *scheduler.Scheduler
	notifyWorker *notify.Worker

	admission   *auction.AdmissionService
	lifecycle   *auction.LifecycleService
	negotiation *auction.NegotiationService

	wg         sync.WaitGroup
	cancelFunc context.CancelFunc

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"
	impl := &ServerImpl{
		htmlChecker: bluemonday.UGCPolicy(),
		config:      config,
	}

	// 初始化S3客戶端
	s3Cfg, err := awsCfg.LoadDefaultConfig(
		context.Background(),
		awsCfg.WithBaseEndpoint(config.S3.Endpoint),
		awsCfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.S3.AccessKeyID, config.S3.SecretAccessKey, "")),
		awsCfg.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to load AWS config, err=%w", op, err)
	}
	impl.s3Operator, err = internalS3.NewS3Operator(s3.NewFromConfig(s3Cfg), config.S3.Bucket, config.S3.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create S3 operator, err=%w", op, err)
	}

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	impl.db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.DB.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}

	// 初始化Redis連線
	impl.redisClient = redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	// 初始化最高出價快取
	bidCache, err := redisAdapter.NewBidCache(
		impl.redisClient,
		redisAdapter.WithBidCachePrefix(config.Redis.KeyPrefix),
		redisAdapter.WithBidCacheTTL(config.Redis.ExpireTime),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create bid cache, err=%w", op, err)
	}

	// 初始化領域事件的producer
	impl.producer, err = redisAdapter.NewProducer[auction.Event](
		impl.redisClient,
		config.Redis.StreamKeys.Events,
		redisAdapter.WithProducerLogger[auction.Event](slog.Default()),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create event producer, err=%w", op, err)
	}

	// 初始化SSE管理器
	// consumer把事件stream的每一筆事件轉成以拍賣ID為頻道的廣播
	impl.consumer, err = redisAdapter.NewConsumer(
		impl.redisClient,
		config.Redis.StreamKeys.Events,
		redisAdapter.WithConsumerParseFunc(func(m map[string]any) (sse.PublishRequest[auction.Event], error) {
			event, err := redisAdapter.DefaultParseFromMessage[auction.Event](m)
			if err != nil {
				return sse.PublishRequest[auction.Event]{}, fmt.Errorf("fail to parse message to auction event, err=%w", err)
			}
			return sse.PublishRequest[auction.Event]{
				Channel: event.AuctionID.String(),
				Message: event,
			}, nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create consumer, err=%w", op, err)
	}
	impl.sseManager, err = sse.NewConnectionManager[auction.Event](
		sse.WithLogger[auction.Event](slog.Default()),
		sse.WithSubscriber(impl.consumer),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create sse connection manager, err=%w", op, err)
	}

	// 初始化排程器
	// handler延遲解參考，讓排程器可以在lifecycle service之前建立
	impl.scheduler, err = scheduler.New(
		impl.redisClient,
		func(ctx context.Context, job auction.Job) error {
			return impl.lifecycle.HandleJob(ctx, job)
		},
		scheduler.WithLogger(slog.Default()),
		scheduler.WithPrefix(config.Redis.KeyPrefix),
		scheduler.WithPollInterval(config.Scheduler.PollInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create scheduler, err=%w", op, err)
	}

	// 初始化核心服務
	newLock := func(auctionID uuid.UUID) auction.Mutex {
		lockKey := fmt.Sprintf("%sauction:%s:lock", config.Redis.KeyPrefix, auctionID)
		return redisAdapter.NewAutoRenewMutex(impl.redisClient, lockKey)
	}
	impl.admission = auction.NewAdmissionService(impl.db, bidCache, impl.producer, newLock)
	impl.lifecycle = auction.NewLifecycleService(impl.db, bidCache, impl.producer, impl.scheduler, newLock)
	impl.negotiation = auction.NewNegotiationService(impl.db, impl.producer)

	// 初始化通知worker
	groupConsumer, err := redisAdapter.NewGroupConsumer[auction.Event](
		impl.redisClient,
		config.Redis.StreamKeys.Events,
		config.Redis.ConsumerGroup,
		config.ID,
		redisAdapter.WithGroupConsumerLogger[auction.Event](slog.Default()),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create group consumer, err=%w", op, err)
	}
	impl.notifyWorker = notify.NewWorker(groupConsumer, notify.NewLogMailer(slog.Default()))

	return impl, nil
}

func (impl *ServerImpl) Start() error {
	const op = "Start"
	// 啟動事件producer與SSE廣播
	impl.producer.Start()
	impl.consumer.Start()
	impl.sseManager.Start()
	// 啟動通知worker
	if err := impl.notifyWorker.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start notify worker, err=%w", op, err)
	}
	// 啟動排程器
	impl.scheduler.Start()

	// 從資料庫重建排程，之後定期sweep補漏
	ctx, cancel := context.WithCancel(context.Background())
	impl.cancelFunc = cancel
	if err := impl.lifecycle.RecoverSchedules(ctx); err != nil {
		slog.Error("Fail to recover schedules", slog.Any("error", err))
	}
	impl.wg.Add(1)
	go func() {
		defer impl.wg.Done()
		ticker := time.NewTicker(impl.config.Scheduler.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := impl.lifecycle.RecoverSchedules(ctx); err != nil {
					slog.Error("Fail to recover schedules", slog.Any("error", err))
				}
			}
		}
	}()
	return nil
}

func (impl *ServerImpl) Close() {
	// 停止sweep
	if impl.cancelFunc != nil {
		impl.cancelFunc()
	}
	impl.wg.Wait()
	// 關閉排程器
	impl.scheduler.Close()
	// 關閉通知worker
	if err := impl.notifyWorker.Close(); err != nil {
		slog.Error("Fail to close notify worker", slog.Any("error", err))
	}
	// 關閉consumer，再等SSE管理器把剩餘事件廣播完
	impl.consumer.Close()
	impl.sseManager.Done()
	// 關閉producer
	impl.producer.Close()
	impl.redisClient.Close()
}

// RegisterRoutes 註冊所有API路由
func (impl *ServerImpl) RegisterRoutes(router *gin.Engine) {
	items := router.Group("/auction/items")
	{
		items.GET("", impl.ListAuctions)
		items.POST("", impl.AuthRequired(), impl.CreateAuction)
		items.GET("/mine", impl.AuthRequired(), impl.MyAuctions)
		items.GET("/:itemID", impl.GetAuction)
		items.GET("/:itemID/bids", impl.ListBids)
		items.POST("/:itemID/bids", impl.AuthRequired(), impl.PlaceBid)
		items.GET("/:itemID/highest", impl.GetHighestBid)
		items.GET("/:itemID/events", impl.StreamEvents)
		items.POST("/:itemID/decision", impl.AuthRequired(), impl.SellerDecision)
	}
	router.POST("/counter-offers/:offerID/respond", impl.AuthRequired(), impl.RespondCounterOffer)
	router.POST("/images", impl.AuthRequired(), impl.UploadImage)

	admin := router.Group("/admin", impl.AuthRequired(), impl.AdminRequired())
	{
		admin.POST("/auction/items/:itemID/start", impl.AdminStartAuction)
		admin.POST("/auction/items/:itemID/end", impl.AdminEndAuction)
		admin.POST("/auction/items/:itemID/cancel", impl.AdminCancelAuction)
		admin.GET("/stats", impl.AdminStats)
	}
}

// respondError 將核心的錯誤轉成HTTP回應
func respondError(c *gin.Context, op string, err error) {
	if invalid, ok := auction.AsInvalidBid(err); ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"message":    invalid.Error(),
			"minimumBid": invalid.Minimum,
		})
		return
	}
	switch {
	case errors.Is(err, auction.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
	case errors.Is(err, auction.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"message": err.Error()})
	case errors.Is(err, auction.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
	case errors.Is(err, auction.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
	default:
		slog.Error("Unhandled error", slog.String("op", op), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "internal error"})
	}
}

type createAuctionRequest struct {
	Title         string          `json:"title" binding:"required"`
	Description   string          `json:"description"`
	ImageURL      string          `json:"imageUrl"`
	StartingPrice decimal.Decimal `json:"startingPrice"`
	BidIncrement  decimal.Decimal `json:"bidIncrement"`
	GoLiveAt      time.Time       `json:"goLiveAt" binding:"required"`
	Duration      int             `json:"duration" binding:"required"`
}

// Add a new auction item
// (POST /auction/items)
func (impl *ServerImpl) CreateAuction(c *gin.Context) {
	const op = "CreateAuction"
	var req createAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	created, err := impl.lifecycle.CreateAuction(c.Request.Context(), auction.CreateAuctionInput{
		SellerID:      callerID(c),
		Title:         req.Title,
		Description:   impl.htmlChecker.Sanitize(req.Description),
		ImageURL:      req.ImageURL,
		StartingPrice: req.StartingPrice,
		BidIncrement:  req.BidIncrement,
		GoLiveAt:      req.GoLiveAt,
		Duration:      req.Duration,
	})
	if err != nil {
		respondError(c, op, err)
		return
	}
	c.Header("Location", created.ID.String())
	c.JSON(http.StatusCreated, auctionView(created))
}

// List auction items
// (GET /auction/items)
func (impl *ServerImpl) ListAuctions(c *gin.Context) {
	const op = "ListAuctions"
	query := impl.db.WithContext(c.Request.Context()).Model(&models.Auction{})
	//  - title
	if title := c.Query("title"); title != "" {
		query = query.Where("title LIKE ?", "%"+title+"%")
	}
	//  - status
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	//  - excludeEnded
	if c.Query("excludeEnded") == "true" {
		query = query.Where("end_at > ?", time.Now())
	}
	//  - sort
	sortKey, desc := "end_at", false
	switch c.DefaultQuery("sort", "endAt") {
	case "title":
		sortKey = "title"
	case "goLiveAt":
		sortKey = "go_live_at"
	case "endAt":
		sortKey = "end_at"
	case "currentBid":
		sortKey = "current_highest_bid"
	default:
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid sort key"})
		return
	}
	desc = c.Query("order") == "desc"
	query = query.Order(clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: sortKey}, Desc: desc},
		{Column: clause.Column{Name: "id"}, Desc: false},
	}})
	//  - cursor
	if lastItemID := c.Query("lastItemID"); lastItemID != "" {
		var cursor string
		if result := impl.db.Model(&models.Auction{}).Select(sortKey).Where("id = ?", lastItemID).First(&cursor); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusBadRequest, gin.H{"message": "Last item not found"})
				return
			}
			respondError(c, op, result.Error)
			return
		}
		if desc {
			query = query.Where(sortKey+" < ?", cursor)
		} else {
			query = query.Where(sortKey+" > ?", cursor)
		}
		query = query.Or(sortKey+" = ? AND id > ?", cursor, lastItemID)
	}
	//  - size
	size := 20
	if s, err := fmt.Sscanf(c.DefaultQuery("size", "20"), "%d", &size); s != 1 || err != nil || size < 1 || size > 100 {
		size = 20
	}
	query = query.Limit(size)

	var auctions []models.Auction
	if result := query.Find(&auctions); result.Error != nil {
		respondError(c, op, fmt.Errorf("[%s] Fail to list auction items, err=%w", op, result.Error))
		return
	}
	output := lo.Map(auctions, func(item models.Auction, _ int) gin.H {
		return auctionView(&item)
	})
	c.JSON(http.StatusOK, gin.H{
		"count": len(output),
		"items": output,
	})
}

// List caller's auction items
// (GET /auction/items/mine)
func (impl *ServerImpl) MyAuctions(c *gin.Context) {
	const op = "MyAuctions"
	auctions, err := impl.lifecycle.UserAuctions(c.Request.Context(), callerID(c))
	if err != nil {
		respondError(c, op, err)
		return
	}
	output := lo.Map(auctions, func(item models.Auction, _ int) gin.H {
		return auctionView(&item)
	})
	c.JSON(http.StatusOK, gin.H{
		"count": len(output),
		"items": output,
	})
}

// Get auction item details
// (GET /auction/items/{itemID})
func (impl *ServerImpl) GetAuction(c *gin.Context) {
	const op = "GetAuction"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid item ID"})
		return
	}
	var item models.Auction
	result := impl.db.WithContext(c.Request.Context()).
		Preload("BidRecords", func(db *gorm.DB) *gorm.DB {
			return db.Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true})
		}).
		Preload("BidRecords.Bidder").
		Preload("Seller").
		Preload("Winner").
		First(&item, "id = ?", itemID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"message": "Auction not found"})
			return
		}
		respondError(c, op, fmt.Errorf("[%s] Fail to find auction item, err=%w", op, result.Error))
		return
	}
	bidRecords := lo.Map(item.BidRecords, func(bid models.Bid, _ int) gin.H {
		return bidView(&bid)
	})
	view := auctionView(&item)
	view["description"] = item.Description
	view["imageUrl"] = item.ImageURL
	view["bidRecords"] = bidRecords
	if item.Seller != nil {
		view["sellerName"] = item.Seller.Username
	}
	if item.Winner != nil {
		view["winnerName"] = item.Winner.Username
	}
	c.JSON(http.StatusOK, view)
}

type placeBidRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

// Place a bid on an auction item
// (POST /auction/items/{itemID}/bids)
func (impl *ServerImpl) PlaceBid(c *gin.Context) {
	const op = "PlaceBid"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid item ID"})
		return
	}
	var req placeBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	placed, err := impl.admission.PlaceBid(c.Request.Context(), itemID, callerID(c), req.Amount)
	if err != nil {
		respondError(c, op, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"bid":               bidView(&placed.Bid),
		"currentHighestBid": placed.Auction.CurrentHighestBid,
	})
}

// List bid records of an auction item
// (GET /auction/items/{itemID}/bids)
func (impl *ServerImpl) ListBids(c *gin.Context) {
	const op = "ListBids"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid item ID"})
		return
	}
	var bids []models.Bid
	result := impl.db.WithContext(c.Request.Context()).
		Preload("Bidder").
		Where("auction_id = ?", itemID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true}).
		Find(&bids)
	if result.Error != nil {
		respondError(c, op, fmt.Errorf("[%s] Fail to list bids, err=%w", op, result.Error))
		return
	}
	output := lo.Map(bids, func(bid models.Bid, _ int) gin.H {
		return bidView(&bid)
	})
	c.JSON(http.StatusOK, gin.H{
		"count": len(output),
		"items": output,
	})
}

// Get the current highest bid
// (GET /auction/items/{itemID}/highest)
// 先查快取，快取沒有就退回資料庫的帳本值。
func (impl *ServerImpl) GetHighestBid(c *gin.Context) {
	const op = "GetHighestBid"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid item ID"})
		return
	}
	leader, err := impl.admission.CurrentLeader(c.Request.Context(), itemID)
	if err != nil {
		respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"amount":   leader.Amount,
		"bidderId": leader.BidderID,
	})
}

// Track auction item events
// (GET /auction/items/{itemID}/events)
func (impl *ServerImpl) StreamEvents(c *gin.Context) {
	const op = "StreamEvents"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid item ID"})
		return
	}
	var item models.Auction
	if result := impl.db.First(&item, "id = ?", itemID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"message": "Auction not found"})
			return
		}
		respondError(c, op, fmt.Errorf("[%s] Fail to find auction item, err=%w", op, result.Error))
		return
	}
	// 開始前5分鐘開放連線，結束後拒絕
	now := time.Now()
	if now.Before(item.GoLiveAt.Add(-5 * time.Minute)) {
		c.JSON(http.StatusForbidden, gin.H{"message": "Auction has not started"})
		return
	}
	if item.Status == models.AuctionSold || item.Status == models.AuctionCancelled {
		c.JSON(http.StatusGone, gin.H{"message": "Auction has ended"})
		return
	}

	// SSE請求合法，開始初始化串流
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")
	ch, err := impl.sseManager.Subscribe(itemID.String())
	if err != nil {
		respondError(c, op, fmt.Errorf("[%s] Fail to subscribe to item events, err=%w", op, err))
		return
	}
	for {
		select {
		case <-w.CloseNotify():
			impl.sseManager.Unsubscribe(itemID.String(), ch)
			return
		case event := <-ch:
			c.SSEvent(string(event.Type), event)
			w.Flush()
		// 30秒沒有事件就發送一個空行，確保瀏覽器和proxy不會斷開連線
		case <-time.After(30 * time.Second):
			w.WriteString("\n\n")
			w.Flush()
		}
	}
}

type sellerDecisionRequest struct {
	Decision     string `json:"decision" binding:"required"`
	CounterOffer *struct {
		Amount  decimal.Decimal `json:"amount"`
		Message string          `json:"message"`
	} `json:"counterOffer"`
}

// Submit the seller's decision on the winning bid
// (POST /auction/items/{itemID}/decision)
func (impl *ServerImpl) SellerDecision(c *gin.Context) {
	const op = "SellerDecision"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid item ID"})
		return
	}
	var req sellerDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	var counterOffer *auction.CounterOfferInput
	if req.CounterOffer != nil {
		counterOffer = &auction.CounterOfferInput{
			Amount:  req.CounterOffer.Amount,
			Message: impl.htmlChecker.Sanitize(req.CounterOffer.Message),
		}
	}
	result, err := impl.negotiation.HandleSellerDecision(c.Request.Context(), itemID, callerID(c), auction.Decision(req.Decision), counterOffer)
	if err != nil {
		respondError(c, op, err)
		return
	}
	response := gin.H{"auction": auctionView(&result.Auction)}
	if result.CounterOffer != nil {
		response["counterOffer"] = counterOfferView(result.CounterOffer)
	}
	c.JSON(http.StatusOK, response)
}

type counterOfferResponseRequest struct {
	Response string `json:"response" binding:"required"`
}

// Respond to a counter-offer
// (POST /counter-offers/{offerID}/respond)
func (impl *ServerImpl) RespondCounterOffer(c *gin.Context) {
	const op = "RespondCounterOffer"
	offerID, err := uuid.Parse(c.Param("offerID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid offer ID"})
		return
	}
	var req counterOfferResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	offer, err := impl.negotiation.RespondToCounterOffer(c.Request.Context(), offerID, callerID(c), auction.CounterOfferResponse(req.Response))
	if err != nil {
		respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, counterOfferView(offer))
}

// Upload an image
// (POST /images)
func (impl *ServerImpl) UploadImage(c *gin.Context) {
	const op = "UploadImage"
	userID := callerID(c)
	// 檢查是否達到上傳限制
	var uploadedCount int64
	if result := impl.db.Model(&models.Image{}).Where("uploader_id = ? AND created_at > ?", userID, time.Now().Add(-1*time.Hour)).Count(&uploadedCount); result.Error != nil {
		respondError(c, op, fmt.Errorf("[%s] Fail to count uploaded images, err=%w", op, result.Error))
		return
	}
	if impl.config.S3.RateLimitPerHour > 0 && uploadedCount >= impl.config.S3.RateLimitPerHour {
		c.Status(http.StatusTooManyRequests)
		return
	}
	// 限制圖片
	// 	1. 小於5MB
	// 	2. MIME類型為不包含腳本的圖片檔案
	body := internalS3.NewMaxSizeReader(c.Request.Body, 5<<20)
	file, err := io.ReadAll(body)
	if errors.As(err, &internalS3.ErrReachLimitType) {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err != nil {
		respondError(c, op, fmt.Errorf("[%s] Fail to read image, err=%w", op, err))
		return
	}
	mimeType := http.DetectContentType(file)
	secure, ext := internalS3.CheckSecureImageAndGetExtension(mimeType)
	if !secure {
		c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("Invalid image type: %s", mimeType)})
		return
	}
	// 透過S3 API儲存圖片
	url, err := impl.s3Operator.UploadFileToS3(c.Request.Context(), uuid.New().String()+"."+ext, mimeType, file)
	if err != nil {
		respondError(c, op, fmt.Errorf("[%s] Fail to upload image, err=%w", op, err))
		return
	}
	// 在DB紀錄圖片的上傳紀錄
	image := models.Image{
		UploaderID: userID,
		Url:        url,
	}
	if result := impl.db.Create(&image); result.Error != nil {
		respondError(c, op, fmt.Errorf("[%s] Fail to create image, err=%w", op, result.Error))
		return
	}
	c.Header("Location", url)
	c.JSON(http.StatusCreated, gin.H{"url": url})
}

// Manually activate a pending auction
// (POST /admin/auction/items/{itemID}/start)
func (impl *ServerImpl) AdminStartAuction(c *gin.Context) {
	const op = "AdminStartAuction"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid item ID"})
		return
	}
	if err := impl.lifecycle.ActivateAuction(c.Request.Context(), itemID); err != nil {
		respondError(c, op, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Manually end an active auction
// (POST /admin/auction/items/{itemID}/end)
func (impl *ServerImpl) AdminEndAuction(c *gin.Context) {
	const op = "AdminEndAuction"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid item ID"})
		return
	}
	result, err := impl.lifecycle.EndAuction(c.Request.Context(), itemID)
	if err != nil {
		respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, auctionView(&result.Auction))
}

// Cancel an auction before it ends
// (POST /admin/auction/items/{itemID}/cancel)
func (impl *ServerImpl) AdminCancelAuction(c *gin.Context) {
	const op = "AdminCancelAuction"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid item ID"})
		return
	}
	if err := impl.lifecycle.CancelAuction(c.Request.Context(), itemID); err != nil {
		respondError(c, op, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Get aggregate system statistics
// (GET /admin/stats)
func (impl *ServerImpl) AdminStats(c *gin.Context) {
	const op = "AdminStats"
	type statusCount struct {
		Status models.AuctionStatus
		Count  int64
	}
	var counts []statusCount
	if result := impl.db.Model(&models.Auction{}).Select("status, count(*) as count").Group("status").Find(&counts); result.Error != nil {
		respondError(c, op, fmt.Errorf("[%s] Fail to count auctions, err=%w", op, result.Error))
		return
	}
	byStatus := gin.H{}
	for _, sc := range counts {
		byStatus[string(sc.Status)] = sc.Count
	}
	var bidCount int64
	if result := impl.db.Model(&models.Bid{}).Count(&bidCount); result.Error != nil {
		respondError(c, op, fmt.Errorf("[%s] Fail to count bids, err=%w", op, result.Error))
		return
	}
	var userCount int64
	if result := impl.db.Model(&models.User{}).Count(&userCount); result.Error != nil {
		respondError(c, op, fmt.Errorf("[%s] Fail to count users, err=%w", op, result.Error))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"auctionsByStatus": byStatus,
		"totalBids":        bidCount,
		"totalUsers":       userCount,
	})
}

func auctionView(a *models.Auction) gin.H {
	view := gin.H{
		"id":                a.ID,
		"title":             a.Title,
		"sellerId":          a.SellerID,
		"startingPrice":     a.StartingPrice,
		"bidIncrement":      a.BidIncrement,
		"currentHighestBid": a.CurrentHighestBid,
		"goLiveAt":          a.GoLiveAt,
		"endAt":             a.EndAt,
		"status":            a.Status,
		"sellerDecision":    a.SellerDecision,
	}
	if a.WinnerID != nil {
		view["winnerId"] = a.WinnerID
	}
	if a.FinalPrice != nil {
		view["finalPrice"] = a.FinalPrice
	}
	return view
}

func bidView(b *models.Bid) gin.H {
	view := gin.H{
		"id":        b.ID,
		"bidderId":  b.BidderID,
		"amount":    b.Amount,
		"isWinning": b.IsWinning,
		"createdAt": b.CreatedAt,
	}
	if b.Bidder != nil {
		view["bidderName"] = b.Bidder.Username
	}
	return view
}

func counterOfferView(o *models.CounterOffer) gin.H {
	return gin.H{
		"id":                 o.ID,
		"auctionId":          o.AuctionID,
		"sellerId":           o.SellerID,
		"buyerId":            o.BuyerID,
		"originalBid":        o.OriginalBid,
		"counterOfferAmount": o.CounterOfferAmount,
		"status":             o.Status,
		"message":            o.Message,
	}
}
