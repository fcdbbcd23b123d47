package auction_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gavel/auction"
	"gavel/models"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
}

func setupDB(t *testing.T) *gorm.DB {
	// 每個測試使用獨立的in-memory資料庫
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Discard,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Auction{},
		&models.Bid{},
		&models.CounterOffer{},
		&models.Image{},
	))
	return db
}

func createUser(t *testing.T, db *gorm.DB, username string) *models.User {
	user := models.User{Username: username, Email: username + "@example.com"}
	require.NoError(t, db.Create(&user).Error)
	return &user
}

// fakeCache 以記憶體map模擬Redis快取的compare-and-set語意
type fakeCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*auction.CacheLeader
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[uuid.UUID]*auction.CacheLeader)}
}

func (c *fakeCache) Prime(_ context.Context, auctionID uuid.UUID, amount decimal.Decimal, bidderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[auctionID] = &auction.CacheLeader{Amount: amount, BidderID: bidderID}
	return nil
}

func (c *fakeCache) CompareAndSwap(_ context.Context, auctionID, bidderID uuid.UUID, amount, increment decimal.Decimal) (auction.CacheResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[auctionID]
	if !ok {
		return auction.CacheResult{Verdict: auction.CacheMiss}, nil
	}
	minimum := entry.Amount.Add(increment)
	if amount.LessThan(minimum) {
		return auction.CacheResult{Verdict: auction.CacheRejected, Minimum: minimum}, nil
	}
	c.entries[auctionID] = &auction.CacheLeader{Amount: amount, BidderID: bidderID.String()}
	return auction.CacheResult{Verdict: auction.CacheAccepted, Minimum: amount}, nil
}

func (c *fakeCache) Leader(_ context.Context, auctionID uuid.UUID) (*auction.CacheLeader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[auctionID]
	if !ok {
		return nil, nil
	}
	leader := *entry
	return &leader, nil
}

func (c *fakeCache) Clear(_ context.Context, auctionID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, auctionID)
	return nil
}

// drop 模擬快取被清除或過期
func (c *fakeCache) drop(auctionID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, auctionID)
}

// fakeEmitter 記錄被發出的事件
type fakeEmitter struct {
	mu     sync.Mutex
	events []auction.Event
}

func (e *fakeEmitter) Publish(event auction.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *fakeEmitter) byType(eventType auction.EventType) []auction.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var matched []auction.Event
	for _, event := range e.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

// fakeMutex 模擬每個拍賣專屬的互斥鎖
type fakeMutex struct {
	mu sync.Mutex
}

func (m *fakeMutex) Lock(ctx context.Context) (context.Context, error) {
	m.mu.Lock()
	return ctx, nil
}

func (m *fakeMutex) Unlock() (bool, error) {
	m.mu.Unlock()
	return true, nil
}

func (m *fakeMutex) Valid() bool { return true }

// fakeMutexFactory 讓同一個拍賣的鎖在多次取得時共用
type fakeMutexFactory struct {
	mu      sync.Mutex
	mutexes map[uuid.UUID]*fakeMutex
}

func newFakeMutexFactory() *fakeMutexFactory {
	return &fakeMutexFactory{mutexes: make(map[uuid.UUID]*fakeMutex)}
}

func (f *fakeMutexFactory) New(auctionID uuid.UUID) auction.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mutexes[auctionID]
	if !ok {
		m = &fakeMutex{}
		f.mutexes[auctionID] = m
	}
	return m
}

// fakeScheduler 記錄排程呼叫
type fakeScheduler struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	cancelled []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{scheduled: make(map[string]time.Time)}
}

func (s *fakeScheduler) ScheduleAt(_ context.Context, at time.Time, job auction.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled[job.ID] = at
	return nil
}

func (s *fakeScheduler) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, jobID)
	return nil
}

func (s *fakeScheduler) scheduledAt(jobID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.scheduled[jobID]
	return at, ok
}

// fixedClock 回傳可調整的固定時間
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
