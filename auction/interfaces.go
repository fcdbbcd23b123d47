//go:generate mockgen -package=auction -destination=mock.go -source=interfaces.go

package auction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CacheVerdict 是快取compare-and-set的判定結果
type CacheVerdict int

const (
	// CacheMiss 快取中沒有這個拍賣的最高出價(可能被清除或過期)
	CacheMiss CacheVerdict = -1
	// CacheRejected 出價低於最低可接受金額
	CacheRejected CacheVerdict = 0
	// CacheAccepted 出價成為新的最高出價
	CacheAccepted CacheVerdict = 1
)

// CacheResult 是一次compare-and-set的結果
// Rejected時Minimum帶有以目前領先金額計算出的最低可接受金額。
type CacheResult struct {
	Verdict CacheVerdict
	Minimum decimal.Decimal
}

// BidCache 定義了最高出價快取的操作介面
// 快取只是效能最佳化的提示，出價帳本(資料庫)才是事實來源；
// 快取的內容必須隨時可以從帳本重建。
type BidCache interface {
	// Prime 初始化拍賣的領先金額(啟用拍賣或快取修復時使用)
	Prime(ctx context.Context, auctionID uuid.UUID, amount decimal.Decimal, bidderID string) error
	// CompareAndSwap 原子性地檢查並更新領先金額
	CompareAndSwap(ctx context.Context, auctionID, bidderID uuid.UUID, amount, increment decimal.Decimal) (CacheResult, error)
	// Leader 讀取目前的領先金額與出價者，不存在時回傳nil
	Leader(ctx context.Context, auctionID uuid.UUID) (*CacheLeader, error)
	// Clear 清除拍賣的快取項目
	Clear(ctx context.Context, auctionID uuid.UUID) error
}

// CacheLeader 是快取中的領先出價
type CacheLeader struct {
	Amount   decimal.Decimal
	BidderID string
}

// Mutex 定義了以拍賣ID為單位的互斥鎖介面
// 同一個拍賣的出價必須序列化，不同拍賣之間不互相阻塞。
type Mutex interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
	Valid() bool
}

// MutexFactory 建立某個拍賣專屬的互斥鎖
type MutexFactory func(auctionID uuid.UUID) Mutex

// JobKind 是排程工作的種類
type JobKind string

const (
	JobActivate JobKind = "activate"
	JobEnd      JobKind = "end"
)

// Job 是一個以拍賣ID+轉換種類為鍵的排程工作
// 相同ID的工作重複排程只會更新觸發時間，不會重複執行。
type Job struct {
	ID        string    `msgpack:"id"`
	Kind      JobKind   `msgpack:"kind"`
	AuctionID uuid.UUID `msgpack:"auction_id"`
}

// JobID 組合出排程工作的唯一鍵
func JobID(kind JobKind, auctionID uuid.UUID) string {
	return string(kind) + ":" + auctionID.String()
}

// Scheduler 定義了耐久排程器的操作介面
// 工作必須在重啟後存活，且在多實例部署下每個工作最多執行一次；
// 觸發後守衛條件不成立的工作會被當作no-op。
type Scheduler interface {
	ScheduleAt(ctx context.Context, at time.Time, job Job) error
	Cancel(ctx context.Context, jobID string) error
}

// Emitter 定義了領域事件的發布介面
// 核心只負責發出事件，遞送、重試與fan-out由外部協作者處理，
// 發布失敗不會使核心的狀態轉換失敗。
type Emitter interface {
	Publish(event Event) error
}
