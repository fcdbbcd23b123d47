package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"gavel/auction"
)

// bidCompareAndSwapScript 原子性地檢查並更新拍賣的領先出價
//
//	KEYS[1] - 領先出價的hash鍵(欄位: amount, bidder)
//	ARGV[1] - 新的出價金額
//	ARGV[2] - 最低加價金額
//	ARGV[3] - 出價者的ID
//	ARGV[4] - 過期時間(秒)
//
// 返回值: {status, minimum}
//
//	{-1, '0'}       - 快取中沒有這個拍賣(被清除或過期)
//	{0, minimum}    - 出價未達最低金額，minimum是以目前領先金額計算的最低可接受金額
//	{1, amount}     - 出價成功成為新的領先出價
//
// 檢查與寫入在同一個腳本中完成，兩個同時合格的出價不可能都更新成功。
var bidCompareAndSwapScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[1])
if exists == 0 then
    return {-1, '0'}
end

local current = tonumber(redis.call('HGET', KEYS[1], 'amount')) or 0
local minimum = current + tonumber(ARGV[2])
if tonumber(ARGV[1]) < minimum then
    return {0, tostring(minimum)}
end

redis.call('HSET', KEYS[1], 'amount', ARGV[1], 'bidder', ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
return {1, ARGV[1]}
`)

type bidCacheOptions struct {
	prefix string
	ttl    time.Duration
}

type BidCacheOption func(*bidCacheOptions)

// WithBidCachePrefix 設定快取鍵的前綴
func WithBidCachePrefix(prefix string) BidCacheOption {
	return func(o *bidCacheOptions) {
		o.prefix = prefix
	}
}

// WithBidCacheTTL 設定快取項目的過期時間
// 過期時間只是清理失敗時的安全網，不是正確性機制——快取遺失時
// 出價服務會從帳本重建。
func WithBidCacheTTL(ttl time.Duration) BidCacheOption {
	return func(o *bidCacheOptions) {
		o.ttl = ttl
	}
}

// BidCache 以Redis hash保存每個拍賣的領先出價
// 只有出價服務與生命週期服務會寫入: 啟用時初始化、結束時清除。
type BidCache struct {
	client  *redis.Client
	options bidCacheOptions
}

// NewBidCache 建立領先出價快取
func NewBidCache(client *redis.Client, opts ...BidCacheOption) (*BidCache, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	options := bidCacheOptions{
		ttl: time.Hour,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &BidCache{client: client, options: options}, nil
}

func (c *BidCache) key(auctionID uuid.UUID) string {
	return fmt.Sprintf("%sauction:%s:leading", c.options.prefix, auctionID)
}

// Prime 初始化拍賣的領先金額
func (c *BidCache) Prime(ctx context.Context, auctionID uuid.UUID, amount decimal.Decimal, bidderID string) error {
	const op = "BidCache.Prime"
	key := c.key(auctionID)
	if err := c.client.HSet(ctx, key, "amount", amount.String(), "bidder", bidderID).Err(); err != nil {
		return fmt.Errorf("[%s] Fail to prime leading bid, err=%w", op, err)
	}
	if err := c.client.Expire(ctx, key, c.options.ttl).Err(); err != nil {
		return fmt.Errorf("[%s] Fail to set expiry, err=%w", op, err)
	}
	return nil
}

// CompareAndSwap 透過Lua腳本原子性地檢查並更新領先出價
func (c *BidCache) CompareAndSwap(ctx context.Context, auctionID, bidderID uuid.UUID, amount, increment decimal.Decimal) (auction.CacheResult, error) {
	const op = "BidCache.CompareAndSwap"
	raw, err := bidCompareAndSwapScript.Run(ctx, c.client,
		[]string{c.key(auctionID)},
		amount.String(), increment.String(), bidderID.String(), int(c.options.ttl.Seconds()),
	).Result()
	if err != nil {
		return auction.CacheResult{}, fmt.Errorf("[%s] Fail to run script, err=%w", op, err)
	}

	reply, ok := raw.([]any)
	if !ok || len(reply) != 2 {
		return auction.CacheResult{}, fmt.Errorf("[%s] Unexpected script reply: %v", op, raw)
	}
	status, ok := reply[0].(int64)
	if !ok {
		return auction.CacheResult{}, fmt.Errorf("[%s] Unexpected status type: %T", op, reply[0])
	}
	minimumStr, ok := reply[1].(string)
	if !ok {
		return auction.CacheResult{}, fmt.Errorf("[%s] Unexpected minimum type: %T", op, reply[1])
	}
	minimum, err := decimal.NewFromString(minimumStr)
	if err != nil {
		return auction.CacheResult{}, fmt.Errorf("[%s] Fail to parse minimum %q, err=%w", op, minimumStr, err)
	}
	return auction.CacheResult{
		Verdict: auction.CacheVerdict(status),
		Minimum: minimum,
	}, nil
}

// Leader 讀取目前的領先出價，快取中沒有時回傳nil
func (c *BidCache) Leader(ctx context.Context, auctionID uuid.UUID) (*auction.CacheLeader, error) {
	const op = "BidCache.Leader"
	values, err := c.client.HGetAll(ctx, c.key(auctionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to read leading bid, err=%w", op, err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	amount, err := decimal.NewFromString(values["amount"])
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to parse amount %q, err=%w", op, values["amount"], err)
	}
	return &auction.CacheLeader{
		Amount:   amount,
		BidderID: values["bidder"],
	}, nil
}

// Clear 清除拍賣的快取項目
func (c *BidCache) Clear(ctx context.Context, auctionID uuid.UUID) error {
	const op = "BidCache.Clear"
	if err := c.client.Del(ctx, c.key(auctionID)).Err(); err != nil {
		return fmt.Errorf("[%s] Fail to delete leading bid, err=%w", op, err)
	}
	return nil
}
