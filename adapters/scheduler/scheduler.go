package scheduler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"gavel/auction"
)

// popDueScript 原子性地取出所有已到期的工作
//
//	KEYS[1] - 排程的ZSET(member=工作ID, score=觸發時間unix毫秒)
//	KEYS[2] - 工作內容的HASH(field=工作ID, value=base64編碼的msgpack)
//	ARGV[1] - 現在時間(unix毫秒)
//	ARGV[2] - 一次最多取出的數量
//
// 取出與移除在同一個腳本中完成，多實例同時輪詢時每個工作
// 只會被其中一個實例取得，因此每個工作最多執行一次。
var popDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local payloads = {}
for _, id in ipairs(due) do
    redis.call('ZREM', KEYS[1], id)
    local payload = redis.call('HGET', KEYS[2], id)
    redis.call('HDEL', KEYS[2], id)
    if payload then
        payloads[#payloads + 1] = payload
    end
end
return payloads
`)

type schedulerOptions struct {
	logger       *slog.Logger
	prefix       string
	pollInterval time.Duration
	batchSize    int
}

type Option func(*schedulerOptions)

// WithLogger 設置日誌記錄器
func WithLogger(logger *slog.Logger) Option {
	return func(o *schedulerOptions) {
		o.logger = logger
	}
}

// WithPrefix 設定排程鍵的前綴
func WithPrefix(prefix string) Option {
	return func(o *schedulerOptions) {
		o.prefix = prefix
	}
}

// WithPollInterval 設置輪詢到期工作的間隔
func WithPollInterval(d time.Duration) Option {
	return func(o *schedulerOptions) {
		o.pollInterval = d
	}
}

// WithBatchSize 設置一次輪詢最多取出的工作數量
func WithBatchSize(size int) Option {
	return func(o *schedulerOptions) {
		o.batchSize = size
	}
}

// Handler 處理一個到期的工作
// 守衛條件不成立的觸發應該回傳nil(no-op)而不是錯誤。
type Handler func(ctx context.Context, job auction.Job) error

// Scheduler 是以Redis ZSET實作的耐久排程器
// 工作狀態保存在Redis中，重啟後不會遺失；相同工作ID重複排程
// 只會更新觸發時間。行程內沒有任何計時器持有拍賣ID。
type Scheduler struct {
	client     *redis.Client
	handler    Handler
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	options    schedulerOptions
}

// New 建立排程器，handler會在工作到期時被呼叫
func New(client *redis.Client, handler Handler, opts ...Option) (*Scheduler, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	options := schedulerOptions{
		logger:       slog.Default(),
		pollInterval: time.Second,
		batchSize:    100,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Scheduler{
		client:  client,
		handler: handler,
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "Scheduler")),
		options: options,
	}, nil
}

func (s *Scheduler) scheduleKey() string {
	return s.options.prefix + "schedule"
}

func (s *Scheduler) payloadKey() string {
	return s.options.prefix + "schedule:payloads"
}

// ScheduleAt 在指定時間排定一個工作
// 以工作ID為鍵，重複排程是冪等的: 只會覆寫觸發時間與內容。
func (s *Scheduler) ScheduleAt(ctx context.Context, at time.Time, job auction.Job) error {
	const op = "Scheduler.ScheduleAt"
	payload, err := msgpack.Marshal(job)
	if err != nil {
		return fmt.Errorf("[%s] Fail to marshal job, err=%w", op, err)
	}
	encoded := base64.StdEncoding.EncodeToString(payload)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.payloadKey(), job.ID, encoded)
	pipe.ZAdd(ctx, s.scheduleKey(), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("[%s] Fail to store job, err=%w", op, err)
	}
	s.logger.Debug("Job scheduled", slog.String("jobID", job.ID), slog.Time("at", at))
	return nil
}

// Cancel 取消一個已排定的工作
// 工作不存在時也是no-op，不回報錯誤。
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	const op = "Scheduler.Cancel"
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.scheduleKey(), jobID)
	pipe.HDel(ctx, s.payloadKey(), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("[%s] Fail to remove job, err=%w", op, err)
	}
	s.logger.Debug("Job cancelled", slog.String("jobID", jobID))
	return nil
}

// Start 啟動輪詢到期工作的worker
func (s *Scheduler) Start() {
	if !s.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel
	s.closed = false
	s.logger.Info("starting scheduler")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("scheduler worker stopped")
		ticker := time.NewTicker(s.options.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.dispatchDue(ctx); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					s.logger.Error("dispatch error", slog.Any("error", err))
				}
			}
		}
	}()
}

// Close 停止排程器
func (s *Scheduler) Close() {
	if s.closed {
		return
	}
	s.logger.Info("closing scheduler")
	s.closed = true
	s.cancelFunc()
	s.wg.Wait()
	s.logger.Info("scheduler closed")
}

// dispatchDue 取出並執行所有已到期的工作
func (s *Scheduler) dispatchDue(ctx context.Context) error {
	raw, err := popDueScript.Run(ctx, s.client,
		[]string{s.scheduleKey(), s.payloadKey()},
		time.Now().UnixMilli(), s.options.batchSize,
	).Result()
	if err != nil {
		return fmt.Errorf("fail to pop due jobs, err=%w", err)
	}
	payloads, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("unexpected script reply: %T", raw)
	}

	for _, item := range payloads {
		encoded, ok := item.(string)
		if !ok {
			s.logger.Error("unexpected payload type", slog.String("type", fmt.Sprintf("%T", item)))
			continue
		}
		job, err := decodeJob(encoded)
		if err != nil {
			s.logger.Error("failed to decode job", slog.Any("error", err))
			continue
		}
		// handler內部的狀態守衛負責把過時的觸發變成no-op
		if err := s.handler(ctx, job); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.logger.Error("job handler failed",
				slog.String("jobID", job.ID),
				slog.Any("error", err))
		}
	}
	return nil
}

func decodeJob(encoded string) (auction.Job, error) {
	var job auction.Job
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return job, fmt.Errorf("base64 decode error: %w", err)
	}
	if err := msgpack.Unmarshal(raw, &job); err != nil {
		return job, fmt.Errorf("msgpack unmarshal error: %w", err)
	}
	return job, nil
}
