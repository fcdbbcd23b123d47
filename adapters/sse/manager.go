package sse

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

type managerOptions[T any] struct {
	logger     *slog.Logger
	subscriber ISubscriber[PublishRequest[T]]
}

type ManagerOption[T any] func(*managerOptions[T])

// WithLogger 設置日誌記錄器
func WithLogger[T any](logger *slog.Logger) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.logger = logger
	}
}

// WithSubscriber 設置訊息來源
// 訊息來源通常是Redis Stream的consumer，讓多個服務實例都能收到
// 同一份事件並各自廣播給自己的SSE連線。
func WithSubscriber[T any](subscriber ISubscriber[PublishRequest[T]]) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.subscriber = subscriber
	}
}

// connectionManager 管理多個 SSE 頻道的訂閱與廣播。
// 從注入的訊息來源讀取事件，依頻道名稱分發給對應的訂閱者。
type connectionManager[T any] struct {
	logger *slog.Logger

	mu     sync.RWMutex   // 保護 active 和 channels 的讀寫
	wg     sync.WaitGroup // 用於等待所有 goroutine 完成
	active bool           // 標記 manager 是否正在運作中

	subscriber ISubscriber[PublishRequest[T]]
	channels   map[string]IChannel[T] // 儲存所有活躍的頻道
}

// NewConnectionManager 建立一個新的連線管理器
func NewConnectionManager[T any](opts ...ManagerOption[T]) (IConnectionManager[T], error) {
	options := managerOptions[T]{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.subscriber == nil {
		return nil, errors.New("subscriber cannot be nil")
	}

	return &connectionManager[T]{
		logger:     options.logger.With(slog.String("caller", "ConnectionManager")),
		channels:   make(map[string]IChannel[T]),
		subscriber: options.subscriber,
	}, nil
}

// Start 啟動連線管理器，開始處理訊息的接收與廣播。
// 應在呼叫其他方法前先呼叫此方法。
func (cm *connectionManager[T]) Start() {
	cm.mu.Lock()
	if cm.active {
		cm.mu.Unlock()
		return
	}
	cm.active = true
	cm.mu.Unlock()

	// 啟動訊息處理的 goroutine
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		for msg := range cm.subscriber.Subscribe() {
			cm.mu.RLock()
			if channel, ok := cm.channels[msg.Channel]; ok {
				channel.Broadcast(msg.Message)
			}
			cm.mu.RUnlock()
		}
	}()
}

// Done 停止連線管理器的運作。
// 訊息來源必須先被關閉，Done才會等到廣播goroutine結束。
func (cm *connectionManager[T]) Done() {
	cm.mu.Lock()
	if !cm.active {
		cm.mu.Unlock()
		return
	}
	cm.active = false
	cm.mu.Unlock()

	cm.wg.Wait()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, channel := range cm.channels {
		channel.UnsubscribeAll()
	}
	clear(cm.channels)
}

// Subscribe 訂閱指定的頻道。
func (cm *connectionManager[T]) Subscribe(channelName string) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return nil, context.Canceled
	}

	c, ok := cm.channels[channelName]
	if !ok {
		c = NewChannel[T]()
		cm.channels[channelName] = c
	}
	return c.Subscribe(), nil
}

// Unsubscribe 取消訂閱指定的頻道。
func (cm *connectionManager[T]) Unsubscribe(channelName string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[channelName]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(cm.channels, channelName)
	}
}
