package sse_test

import (
	"io"
	"log"

	"gavel/adapters/sse"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
}

// Message 表示一個 SSE 訊息，包含資料字段。
type Message struct {
	Data string `json:"data"`
}

// fakeSubscriber 以記憶體通道模擬訊息來源，供測試注入。
type fakeSubscriber struct {
	ch chan sse.PublishRequest[Message]
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{ch: make(chan sse.PublishRequest[Message])}
}

func (s *fakeSubscriber) Subscribe() <-chan sse.PublishRequest[Message] {
	return s.ch
}

func (s *fakeSubscriber) Publish(channel string, data Message) {
	s.ch <- sse.PublishRequest[Message]{Channel: channel, Message: data}
}

func (s *fakeSubscriber) Close() {
	close(s.ch)
}
