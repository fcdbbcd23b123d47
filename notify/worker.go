package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"gavel/adapters/redis"
	"gavel/auction"
)

// Worker 從事件流的consumer group讀取領域事件，將需要通知
// 個別使用者的事件轉成通知送出。使用consumer group確保多實例
// 部署下每個事件只會被通知一次，處理失敗的事件會進入dead letter。
type Worker struct {
	consumer   redis.IGroupConsumer[auction.Event]
	mailer     Mailer
	logger     *slog.Logger
	wg         sync.WaitGroup
	cancelFunc context.CancelFunc
}

type workerOptions struct {
	logger *slog.Logger
}

type WorkerOption func(*workerOptions)

// WithWorkerLogger 設置日誌記錄器
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(o *workerOptions) {
		o.logger = logger
	}
}

func NewWorker(consumer redis.IGroupConsumer[auction.Event], mailer Mailer, opts ...WorkerOption) *Worker {
	options := workerOptions{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Worker{
		consumer: consumer,
		mailer:   mailer,
		logger:   options.logger.With(slog.String("caller", "NotifyWorker")),
	}
}

// Start 啟動通知worker
func (w *Worker) Start() error {
	const op = "Start"
	if err := w.consumer.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start group consumer, err=%w", op, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancelFunc = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.logger.Info("Notify worker stopped")
		ch := w.consumer.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handleErr := w.handle(ctx, msg.Data)
				if handleErr != nil {
					w.logger.Error("Fail to handle event", slog.Any("error", handleErr))
					if err := msg.Fail(ctx, handleErr); err != nil {
						w.logger.Error("Fail to fail message", slog.Any("error", err))
					}
					continue
				}
				if err := msg.Done(ctx); err != nil {
					w.logger.Error("Handle success but fail to done message", slog.Any("error", err))
					if err := msg.Fail(ctx, err); err != nil {
						w.logger.Error("Handle success but fail to fail message", slog.Any("error", err))
					}
				}
			}
		}
	}()
	return nil
}

// Close 停止worker並關閉consumer
func (w *Worker) Close() error {
	const op = "Close"
	if err := w.consumer.Close(); err != nil {
		return fmt.Errorf("[%s] Fail to close group consumer, err=%w", op, err)
	}
	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	w.wg.Wait()
	return nil
}

// handle 將單一事件轉成通知
// 沒有收件人的事件屬於頻道廣播，由SSE負責，這裡直接略過。
func (w *Worker) handle(ctx context.Context, event auction.Event) error {
	if event.Recipient == nil {
		return nil
	}

	notification := Notification{Recipient: *event.Recipient}
	switch event.Type {
	case auction.EventOutbid:
		notification.Subject = "You have been outbid"
		if event.Auction != nil && event.Bid != nil {
			notification.Body = fmt.Sprintf("Your bid on %q was outbid. The leading bid is now %s.", event.Auction.Title, event.Bid.Amount)
		}
	case auction.EventAuctionWon:
		notification.Subject = "You won the auction"
		if event.Auction != nil {
			notification.Body = fmt.Sprintf("You won %q with a bid of %s. Waiting for the seller's decision.", event.Auction.Title, event.Auction.CurrentHighestBid)
		}
	case auction.EventSellerDecision:
		notification.Subject = "The seller responded to your winning bid"
		notification.Body = event.Message
	case auction.EventCounterOffer:
		notification.Subject = "The seller made a counter-offer"
		notification.Body = event.Message
	case auction.EventCounterOfferResponse:
		notification.Subject = "The buyer responded to your counter-offer"
		notification.Body = event.Message
	default:
		return nil
	}

	if err := w.mailer.Send(ctx, notification); err != nil {
		return fmt.Errorf("fail to send notification, recipient=%s, err=%w", event.Recipient, err)
	}
	return nil
}
