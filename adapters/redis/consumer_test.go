package redis

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestNewConsumer(t *testing.T) {
	client, _, cleanup := setupTest(t)
	defer cleanup()

	tests := []struct {
		name    string
		client  *redis.Client
		stream  string
		opts    []ConsumerOption[bidEvent]
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid configuration",
			client:  client,
			stream:  "auction-events",
			wantErr: false,
		},
		{
			name:    "nil client",
			client:  nil,
			stream:  "auction-events",
			wantErr: true,
			errMsg:  "redis client cannot be nil",
		},
		{
			name:    "empty stream",
			client:  client,
			stream:  "",
			wantErr: true,
			errMsg:  "stream cannot be empty",
		},
		{
			name:   "with all options",
			client: client,
			stream: "auction-events",
			opts: []ConsumerOption[bidEvent]{
				WithConsumerLogger[bidEvent](slog.Default()),
				WithConsumerBufferSize[bidEvent](200),
				WithConsumerBlockTimeout[bidEvent](2 * time.Second),
				WithConsumerParseFunc[bidEvent](func(m map[string]any) (bidEvent, error) {
					return bidEvent{}, nil
				}),
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			consumer, err := NewConsumer[bidEvent](tt.client, tt.stream, tt.opts...)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				assert.Nil(t, consumer)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, consumer)
				consumer.Close()
			}
		})
	}
}

func TestConsumer_StartStop(t *testing.T) {
	t.Run("normal start and stop", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.ExpectXRead(&redis.XReadArgs{
			Streams: []string{"auction-events", "$"},
			Count:   1,
			Block:   time.Second,
		}).SetErr(redis.Nil)

		consumer, err := NewConsumer[bidEvent](
			client,
			"auction-events",
		)
		require.NoError(t, err)

		consumer.Start()
		time.Sleep(100 * time.Millisecond)
		consumer.Close()

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("multiple start calls", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.ExpectXRead(&redis.XReadArgs{
			Streams: []string{"auction-events", "$"},
			Count:   1,
			Block:   time.Second,
		}).SetErr(redis.Nil)

		consumer, err := NewConsumer[bidEvent](
			client,
			"auction-events",
		)
		require.NoError(t, err)

		consumer.Start()
		consumer.Start() // Should be no-op
		time.Sleep(100 * time.Millisecond)
		consumer.Close()

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("multiple stop calls", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.ExpectXRead(&redis.XReadArgs{
			Streams: []string{"auction-events", "$"},
			Count:   1,
			Block:   time.Second,
		}).SetErr(redis.Nil)

		consumer, err := NewConsumer[bidEvent](
			client,
			"auction-events",
		)
		require.NoError(t, err)

		consumer.Start()
		time.Sleep(100 * time.Millisecond)
		consumer.Close()
		consumer.Close() // Should be no-op

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestConsumer_MessageConsumption(t *testing.T) {
	t.Run("successful message consumption", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		testMsg := bidEvent{
			AuctionID:   "a-1",
			Amount: "100",
		}
		msgValues, err := DefaultParseToMessage(testMsg)
		require.NoError(t, err)

		mock.ExpectXRead(&redis.XReadArgs{
			Streams: []string{"auction-events", "$"},
			Count:   1,
			Block:   time.Second,
		}).SetVal([]redis.XStream{
			{
				Stream: "auction-events",
				Messages: []redis.XMessage{
					{
						ID:     "1234-0",
						Values: msgValues,
					},
				},
			},
		})

		consumer, err := NewConsumer[bidEvent](
			client,
			"auction-events",
			WithConsumerBlockTimeout[bidEvent](time.Second),
		)
		require.NoError(t, err)

		consumer.Start()
		defer consumer.Close()

		select {
		case msg := <-consumer.Subscribe():
			assert.Equal(t, testMsg.AuctionID, msg.AuctionID)
			assert.Equal(t, testMsg.Amount, msg.Amount)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for message")
		}

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redis error handling", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.ExpectXRead(&redis.XReadArgs{
			Streams: []string{"auction-events", "$"},
			Count:   1,
			Block:   time.Second,
		}).SetErr(redis.ErrClosed)

		consumer, err := NewConsumer[bidEvent](
			client,
			"auction-events",
			WithConsumerBlockTimeout[bidEvent](time.Second),
		)
		require.NoError(t, err)

		consumer.Start()
		defer consumer.Close()

		time.Sleep(100 * time.Millisecond)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid message format", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.ExpectXRead(&redis.XReadArgs{
			Streams: []string{"auction-events", "$"},
			Count:   1,
			Block:   time.Second,
		}).SetVal([]redis.XStream{
			{
				Stream: "auction-events",
				Messages: []redis.XMessage{
					{
						ID: "1234-0",
						Values: map[string]interface{}{
							"id":      123,       // wrong type
							"data":    true,      // wrong type
							"time":    "invalid", // invalid time
							"counter": "wrong",   // wrong type
						},
					},
				},
			},
		})

		consumer, err := NewConsumer[bidEvent](
			client,
			"auction-events",
			WithConsumerBlockTimeout[bidEvent](time.Second),
			WithConsumerParseFunc[bidEvent](func(m map[string]any) (bidEvent, error) {
				return bidEvent{}, fmt.Errorf("failed to parse message")
			}),
		)
		require.NoError(t, err)

		consumer.Start()
		defer consumer.Close()

		select {
		case <-consumer.Subscribe():
			t.Fatal("should not receive invalid message")
		case <-time.After(300 * time.Millisecond):
			// Expected timeout
		}

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty stream response", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.ExpectXRead(&redis.XReadArgs{
			Streams: []string{"auction-events", "$"},
			Count:   1,
			Block:   time.Second,
		}).SetVal([]redis.XStream{})

		consumer, err := NewConsumer[bidEvent](
			client,
			"auction-events",
			WithConsumerBlockTimeout[bidEvent](time.Second),
		)
		require.NoError(t, err)

		consumer.Start()
		defer consumer.Close()

		select {
		case <-consumer.Subscribe():
			t.Fatal("should not receive message from empty stream")
		case <-time.After(300 * time.Millisecond):
			// Expected timeout
		}

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
