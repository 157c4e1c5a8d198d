package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-wallet-ledger/pkg/clock"
)

const DefaultStream = "ledger.events"

// event 寫入 stream 的事件內容
type event struct {
	Type      string         `json:"type"`
	AccountID string         `json:"accountId"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// StreamNotifier 將帳務事件 XADD 到 Redis Stream，由下游服務以 consumer group 消費
type StreamNotifier struct {
	client goredis.UniversalClient
	stream string
	maxLen int64
	clock  clock.Clock
}

func NewStreamNotifier(client goredis.UniversalClient, stream string, maxLen int64) *StreamNotifier {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamNotifier{client: client, stream: stream, maxLen: maxLen, clock: clock.NewSystem()}
}

func (n *StreamNotifier) Notify(ctx context.Context, accountID string, kind string, payload map[string]any) error {
	data, err := json.Marshal(event{
		Type:      kind,
		AccountID: accountID,
		Timestamp: n.clock.Now().Format(time.RFC3339Nano),
		Data:      payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &goredis.XAddArgs{
		Stream: n.stream,
		Values: map[string]any{
			"event": data,
		},
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}
	if err := n.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

var _ usecase.Notifier = (*StreamNotifier)(nil)
