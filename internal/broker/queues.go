package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ProviderNotifier hands a sub-request descriptor to one provider's channel.
// Fire-and-forget: the provider either responds via Receive or never does,
// and non-response is handled by cancellation, not by the notifier.
type ProviderNotifier interface {
	Notify(ctx context.Context, provider common.Address, job Job) error
}

// CallbackSink delivers the final consensus value back to the caller
// described by the callback selector. Delivery is attempted exactly once.
type CallbackSink interface {
	Deliver(ctx context.Context, caller common.Address, requestID common.Hash, selector string, value *big.Int) error
}

// QueueNotifier pushes job descriptors onto per-provider Redis lists.
type QueueNotifier struct {
	rdb *redis.Client
}

func NewQueueNotifier(rdb *redis.Client) *QueueNotifier {
	return &QueueNotifier{rdb: rdb}
}

func (n *QueueNotifier) Notify(ctx context.Context, provider common.Address, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	key := fmt.Sprintf(providerQueueKeyFmt, provider.Hex())
	return n.rdb.RPush(ctx, key, string(raw)).Err()
}

// QueueSink pushes the final value onto the caller's callback queue.
type QueueSink struct {
	rdb *redis.Client
}

func NewQueueSink(rdb *redis.Client) *QueueSink {
	return &QueueSink{rdb: rdb}
}

type callbackPayload struct {
	RequestID common.Hash `json:"request_id"`
	Selector  string      `json:"callback_selector"`
	Value     *big.Int    `json:"value"`
}

func (s *QueueSink) Deliver(ctx context.Context, caller common.Address, requestID common.Hash, selector string, value *big.Int) error {
	raw, err := json.Marshal(callbackPayload{RequestID: requestID, Selector: selector, Value: value})
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}
	key := fmt.Sprintf(callbackQueueKeyFmt, caller.Hex())
	return s.rdb.RPush(ctx, key, string(raw)).Err()
}

// pushCallbackError surfaces a failed delivery on the caller's own error
// channel. The request stays finalized; delivery is never retried here.
func (b *Broker) pushCallbackError(ctx context.Context, caller common.Address, requestID common.Hash, deliverErr error) {
	raw, _ := json.Marshal(map[string]string{
		"request_id": requestID.Hex(),
		"error":      deliverErr.Error(),
	})
	key := fmt.Sprintf(callbackErrKeyFmt, caller.Hex())
	if err := b.rdb.RPush(ctx, key, string(raw)).Err(); err != nil {
		b.log.Error("push callback error failed",
			zap.String("request", requestID.Hex()),
			zap.Error(err),
		)
	}
}
