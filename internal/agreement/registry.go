package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrInvalidQuorum   = errors.New("min responses must be between 1 and the provider count")
	ErrLengthMismatch  = errors.New("providers, job specs and fees must have equal length")
	ErrUnauthorized    = errors.New("caller is not the administrator")
	ErrAgreementActive = errors.New("agreement has in-flight requests")
)

// Registry stores service agreements and owns their lifecycle. The mutex
// serializes the active-request counter against delete's invariant check;
// plain reads go straight to Redis.
type Registry struct {
	rdb   *redis.Client
	admin common.Address
	mu    sync.Mutex
	log   *zap.Logger
}

func NewRegistry(rdb *redis.Client, admin common.Address, log *zap.Logger) *Registry {
	return &Registry{rdb: rdb, admin: admin, log: log}
}

// Create validates and stores a new agreement, returning its derived id.
// Restricted to the administrator. No state is written when validation fails.
func (r *Registry) Create(
	ctx context.Context,
	initiator common.Address,
	minResponses int,
	providers []common.Address,
	jobSpecs []string,
	fees []*big.Int,
) (common.Hash, error) {
	if initiator != r.admin {
		return common.Hash{}, ErrUnauthorized
	}
	if len(providers) != len(jobSpecs) || len(providers) != len(fees) {
		return common.Hash{}, ErrLengthMismatch
	}
	if minResponses < 1 || minResponses > len(providers) {
		return common.Hash{}, ErrInvalidQuorum
	}

	slots := make([]ProviderSlot, len(providers))
	for i := range providers {
		slots[i] = ProviderSlot{
			Provider: providers[i],
			JobSpec:  jobSpecs[i],
			Fee:      new(big.Int).Set(fees[i]),
		}
	}

	nonce, err := r.rdb.Incr(ctx, agreementSeqKey).Result()
	if err != nil {
		return common.Hash{}, fmt.Errorf("agreement nonce: %w", err)
	}
	id := deriveID(minResponses, slots, nonce)

	raw, err := json.Marshal(slots)
	if err != nil {
		return common.Hash{}, fmt.Errorf("marshal slots: %w", err)
	}
	key := fmt.Sprintf(agreementKeyFmt, id.Hex())
	if err := r.rdb.HSet(ctx, key,
		"min_responses", minResponses,
		"providers", string(raw),
		"active_requests", 0,
	).Err(); err != nil {
		return common.Hash{}, fmt.Errorf("store agreement: %w", err)
	}

	r.publishCreated(ctx, id)
	r.log.Info("agreement created",
		zap.String("id", id.Hex()),
		zap.Int("min_responses", minResponses),
		zap.Int("providers", len(slots)),
	)
	return id, nil
}

// Get returns the agreement for id. Unknown and deleted ids read back as a
// zero-valued record, not an error; callers that poll state rely on this.
func (r *Registry) Get(ctx context.Context, id common.Hash) (ServiceAgreement, error) {
	vals, err := r.rdb.HGetAll(ctx, fmt.Sprintf(agreementKeyFmt, id.Hex())).Result()
	if err != nil {
		return ServiceAgreement{}, fmt.Errorf("load agreement: %w", err)
	}
	if len(vals) == 0 {
		return ServiceAgreement{}, nil
	}
	return agreementFromMap(id, vals)
}

// Delete removes an agreement entirely. Restricted to the administrator and
// refused while any request created from the agreement is still in flight.
// In-flight requests keep their own copies of the slot data, so deleting
// does not corrupt them.
func (r *Registry) Delete(ctx context.Context, initiator common.Address, id common.Hash) error {
	if initiator != r.admin {
		return ErrUnauthorized
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf(agreementKeyFmt, id.Hex())
	active, err := r.rdb.HGet(ctx, key, "active_requests").Int64()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("load active count: %w", err)
	}
	if active > 0 {
		return ErrAgreementActive
	}
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete agreement: %w", err)
	}
	r.log.Info("agreement deleted", zap.String("id", id.Hex()))
	return nil
}

// IncrActive bumps the in-flight request count. Called only by the
// dispatcher when a request is created.
func (r *Registry) IncrActive(ctx context.Context, id common.Hash) error {
	return r.addActive(ctx, id, 1)
}

// DecrActive drops the in-flight request count when a request reaches a
// terminal state.
func (r *Registry) DecrActive(ctx context.Context, id common.Hash) error {
	return r.addActive(ctx, id, -1)
}

func (r *Registry) addActive(ctx context.Context, id common.Hash, delta int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf(agreementKeyFmt, id.Hex())
	// The agreement may already be deleted for a decrement of a long-lived
	// request; HIncrBy on a missing key would resurrect it as a stray hash.
	exists, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check agreement: %w", err)
	}
	if exists == 0 {
		return nil
	}
	return r.rdb.HIncrBy(ctx, key, "active_requests", delta).Err()
}

func (r *Registry) publishCreated(ctx context.Context, id common.Hash) {
	event, _ := json.Marshal(map[string]string{"event": "created", "id": id.Hex()})
	if err := r.rdb.Publish(ctx, eventsChannel, string(event)).Err(); err != nil {
		r.log.Warn("publish agreement event", zap.String("id", id.Hex()), zap.Error(err))
	}
}

func agreementFromMap(id common.Hash, m map[string]string) (ServiceAgreement, error) {
	var slots []ProviderSlot
	if err := json.Unmarshal([]byte(m["providers"]), &slots); err != nil {
		return ServiceAgreement{}, fmt.Errorf("unmarshal slots: %w", err)
	}
	min, _ := strconv.Atoi(m["min_responses"])
	active, _ := strconv.ParseInt(m["active_requests"], 10, 64)
	return ServiceAgreement{
		ID:             id,
		MinResponses:   min,
		Providers:      slots,
		ActiveRequests: active,
	}, nil
}
