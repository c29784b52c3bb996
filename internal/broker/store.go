package broker

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// storeRequest persists a freshly dispatched request: the parent hash, one
// hash per sub-request slot, and the sub-request id -> slot index mapping.
func (b *Broker) storeRequest(ctx context.Context, req *AggregationRequest) error {
	key := fmt.Sprintf(requestKeyFmt, req.ID.Hex())
	if err := b.rdb.HSet(ctx, key,
		"agreement_id", req.AgreementID.Hex(),
		"caller", req.Caller.Hex(),
		"callback_selector", req.CallbackSelector,
		"min_responses", req.MinResponses,
		"state", int(req.State),
		"sub_count", len(req.SubRequests),
	).Err(); err != nil {
		return fmt.Errorf("store request: %w", err)
	}

	indexKey := fmt.Sprintf(subIndexKeyFmt, req.ID.Hex())
	for i, s := range req.SubRequests {
		if err := b.rdb.HSet(ctx, fmt.Sprintf(subKeyFmt, req.ID.Hex(), i),
			"id", s.ID.Hex(),
			"provider", s.Provider.Hex(),
			"job_spec", s.JobSpec,
			"fee", s.Fee.String(),
			"fulfilled", 0,
			"cancelled", 0,
			"created_at", s.CreatedAt,
		).Err(); err != nil {
			return fmt.Errorf("store sub-request %d: %w", i, err)
		}
		if err := b.rdb.HSet(ctx, indexKey, s.ID.Hex(), i).Err(); err != nil {
			return fmt.Errorf("index sub-request %d: %w", i, err)
		}
	}
	return nil
}

// loadRequest returns the full request or nil when the id is unknown.
func (b *Broker) loadRequest(ctx context.Context, id common.Hash) (*AggregationRequest, error) {
	vals, err := b.rdb.HGetAll(ctx, fmt.Sprintf(requestKeyFmt, id.Hex())).Result()
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	minResponses, _ := strconv.Atoi(vals["min_responses"])
	state, _ := strconv.Atoi(vals["state"])
	subCount, _ := strconv.Atoi(vals["sub_count"])

	req := &AggregationRequest{
		ID:               id,
		AgreementID:      common.HexToHash(vals["agreement_id"]),
		Caller:           common.HexToAddress(vals["caller"]),
		CallbackSelector: vals["callback_selector"],
		MinResponses:     minResponses,
		State:            RequestState(state),
		SubRequests:      make([]SubRequest, 0, subCount),
	}
	if fv, ok := vals["final_value"]; ok && fv != "" {
		req.FinalValue, _ = new(big.Int).SetString(fv, 10)
	}

	for i := 0; i < subCount; i++ {
		slot, err := b.loadSlot(ctx, id, i)
		if err != nil {
			return nil, err
		}
		req.SubRequests = append(req.SubRequests, slot)
	}

	raw, err := b.rdb.LRange(ctx, fmt.Sprintf(responsesKeyFmt, id.Hex()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load responses: %w", err)
	}
	for _, s := range raw {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("corrupt response %q", s)
		}
		req.Responses = append(req.Responses, v)
	}
	return req, nil
}

func (b *Broker) loadSlot(ctx context.Context, requestID common.Hash, idx int) (SubRequest, error) {
	m, err := b.rdb.HGetAll(ctx, fmt.Sprintf(subKeyFmt, requestID.Hex(), idx)).Result()
	if err != nil {
		return SubRequest{}, fmt.Errorf("load sub-request %d: %w", idx, err)
	}
	fee, ok := new(big.Int).SetString(m["fee"], 10)
	if !ok {
		return SubRequest{}, fmt.Errorf("corrupt fee %q on sub-request %d", m["fee"], idx)
	}
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)
	slot := SubRequest{
		ID:        common.HexToHash(m["id"]),
		Provider:  common.HexToAddress(m["provider"]),
		JobSpec:   m["job_spec"],
		Fee:       fee,
		Fulfilled: m["fulfilled"] == "1",
		Cancelled: m["cancelled"] == "1",
		CreatedAt: createdAt,
	}
	if r, ok := m["response"]; ok && r != "" {
		slot.Response, _ = new(big.Int).SetString(r, 10)
	}
	return slot, nil
}

// subIndex resolves a sub-request id to its slot index, or -1 when unknown.
func (b *Broker) subIndex(ctx context.Context, requestID, subRequestID common.Hash) (int, error) {
	s, err := b.rdb.HGet(ctx, fmt.Sprintf(subIndexKeyFmt, requestID.Hex()), subRequestID.Hex()).Result()
	if err == redis.Nil {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("resolve sub-request: %w", err)
	}
	idx, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("corrupt sub-request index %q: %w", s, err)
	}
	return idx, nil
}

func (b *Broker) markFulfilled(ctx context.Context, requestID common.Hash, idx int, value *big.Int) error {
	return b.rdb.HSet(ctx, fmt.Sprintf(subKeyFmt, requestID.Hex(), idx),
		"fulfilled", 1,
		"response", value.String(),
	).Err()
}

func (b *Broker) markCancelled(ctx context.Context, requestID common.Hash, idx int) error {
	return b.rdb.HSet(ctx, fmt.Sprintf(subKeyFmt, requestID.Hex(), idx), "cancelled", 1).Err()
}

// recordLateResponse keeps a response that arrived after the request went
// terminal. Bookkeeping only: the slot stays unfulfilled and the final value
// is untouched.
func (b *Broker) recordLateResponse(ctx context.Context, requestID common.Hash, idx int, value *big.Int) error {
	return b.rdb.HSet(ctx, fmt.Sprintf(subKeyFmt, requestID.Hex(), idx),
		"late_response", value.String(),
	).Err()
}

func (b *Broker) setState(ctx context.Context, requestID common.Hash, state RequestState) error {
	return b.rdb.HSet(ctx, fmt.Sprintf(requestKeyFmt, requestID.Hex()), "state", int(state)).Err()
}

func (b *Broker) setFinalValue(ctx context.Context, requestID common.Hash, value *big.Int) error {
	return b.rdb.HSet(ctx, fmt.Sprintf(requestKeyFmt, requestID.Hex()),
		"state", int(StateFinalized),
		"final_value", value.String(),
	).Err()
}

// appendResponse pushes a value onto the arrival-ordered response list and
// returns the new length.
func (b *Broker) appendResponse(ctx context.Context, requestID common.Hash, value *big.Int) (int, error) {
	n, err := b.rdb.RPush(ctx, fmt.Sprintf(responsesKeyFmt, requestID.Hex()), value.String()).Result()
	if err != nil {
		return 0, fmt.Errorf("append response: %w", err)
	}
	return int(n), nil
}
