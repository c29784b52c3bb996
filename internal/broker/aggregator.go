package broker

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Receive collects one provider response. On the call that brings the count
// to exactly MinResponses it computes the median of those first M values,
// marks the request finalized and delivers the result to the caller — once.
// Responses arriving after a terminal state are recorded for bookkeeping and
// have no further effect.
func (b *Broker) Receive(
	ctx context.Context,
	requestID, subRequestID common.Hash,
	value *big.Int,
	responder common.Address,
) error {
	unlock := b.locks.lock(requestID)
	defer unlock()

	req, err := b.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID.Hex())
	}
	idx, err := b.subIndex(ctx, requestID, subRequestID)
	if err != nil {
		return err
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSubRequest, subRequestID.Hex())
	}
	slot := req.SubRequests[idx]

	if slot.Cancelled {
		return fmt.Errorf("%w: sub-request was cancelled", ErrWrongOrigin)
	}
	if responder != slot.Provider {
		return fmt.Errorf("%w: got %s want %s", ErrWrongOrigin, responder.Hex(), slot.Provider.Hex())
	}

	if req.State != StateOpen {
		// Terminal request: success with no effect on the final value.
		if err := b.recordLateResponse(ctx, requestID, idx, value); err != nil {
			return err
		}
		b.log.Debug("late response recorded",
			zap.String("request", requestID.Hex()),
			zap.String("sub_request", subRequestID.Hex()),
		)
		return nil
	}
	if slot.Fulfilled {
		// Duplicate response on an open request: idempotent no-op, the
		// provider was already paid for this slot.
		return nil
	}

	// Consume the slot's fee: pay the provider out of escrow.
	if err := b.escrow.Release(ctx, requestID, slot.Fee, slot.Provider); err != nil {
		return err
	}
	if err := b.markFulfilled(ctx, requestID, idx, value); err != nil {
		return err
	}
	count, err := b.appendResponse(ctx, requestID, value)
	if err != nil {
		return err
	}

	if count != req.MinResponses {
		return nil
	}

	// Quorum reached on this call. Later arrivals are deliberately excluded
	// from the statistic so the result is available as soon as M answered.
	final := Median(append(req.Responses, value), b.tieBreak)
	if err := b.setFinalValue(ctx, requestID, final); err != nil {
		return err
	}
	if err := b.registry.DecrActive(ctx, req.AgreementID); err != nil {
		b.log.Error("decrement active count",
			zap.String("agreement", req.AgreementID.Hex()),
			zap.Error(err),
		)
	}

	b.log.Info("request finalized",
		zap.String("request", requestID.Hex()),
		zap.String("value", final.String()),
		zap.Int("quorum", req.MinResponses),
	)
	b.deliver(ctx, req, final)
	return nil
}

// deliver invokes the caller's callback exactly once. Best effort: a failed
// delivery leaves the request finalized and is surfaced on the caller's
// error channel, never retried.
func (b *Broker) deliver(ctx context.Context, req *AggregationRequest, value *big.Int) {
	if err := b.callbacks.Deliver(ctx, req.Caller, req.ID, req.CallbackSelector, value); err != nil {
		b.log.Error("final callback delivery failed",
			zap.String("request", req.ID.Hex()),
			zap.String("caller", req.Caller.Hex()),
			zap.Error(err),
		)
		b.pushCallbackError(ctx, req.Caller, req.ID, err)
	}
}
