package broker

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// OnDeposit is the ledger's deposit-with-data hook. Only the recognized
// ledger identity may invoke it; the token transfer itself already happened
// on the ledger side before the hook fires.
func (b *Broker) OnDeposit(
	ctx context.Context,
	sender, from common.Address,
	amount *big.Int,
	data DepositData,
) (common.Hash, error) {
	if sender != b.ledger {
		return common.Hash{}, fmt.Errorf("%w: got %s", ErrWrongSender, sender.Hex())
	}
	return b.Submit(ctx, data.AgreementID, amount, from, data.Nonce, data.CallbackSelector)
}

// Submit turns one validated deposit into an open aggregation request with
// one sub-request per provider slot. Validation failures reject before any
// state is written; the replay check is a SetNX so check-and-create stays
// atomic under concurrent submissions of the same (caller, nonce).
func (b *Broker) Submit(
	ctx context.Context,
	agreementID common.Hash,
	amount *big.Int,
	caller common.Address,
	nonce uint64,
	callbackSelector string,
) (common.Hash, error) {
	ag, err := b.registry.Get(ctx, agreementID)
	if err != nil {
		return common.Hash{}, err
	}
	if ag.Empty() {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownAgreement, agreementID.Hex())
	}

	excess, err := b.escrow.Accept(amount, ag.TotalFee())
	if err != nil {
		return common.Hash{}, err
	}

	requestID := RequestID(caller, nonce)
	set, err := b.rdb.SetNX(ctx, fmt.Sprintf(replayKeyFmt, caller.Hex(), nonce), requestID.Hex(), 0).Result()
	if err != nil {
		return common.Hash{}, fmt.Errorf("replay check: %w", err)
	}
	if !set {
		return common.Hash{}, fmt.Errorf("%w: caller %s nonce %d", ErrReplayedNonce, caller.Hex(), nonce)
	}

	if err := b.escrow.Open(ctx, requestID, amount); err != nil {
		return common.Hash{}, err
	}
	if excess.Sign() > 0 {
		if err := b.escrow.Release(ctx, requestID, excess, caller); err != nil {
			return common.Hash{}, err
		}
	}

	now := b.now().Unix()
	req := &AggregationRequest{
		ID:               requestID,
		AgreementID:      agreementID,
		Caller:           caller,
		CallbackSelector: callbackSelector,
		MinResponses:     ag.MinResponses,
		State:            StateOpen,
		SubRequests:      make([]SubRequest, len(ag.Providers)),
	}
	for i, slot := range ag.Providers {
		req.SubRequests[i] = SubRequest{
			ID:        SubRequestID(requestID, i),
			Provider:  slot.Provider,
			JobSpec:   slot.JobSpec,
			Fee:       new(big.Int).Set(slot.Fee),
			CreatedAt: now,
		}
	}
	if err := b.storeRequest(ctx, req); err != nil {
		return common.Hash{}, err
	}
	if err := b.registry.IncrActive(ctx, agreementID); err != nil {
		return common.Hash{}, err
	}

	for _, s := range req.SubRequests {
		job := Job{
			RequestID:    requestID,
			SubRequestID: s.ID,
			AgreementID:  agreementID,
			JobSpec:      s.JobSpec,
			Fee:          s.Fee,
			Provider:     s.Provider,
		}
		if err := b.jobs.Notify(ctx, s.Provider, job); err != nil {
			// Provider silence is a tolerated outcome; the caller reclaims
			// the slot's escrow via Cancel after the window.
			b.log.Warn("provider notify failed",
				zap.String("request", requestID.Hex()),
				zap.String("provider", s.Provider.Hex()),
				zap.Error(err),
			)
		}
	}

	b.log.Info("request dispatched",
		zap.String("request", requestID.Hex()),
		zap.String("agreement", agreementID.Hex()),
		zap.String("caller", caller.Hex()),
		zap.Int("providers", len(req.SubRequests)),
	)
	return requestID, nil
}
