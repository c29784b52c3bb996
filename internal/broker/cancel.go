package broker

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Cancel reclaims the escrowed fee of one sub-request whose provider never
// answered within the expiration window. Only the originating caller may
// cancel. The slot becomes permanently inert; the request itself stays open
// unless the cancellation makes quorum provably unreachable, in which case
// the whole request is cancelled and residual escrow returned.
func (b *Broker) Cancel(ctx context.Context, requestID, subRequestID common.Hash, initiator common.Address) error {
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
	if initiator != req.Caller {
		return fmt.Errorf("%w: got %s want %s", ErrUnauthorized, initiator.Hex(), req.Caller.Hex())
	}

	slot := req.SubRequests[idx]
	if slot.Fulfilled || slot.Cancelled {
		return fmt.Errorf("%w: sub-request already resolved", ErrNotExpired)
	}
	if b.now().Unix() < slot.CreatedAt+int64(b.window.Seconds()) {
		return fmt.Errorf("%w: window is %s", ErrNotExpired, b.window)
	}

	if err := b.escrow.Release(ctx, requestID, slot.Fee, req.Caller); err != nil {
		return err
	}
	if err := b.markCancelled(ctx, requestID, idx); err != nil {
		return err
	}
	b.log.Info("sub-request cancelled",
		zap.String("request", requestID.Hex()),
		zap.String("sub_request", subRequestID.Hex()),
	)

	if req.State != StateOpen {
		return nil
	}

	// Quorum is unreachable when the recorded responses plus every slot that
	// could still answer cannot reach M.
	live := 0
	for i, s := range req.SubRequests {
		if i == idx || s.Fulfilled || s.Cancelled {
			continue
		}
		live++
	}
	if len(req.Responses)+live >= req.MinResponses {
		return nil
	}

	if err := b.setState(ctx, requestID, StateCancelled); err != nil {
		return err
	}
	if err := b.registry.DecrActive(ctx, req.AgreementID); err != nil {
		b.log.Error("decrement active count",
			zap.String("agreement", req.AgreementID.Hex()),
			zap.Error(err),
		)
	}
	residual, err := b.escrow.Remaining(ctx, requestID)
	if err != nil {
		return err
	}
	if residual.Sign() > 0 {
		if err := b.escrow.Release(ctx, requestID, residual, req.Caller); err != nil {
			return err
		}
	}
	b.log.Info("request cancelled: quorum unreachable",
		zap.String("request", requestID.Hex()),
		zap.String("residual", residual.String()),
	)
	return nil
}
