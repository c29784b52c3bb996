package broker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

// The canonical quorum scenario: N=4, fees 1 each, M=3, deposit 4.
// Responses [100, 101, 102] finalize at median 101; a late 103 changes
// nothing.
func TestReceive_QuorumFinalizesOnMedian(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agID := f.createAgreement(t, 3, 1, 1, 1, 1)
	reqID := f.submit(t, agID, 4, 1)

	if err := f.respond(t, reqID, 0, 100, providerA); err != nil {
		t.Fatalf("response 1: %v", err)
	}
	if err := f.respond(t, reqID, 1, 101, providerB); err != nil {
		t.Fatalf("response 2: %v", err)
	}
	if calls, _ := f.sink.snapshot(); calls != 0 {
		t.Fatal("callback fired before quorum")
	}

	if err := f.respond(t, reqID, 2, 102, providerC); err != nil {
		t.Fatalf("response 3: %v", err)
	}

	req, err := f.brk.loadRequest(ctx, reqID)
	if err != nil {
		t.Fatal(err)
	}
	if req.State != StateFinalized {
		t.Fatalf("state: got %s want finalized", req.State)
	}
	if req.FinalValue == nil || req.FinalValue.Cmp(big.NewInt(101)) != 0 {
		t.Fatalf("final value: got %v want 101", req.FinalValue)
	}
	calls, last := f.sink.snapshot()
	if calls != 1 {
		t.Fatalf("callback calls: got %d want 1", calls)
	}
	if last.Cmp(big.NewInt(101)) != 0 {
		t.Fatalf("callback value: got %s want 101", last)
	}
	if got := f.activeRequests(t, agID); got != 0 {
		t.Errorf("active requests after finalize: got %d want 0", got)
	}

	// Each responding provider was paid its fee out of escrow.
	for _, p := range []common.Address{providerA, providerB, providerC} {
		if bal := f.balance(t, p); bal.Cmp(big.NewInt(1)) != 0 {
			t.Errorf("provider %s payment: got %s want 1", p.Hex(), bal)
		}
	}
}

func TestReceive_LateResponseHasNoEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agID := f.createAgreement(t, 3, 1, 1, 1, 1)
	reqID := f.submit(t, agID, 4, 1)
	f.respond(t, reqID, 0, 100, providerA) //nolint:errcheck
	f.respond(t, reqID, 1, 101, providerB) //nolint:errcheck
	f.respond(t, reqID, 2, 102, providerC) //nolint:errcheck

	// The 4th response is accepted (no error) but changes nothing.
	if err := f.respond(t, reqID, 3, 103, providerD); err != nil {
		t.Fatalf("late response rejected: %v", err)
	}

	req, _ := f.brk.loadRequest(ctx, reqID)
	if req.FinalValue.Cmp(big.NewInt(101)) != 0 {
		t.Fatalf("final value changed: got %s want 101", req.FinalValue)
	}
	if calls, _ := f.sink.snapshot(); calls != 1 {
		t.Fatalf("callback re-fired: %d calls", calls)
	}
	if len(req.Responses) != 3 {
		t.Errorf("responses: got %d want 3 (late arrival excluded)", len(req.Responses))
	}
	// Late responder is not paid; its slot stays reclaimable.
	if bal := f.balance(t, providerD); bal.Sign() != 0 {
		t.Errorf("late provider paid: %s", bal)
	}
	if req.SubRequests[3].Fulfilled {
		t.Error("late slot marked fulfilled")
	}
}

func TestReceive_WrongOrigin(t *testing.T) {
	f := newFixture(t)

	agID := f.createAgreement(t, 1, 1, 1)
	reqID := f.submit(t, agID, 2, 1)

	// providerB answers on providerA's slot.
	err := f.respond(t, reqID, 0, 100, providerB)
	if !errors.Is(err, ErrWrongOrigin) {
		t.Fatalf("expected ErrWrongOrigin, got %v", err)
	}

	req, _ := f.brk.loadRequest(context.Background(), reqID)
	if len(req.Responses) != 0 {
		t.Error("rejected response was recorded")
	}
}

func TestReceive_UnknownRequest(t *testing.T) {
	f := newFixture(t)

	err := f.brk.Receive(context.Background(),
		common.HexToHash("0xdead"), common.HexToHash("0xbeef"), big.NewInt(1), providerA)
	if !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestReceive_UnknownSubRequest(t *testing.T) {
	f := newFixture(t)

	agID := f.createAgreement(t, 1, 1)
	reqID := f.submit(t, agID, 1, 1)

	err := f.brk.Receive(context.Background(), reqID, common.HexToHash("0xbeef"), big.NewInt(1), providerA)
	if !errors.Is(err, ErrUnknownSubRequest) {
		t.Fatalf("expected ErrUnknownSubRequest, got %v", err)
	}
}

func TestReceive_DuplicateResponseIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agID := f.createAgreement(t, 2, 1, 1)
	reqID := f.submit(t, agID, 2, 1)

	if err := f.respond(t, reqID, 0, 100, providerA); err != nil {
		t.Fatal(err)
	}
	if err := f.respond(t, reqID, 0, 999, providerA); err != nil {
		t.Fatalf("duplicate response: %v", err)
	}

	req, _ := f.brk.loadRequest(ctx, reqID)
	if len(req.Responses) != 1 {
		t.Fatalf("responses: got %d want 1", len(req.Responses))
	}
	// No double payment.
	if bal := f.balance(t, providerA); bal.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("provider paid twice: balance %s", bal)
	}
}

func TestReceive_CallbackQueuePayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Wire the real queue sink instead of the recorder.
	f.brk.callbacks = NewQueueSink(f.rdb)

	agID := f.createAgreement(t, 1, 1)
	reqID := f.submit(t, agID, 1, 1)
	if err := f.respond(t, reqID, 0, 42, providerA); err != nil {
		t.Fatal(err)
	}

	key := fmt.Sprintf(callbackQueueKeyFmt, callerAddr.Hex())
	raw, err := f.rdb.LPop(ctx, key).Result()
	if err != nil {
		t.Fatalf("callback queue empty: %v", err)
	}
	for _, want := range []string{reqID.Hex(), "cb:v1", "42"} {
		if !strings.Contains(raw, want) {
			t.Errorf("callback payload %q missing %q", raw, want)
		}
	}
}

func TestReceive_DeliveryFailureStaysFinalized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sink.fail = true

	agID := f.createAgreement(t, 1, 1)
	reqID := f.submit(t, agID, 1, 1)
	if err := f.respond(t, reqID, 0, 42, providerA); err != nil {
		t.Fatalf("receive: %v", err)
	}

	req, _ := f.brk.loadRequest(ctx, reqID)
	if req.State != StateFinalized {
		t.Fatalf("state: got %s want finalized despite delivery failure", req.State)
	}
	// The failure is surfaced on the caller's error channel, not retried.
	n, _ := f.rdb.LLen(ctx, fmt.Sprintf(callbackErrKeyFmt, callerAddr.Hex())).Result()
	if n != 1 {
		t.Fatalf("error channel depth: got %d want 1", n)
	}
}

func TestReceive_MeanTieBreak(t *testing.T) {
	f := newFixture(t)
	f.brk.tieBreak = TieBreakMean

	agID := f.createAgreement(t, 2, 1, 1)
	reqID := f.submit(t, agID, 2, 1)
	f.respond(t, reqID, 0, 100, providerA) //nolint:errcheck
	f.respond(t, reqID, 1, 104, providerB) //nolint:errcheck

	req, _ := f.brk.loadRequest(context.Background(), reqID)
	if req.FinalValue.Cmp(big.NewInt(102)) != 0 {
		t.Fatalf("mean tie-break: got %s want 102", req.FinalValue)
	}
}

func TestReceive_ConcurrentArrivalsFinalizeOnce(t *testing.T) {
	f := newFixture(t)

	agID := f.createAgreement(t, 2, 1, 1, 1, 1)
	reqID := f.submit(t, agID, 4, 1)

	providers := []common.Address{providerA, providerB, providerC, providerD}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			f.brk.Receive(context.Background(), reqID, //nolint:errcheck
				SubRequestID(reqID, slot), big.NewInt(int64(100+slot)), providers[slot])
		}(i)
	}
	wg.Wait()

	calls, _ := f.sink.snapshot()
	if calls != 1 {
		t.Fatalf("callback calls under race: got %d want 1", calls)
	}
	req, _ := f.brk.loadRequest(context.Background(), reqID)
	if req.State != StateFinalized {
		t.Fatalf("state: got %s want finalized", req.State)
	}
	if len(req.Responses) != 2 {
		t.Fatalf("responses: got %d want 2 (quorum only)", len(req.Responses))
	}
}

