package broker

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quorumgrid/aggbroker/internal/agreement"
	"github.com/quorumgrid/aggbroker/internal/escrow"
	"github.com/quorumgrid/aggbroker/internal/ledger"
)

var (
	adminAddr  = common.HexToAddress("0xada0000000000000000000000000000000000001")
	ledgerAddr = common.HexToAddress("0x1ed6000000000000000000000000000000000001")
	escrowAddr = common.HexToAddress("0xe5c0000000000000000000000000000000000001")
	callerAddr = common.HexToAddress("0xca11000000000000000000000000000000000001")

	providerA = common.HexToAddress("0x1111111111111111111111111111111111111111")
	providerB = common.HexToAddress("0x2222222222222222222222222222222222222222")
	providerC = common.HexToAddress("0x3333333333333333333333333333333333333333")
	providerD = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

// recordingSink counts deliveries so tests can assert the callback fired
// exactly once.
type recordingSink struct {
	mu        sync.Mutex
	calls     int
	lastValue *big.Int
	fail      bool
}

func (s *recordingSink) Deliver(_ context.Context, _ common.Address, _ common.Hash, _ string, value *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return context.DeadlineExceeded
	}
	s.calls += 1
	s.lastValue = new(big.Int).Set(value)
	return nil
}

func (s *recordingSink) snapshot() (int, *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.lastValue
}

type fixture struct {
	rdb      *redis.Client
	led      *ledger.Redis
	registry *agreement.Registry
	acct     *escrow.Accountant
	sink     *recordingSink
	brk      *Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	led := ledger.NewRedis(rdb)
	registry := agreement.NewRegistry(rdb, adminAddr, zap.NewNop())
	acct := escrow.NewAccountant(rdb, led, escrowAddr, adminAddr, zap.NewNop())
	sink := &recordingSink{}
	brk := New(rdb, registry, acct, sink, NewQueueNotifier(rdb), ledgerAddr,
		5*time.Minute, TieBreakLower, zap.NewNop())
	return &fixture{rdb: rdb, led: led, registry: registry, acct: acct, sink: sink, brk: brk}
}

// createAgreement registers an agreement over the first len(fees) fixed
// providers.
func (f *fixture) createAgreement(t *testing.T, minResponses int, fees ...int64) common.Hash {
	t.Helper()
	all := []common.Address{providerA, providerB, providerC, providerD}
	providers := all[:len(fees)]
	jobSpecs := make([]string, len(fees))
	feeVals := make([]*big.Int, len(fees))
	for i, fee := range fees {
		jobSpecs[i] = "job"
		feeVals[i] = big.NewInt(fee)
	}
	id, err := f.registry.Create(context.Background(), adminAddr, minResponses, providers, jobSpecs, feeVals)
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	return id
}

// submit funds the escrow account with the deposit (standing in for the
// ledger's transfer that precedes the hook) and dispatches the request.
func (f *fixture) submit(t *testing.T, agreementID common.Hash, amount int64, nonce uint64) common.Hash {
	t.Helper()
	ctx := context.Background()
	if err := f.led.Mint(ctx, escrowAddr, big.NewInt(amount)); err != nil {
		t.Fatalf("fund escrow: %v", err)
	}
	id, err := f.brk.Submit(ctx, agreementID, big.NewInt(amount), callerAddr, nonce, "cb:v1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return id
}

func (f *fixture) respond(t *testing.T, requestID common.Hash, slot int, value int64, responder common.Address) error {
	t.Helper()
	return f.brk.Receive(context.Background(), requestID, SubRequestID(requestID, slot), big.NewInt(value), responder)
}

func (f *fixture) balance(t *testing.T, addr common.Address) *big.Int {
	t.Helper()
	bal, err := f.led.BalanceOf(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	return bal
}

func (f *fixture) activeRequests(t *testing.T, agreementID common.Hash) int64 {
	t.Helper()
	ag, err := f.registry.Get(context.Background(), agreementID)
	if err != nil {
		t.Fatal(err)
	}
	return ag.ActiveRequests
}
