// Package broker implements the quorum request-aggregation core: dispatch of
// one deposit into N provider sub-requests, collection of responses until
// quorum, exactly-once delivery of the median, and timeout-based
// cancellation of dead slots.
package broker

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quorumgrid/aggbroker/internal/agreement"
	"github.com/quorumgrid/aggbroker/internal/escrow"
)

// Broker ties the agreement registry, escrow accountant and request store
// together. Every entry point is safe under concurrent invocation; all
// mutations of one request run under its keyed lock.
type Broker struct {
	rdb       *redis.Client
	registry  *agreement.Registry
	escrow    *escrow.Accountant
	callbacks CallbackSink
	jobs      ProviderNotifier
	ledger    common.Address // recognized ledger identity for deposits
	window    time.Duration  // sub-request expiration window
	tieBreak  TieBreak
	locks     requestLocks
	now       func() time.Time
	log       *zap.Logger
}

func New(
	rdb *redis.Client,
	registry *agreement.Registry,
	accountant *escrow.Accountant,
	callbacks CallbackSink,
	jobs ProviderNotifier,
	ledger common.Address,
	window time.Duration,
	tieBreak TieBreak,
	log *zap.Logger,
) *Broker {
	return &Broker{
		rdb:       rdb,
		registry:  registry,
		escrow:    accountant,
		callbacks: callbacks,
		jobs:      jobs,
		ledger:    ledger,
		window:    window,
		tieBreak:  tieBreak,
		now:       time.Now,
		log:       log,
	}
}

// requestLocks hands out one mutex per request id so the quorum check and
// the finalize side effect form a single critical section. Two responses
// arriving "simultaneously" can never both observe themselves as the M-th.
type requestLocks struct {
	mu sync.Mutex
	m  map[common.Hash]*sync.Mutex
}

func (l *requestLocks) lock(id common.Hash) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[common.Hash]*sync.Mutex)
	}
	rm, ok := l.m[id]
	if !ok {
		rm = &sync.Mutex{}
		l.m[id] = rm
	}
	l.mu.Unlock()

	rm.Lock()
	return rm.Unlock
}
