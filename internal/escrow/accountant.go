package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrInsufficientPayment = errors.New("deposit below expected total fee")
	ErrEscrowExhausted     = errors.New("release would overdraw escrow")
	ErrUnauthorized        = errors.New("caller is not the administrator")
)

// Ledger is the token ledger the broker settles against. Implementations
// move real balances; the accountant only tracks what portion of the
// broker's balance is spoken for.
type Ledger interface {
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
}

// Redis key templates
const (
	remainingKeyFmt = "escrow:remaining:%s" // %s = request id (hex)
	lockedKey       = "escrow:locked"       // total escrow across open requests
)

// Accountant validates deposits and tracks per-request escrow balances.
// All token movement out of the broker account goes through Release or
// Withdraw, so escrowRemaining can never go negative and withdrawals can
// never touch locked funds.
type Accountant struct {
	rdb    *redis.Client
	ledger Ledger
	broker common.Address
	admin  common.Address
	mu     sync.Mutex
	log    *zap.Logger
}

func NewAccountant(rdb *redis.Client, ledger Ledger, broker, admin common.Address, log *zap.Logger) *Accountant {
	return &Accountant{rdb: rdb, ledger: ledger, broker: broker, admin: admin, log: log}
}

// Accept validates a deposit against the expected total and returns the
// excess owed back to the depositor. Pure — no state is touched, so a
// failing submit has nothing to roll back.
func (a *Accountant) Accept(deposit, expectedTotal *big.Int) (*big.Int, error) {
	if deposit.Cmp(expectedTotal) < 0 {
		return nil, fmt.Errorf("%w: got %s want %s", ErrInsufficientPayment, deposit, expectedTotal)
	}
	return new(big.Int).Sub(deposit, expectedTotal), nil
}

// Open records the full deposit as escrow for a new request.
func (a *Accountant) Open(ctx context.Context, requestID common.Hash, amount *big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := fmt.Sprintf(remainingKeyFmt, requestID.Hex())
	if err := a.rdb.Set(ctx, key, amount.String(), 0).Err(); err != nil {
		return fmt.Errorf("open escrow: %w", err)
	}
	return a.addLocked(ctx, amount)
}

// Remaining returns the escrow still held for a request; zero if none.
func (a *Accountant) Remaining(ctx context.Context, requestID common.Hash) (*big.Int, error) {
	s, err := a.rdb.Get(ctx, fmt.Sprintf(remainingKeyFmt, requestID.Hex())).Result()
	if err == redis.Nil {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load escrow: %w", err)
	}
	return parseAmount(s)
}

// Release pays amount out of a request's escrow to a party. Used for excess
// refunds, provider fees on fulfilment, and cancellation refunds.
func (a *Accountant) Release(ctx context.Context, requestID common.Hash, amount *big.Int, to common.Address) error {
	if amount.Sign() == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	remaining, err := a.Remaining(ctx, requestID)
	if err != nil {
		return err
	}
	if amount.Cmp(remaining) > 0 {
		return fmt.Errorf("%w: release %s remaining %s", ErrEscrowExhausted, amount, remaining)
	}

	if err := a.ledger.Transfer(ctx, a.broker, to, amount); err != nil {
		return fmt.Errorf("escrow transfer: %w", err)
	}

	left := new(big.Int).Sub(remaining, amount)
	key := fmt.Sprintf(remainingKeyFmt, requestID.Hex())
	if err := a.rdb.Set(ctx, key, left.String(), 0).Err(); err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	return a.addLocked(ctx, new(big.Int).Neg(amount))
}

// Withdraw moves residual broker balance to the administrator's chosen
// account. Locked escrow is untouchable.
func (a *Accountant) Withdraw(ctx context.Context, initiator, to common.Address, amount *big.Int) error {
	if initiator != a.admin {
		return ErrUnauthorized
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	balance, err := a.ledger.BalanceOf(ctx, a.broker)
	if err != nil {
		return fmt.Errorf("broker balance: %w", err)
	}
	locked, err := a.totalLocked(ctx)
	if err != nil {
		return err
	}
	free := new(big.Int).Sub(balance, locked)
	if amount.Cmp(free) > 0 {
		return fmt.Errorf("%w: withdraw %s free %s", ErrEscrowExhausted, amount, free)
	}
	if err := a.ledger.Transfer(ctx, a.broker, to, amount); err != nil {
		return fmt.Errorf("withdraw transfer: %w", err)
	}
	a.log.Info("residual balance withdrawn",
		zap.String("to", to.Hex()),
		zap.String("amount", amount.String()),
	)
	return nil
}

func (a *Accountant) totalLocked(ctx context.Context) (*big.Int, error) {
	s, err := a.rdb.Get(ctx, lockedKey).Result()
	if err == redis.Nil {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load locked total: %w", err)
	}
	return parseAmount(s)
}

func (a *Accountant) addLocked(ctx context.Context, delta *big.Int) error {
	locked, err := a.totalLocked(ctx)
	if err != nil {
		return err
	}
	locked.Add(locked, delta)
	if err := a.rdb.Set(ctx, lockedKey, locked.String(), 0).Err(); err != nil {
		return fmt.Errorf("update locked total: %w", err)
	}
	return nil
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt amount %q", s)
	}
	return v, nil
}
