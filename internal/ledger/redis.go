// Package ledger provides the broker's view of the token ledger. The
// production ledger lives elsewhere; this Redis-backed implementation keeps
// balances for deployments that colocate the ledger with the broker, and for
// tests.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

var ErrInsufficientBalance = errors.New("insufficient token balance")

const balanceKeyFmt = "token:balance:%s" // %s = account address (checksummed)

// Redis is a token ledger holding account balances as decimal strings.
type Redis struct {
	rdb *redis.Client
	mu  sync.Mutex
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Transfer moves amount from one account to another. Fails without side
// effects when the source balance is short.
func (l *Redis) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("negative transfer amount %s", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	src, err := l.balance(ctx, from)
	if err != nil {
		return err
	}
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, transfer %s", ErrInsufficientBalance, from.Hex(), src, amount)
	}
	dst, err := l.balance(ctx, to)
	if err != nil {
		return err
	}

	src.Sub(src, amount)
	dst.Add(dst, amount)
	if err := l.rdb.Set(ctx, balanceKey(from), src.String(), 0).Err(); err != nil {
		return fmt.Errorf("debit %s: %w", from.Hex(), err)
	}
	if err := l.rdb.Set(ctx, balanceKey(to), dst.String(), 0).Err(); err != nil {
		return fmt.Errorf("credit %s: %w", to.Hex(), err)
	}
	return nil
}

// BalanceOf returns the balance of an account; zero for unknown accounts.
func (l *Redis) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(ctx, addr)
}

// Mint credits new tokens to an account. Setup/testing surface only.
func (l *Redis) Mint(ctx context.Context, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, err := l.balance(ctx, to)
	if err != nil {
		return err
	}
	bal.Add(bal, amount)
	return l.rdb.Set(ctx, balanceKey(to), bal.String(), 0).Err()
}

func (l *Redis) balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	s, err := l.rdb.Get(ctx, balanceKey(addr)).Result()
	if err == redis.Nil {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load balance %s: %w", addr.Hex(), err)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt balance %q for %s", s, addr.Hex())
	}
	return v, nil
}

func balanceKey(addr common.Address) string {
	return fmt.Sprintf(balanceKeyFmt, addr.Hex())
}
