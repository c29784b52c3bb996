// checkbal prints an account's token balance and pending queue depths
// straight from the broker's Redis. Operator convenience tool.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/quorumgrid/aggbroker/internal/ledger"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: checkbal <address> [redis-addr]")
		os.Exit(1)
	}
	addr := common.HexToAddress(os.Args[1])
	redisAddr := "localhost:6379"
	if len(os.Args) > 2 {
		redisAddr = os.Args[2]
	}

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	led := ledger.NewRedis(rdb)

	bal, err := led.BalanceOf(ctx, addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "balance: %v\n", err)
		os.Exit(1)
	}
	jobs, _ := rdb.LLen(ctx, "provider:queue:"+addr.Hex()).Result()
	callbacks, _ := rdb.LLen(ctx, "callback:queue:"+addr.Hex()).Result()

	fmt.Printf("balance:    %s\n", bal)
	fmt.Printf("jobs:       %d pending\n", jobs)
	fmt.Printf("callbacks:  %d pending\n", callbacks)
}
