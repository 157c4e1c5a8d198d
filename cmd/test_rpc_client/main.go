package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	grpc_adapter "github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/in/grpc"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/out/identity"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	grpcpool "github.com/JoeShih716/go-wallet-ledger/pkg/grpc"
)

// 壓測 + 一致性檢查：
// 先以系統身分入帳給每個帳戶，再以各帳戶本人身分隨機互轉，最後確認總額不變
func main() {
	target := flag.String("target", "localhost:50051", "ledger gRPC address")
	secret := flag.String("secret", "", "JWT secret shared with the server")
	issuer := flag.String("issuer", "ledger", "JWT issuer")
	accounts := flag.Int("accounts", 20, "number of accounts")
	seed := flag.String("seed", "100", "initial balance per account (display units)")
	totalCount := flag.Int("count", 100000, "number of transfers")
	concurrency := flag.Int("concurrency", 200, "concurrent requests")
	flag.Parse()

	if *accounts < 2 {
		log.Fatalf("need at least 2 accounts, got %d", *accounts)
	}

	issuerSvc, err := identity.NewJWTResolver(*secret, *issuer)
	if err != nil {
		log.Fatalf("jwt: %v", err)
	}
	systemToken, err := issuerSvc.IssueToken("load-test", identity.RoleSystem, time.Hour)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	seedAmount, err := domain.ParseAmount(*seed)
	if err != nil {
		log.Fatalf("invalid seed amount %q: %v", *seed, err)
	}

	pool := grpcpool.NewPool(
		grpcpool.WithInterceptor(grpc_adapter.TokenInterceptor(systemToken)),
		grpcpool.WithDialOptions(grpc.WithDefaultCallOptions(grpc.WaitForReady(true))),
		grpcpool.WithKeepalive(30*time.Second, 5*time.Second),
	)
	defer pool.Close()
	conn, err := pool.GetConnection(*target)
	if err != nil {
		log.Fatalf("did not connect: %v", err)
	}
	c := grpc_adapter.NewLedgerServiceClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	// 扣款與轉出只接受帳戶本人，每個帳戶各發一張 token
	ids := make([]string, *accounts)
	owners := make([]context.Context, *accounts)
	for i := range ids {
		ids[i] = fmt.Sprintf("load-%03d", i)
		userToken, err := issuerSvc.IssueToken(ids[i], "", time.Hour)
		if err != nil {
			log.Fatalf("issue token for %s: %v", ids[i], err)
		}
		owners[i] = grpc_adapter.WithToken(ctx, userToken)
		if _, err := c.Credit(ctx, ids[i], seedAmount, "load test seed", "seed-"+ids[i]); err != nil {
			log.Fatalf("seed %s: %v", ids[i], err)
		}
	}
	before := totalBalance(owners, c, ids)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		rejected  atomic.Int64
		failed    atomic.Int64
	)
	sem := make(chan struct{}, *concurrency)
	startTime := time.Now()

	for i := 0; i < *totalCount; i++ {
		sem <- struct{}{}
		wg.Add(1)

		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			from := rand.IntN(len(ids))
			to := (from + 1 + rand.IntN(len(ids)-1)) % len(ids)
			amount := int64(1 + rand.IntN(int(domain.CurrencyScale)))

			_, err := c.Transfer(owners[from], ids[from], ids[to], amount, "load test", uuid.NewString())
			switch status.Code(err) {
			case codes.OK:
				succeeded.Add(1)
			case codes.FailedPrecondition:
				rejected.Add(1)
			default:
				failed.Add(1)
				if idx%10000 == 0 {
					log.Printf("Transfer %d failed: %v", idx, err)
				}
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(startTime)

	after := totalBalance(owners, c, ids)
	fmt.Printf("Completed %d requests in %v\n", *totalCount, elapsed)
	fmt.Printf("TPS: %.2f\n", float64(*totalCount)/elapsed.Seconds())
	fmt.Printf("succeeded=%d insufficient_funds=%d failed=%d\n", succeeded.Load(), rejected.Load(), failed.Load())
	fmt.Printf("total before=%s after=%s\n", domain.FormatAmount(before), domain.FormatAmount(after))
	if before != after {
		log.Fatalf("money was created or destroyed: %d != %d", before, after)
	}
}

func totalBalance(owners []context.Context, c *grpc_adapter.LedgerServiceClient, ids []string) int64 {
	var total int64
	for i, id := range ids {
		res, err := c.GetBalance(owners[i], id)
		if err != nil {
			log.Fatalf("balance %s: %v", id, err)
		}
		raw, _ := res["balance"].(string)
		var n int64
		if _, err := fmt.Sscan(raw, &n); err != nil {
			log.Fatalf("balance %s: unexpected value %v", id, res["balance"])
		}
		total += n
	}
	return total
}
