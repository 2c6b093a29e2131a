// cmd/refunds lists deposits that reached a vault treasury but were refused
// because the vault was full, and optionally pays them back.
//
// Without --execute it only prints what would be refunded. With --execute
// each listed deposit is returned to its sender from the vault treasury and
// marked refunded in the ledger.
//
// Usage:
//
//	go run ./cmd/refunds/                       # dry run
//	go run ./cmd/refunds/ --execute             # refund everything listed
//	go run ./cmd/refunds/ --execute --tx 0x...  # refund one deposit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stratafi/vault-engine/internal/bootstrap"
	"github.com/stratafi/vault-engine/internal/chain"
	"github.com/stratafi/vault-engine/internal/config"
	"github.com/stratafi/vault-engine/internal/store"
	"github.com/stratafi/vault-engine/internal/vault"
)

func main() {
	execute := flag.Bool("execute", false, "Send the refunds (default is a dry run)")
	only := flag.String("tx", "", "Only handle the deposit with this transaction hash")
	limit := flag.Int("limit", 100, "Maximum deposits to handle")
	flag.Parse()

	log, _ := zap.NewDevelopment()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	st, err := bootstrap.OpenStore(ctx, cfg.Database, log)
	if err != nil {
		fatalf("open store: %v", err)
	}
	defer st.Close() //nolint:errcheck

	onchain, err := chain.Dial(cfg)
	if err != nil {
		fatalf("dial chain: %v", err)
	}
	tr, keys, err := bootstrap.NewTreasury(ctx, cfg, onchain, log)
	if err != nil {
		fatalf("treasury: %v", err)
	}
	defer keys.Close() //nolint:errcheck

	vo, err := bootstrap.VaultOptions(cfg)
	if err != nil {
		fatalf("vault settings: %v", err)
	}
	svc := vault.New(st, onchain, tr, vo, log)

	rejected, err := svc.RejectedDeposits(ctx, *limit)
	if err != nil {
		fatalf("list rejected deposits: %v", err)
	}
	rejected = filter(rejected, *only)
	if len(rejected) == 0 {
		fmt.Println("nothing to refund")
		return
	}

	failed := 0
	for i, rec := range rejected {
		fmt.Printf("[%d/%d] %s  vault=%s  user=%s  amount=%s\n",
			i+1, len(rejected), rec.Signature, rec.VaultID, rec.UserAddress, rec.Amount)
		if !*execute {
			continue
		}
		res, err := svc.Refund(ctx, rec.Signature)
		switch {
		case errors.Is(err, vault.ErrDisbursementPending):
			fmt.Printf("      pending: %s (the server's reconciler will finish it)\n", res.TxSignature)
		case err != nil:
			fmt.Printf("      FAILED: %v\n", err)
			failed++
		default:
			fmt.Printf("      refunded: %s ✓\n", res.TxSignature)
		}
	}

	if !*execute {
		fmt.Printf("\n%d deposit(s) would be refunded; rerun with --execute\n", len(rejected))
		return
	}
	if failed > 0 {
		fatalf("%d refund(s) failed", failed)
	}
}

func filter(recs []store.TxRecord, sig string) []store.TxRecord {
	if sig == "" {
		return recs
	}
	for _, r := range recs {
		if strings.EqualFold(r.Signature, sig) {
			return []store.TxRecord{r}
		}
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
