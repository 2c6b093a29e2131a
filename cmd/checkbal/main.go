// cmd/checkbal prints each vault treasury's on-chain token balance next to
// the ledger's TVL, so an operator can see whether a treasury could pay out
// every deposit it holds.
//
// Usage:
//
//	go run ./cmd/checkbal/ [--vault stable]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/stratafi/vault-engine/internal/bootstrap"
	"github.com/stratafi/vault-engine/internal/chain"
	"github.com/stratafi/vault-engine/internal/config"
)

func main() {
	only := flag.String("vault", "", "Only report this vault ID")
	flag.Parse()

	log := zap.NewNop()
	cfg, err := config.Load()
	if err != nil {
		fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
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

	vaults, err := st.ListVaults(ctx)
	if err != nil {
		fatalf("list vaults: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VAULT\tTREASURY\tBALANCE\tTVL\tSIGNER\tSTATUS")
	short := 0
	for _, v := range vaults {
		if *only != "" && v.ID != *only {
			continue
		}
		_, signer := keys.Vaults[v.ID]
		bal, err := tr.Balance(ctx, v.ID)
		if err != nil {
			fmt.Fprintf(w, "%s\t%s\t?\t%s\t%t\terror: %v\n", v.ID, v.TreasuryAddress, v.TVL, signer, err)
			short++
			continue
		}
		status := "ok"
		if bal.LessThan(v.TVL) {
			status = "UNDERFUNDED by " + v.TVL.Sub(bal).String()
			short++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", v.ID, v.TreasuryAddress, bal, v.TVL, signer, status)
	}
	w.Flush() //nolint:errcheck

	if keys.Rewards != nil {
		raw, err := onchain.BalanceOf(ctx, keys.Rewards.Address())
		if err != nil {
			fatalf("rewards balance: %v", err)
		}
		fmt.Printf("\nrewards %s: %s\n", keys.Rewards.Address().Hex(), chain.FromBaseUnits(raw, cfg.Chain.TokenDecimals))
	}
	if short > 0 {
		os.Exit(2)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
