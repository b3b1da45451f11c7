package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"

	presale "github.com/cgtlabs/go-presale"
)

func main() {
	cfg, err := presale.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration: %v", err)
	}

	ledger, err := presale.NewLedgerClient(cfg.RPCEndpoints, presale.NewLogger("ledger-rpc"))
	if err != nil {
		log.Fatalf("ledger client: %v", err)
	}
	rates, err := presale.NewRateTable(cfg.Window, cfg.Rates)
	if err != nil {
		log.Fatalf("rate table: %v", err)
	}

	mint := solana.MustPublicKeyFromBase58(cfg.MintAddress)
	receiver := solana.MustPublicKeyFromBase58(cfg.PaymentReceiver)

	disburser := presale.NewTreasuryDisburser(
		ledger,
		cfg.TreasuryKey(),
		mint,
		cfg.MinTransfer,
		cfg.MaxTransfer,
		cfg.AllowedRecipients,
		cfg.ConfirmTimeout,
		presale.NewLogger("treasury"),
	)
	builder := presale.NewTransactionBuilder(ledger, rates, receiver, presale.NewLogger("builder"))
	verifier := presale.NewPaymentVerifier(ledger, rates, receiver, disburser, cfg.ConfirmTimeout, presale.NewLogger("verifier"))

	logTreasuryBalance(ledger, disburser.Treasury(), mint)

	if cfg.TransferToken == "" {
		log.Printf("no %s configured; direct transfer endpoint disabled", presale.TransferTokenEnv)
	}
	handler := presale.NewServer(&presale.Server{
		Builder:       builder,
		Verifier:      verifier,
		Payout:        disburser,
		Ledger:        ledger,
		Rates:         rates,
		Mint:          mint,
		Logger:        presale.NewLogger("http"),
		TransferToken: cfg.TransferToken,
	})

	addr := fmt.Sprintf(":%d", cfg.ListenPort)
	log.Printf("presale API listening at http://localhost%s", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}

// logTreasuryBalance is an informational startup self-check; failures here do
// not stop the process.
func logTreasuryBalance(ledger presale.Ledger, treasury, mint solana.PublicKey) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	balance, err := ledger.TokenBalance(ctx, treasury, mint)
	if err != nil {
		log.Printf("treasury balance check failed: %v", err)
		return
	}
	log.Printf("treasury %s holds %s reward tokens", treasury, balance)
}
