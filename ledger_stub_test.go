package presale

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Shared fixtures. Wallets are fresh per test binary run; only their shape matters.
var (
	testUSDCMint = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	testReceiver = solana.NewWallet().PublicKey()
)

// roundTripFunc adapts a function into an http.RoundTripper for fake clients.
type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// stubLedger is a configurable in-memory Ledger for pipeline tests.
type stubLedger struct {
	mu sync.Mutex

	blockhash    solana.Hash
	blockhashErr error

	missingAccounts map[string]bool
	accountErr      error

	decimals    uint8
	decimalsErr error

	nativeBalance uint64
	tokenBalance  decimal.Decimal

	sendSig solana.Signature
	sendErr error
	sent    []*solana.Transaction

	confirmOutcome ConfirmationOutcome
	confirmErr     error
	confirmCalls   int

	landed   *LandedTransaction
	fetchErr error
}

var _ Ledger = (*stubLedger)(nil)

func (s *stubLedger) LatestBlockhash(context.Context) (solana.Hash, error) {
	return s.blockhash, s.blockhashErr
}

func (s *stubLedger) AccountExists(_ context.Context, account solana.PublicKey) (bool, error) {
	if s.accountErr != nil {
		return false, s.accountErr
	}
	return !s.missingAccounts[account.String()], nil
}

func (s *stubLedger) MintDecimals(context.Context, solana.PublicKey) (uint8, error) {
	if s.decimalsErr != nil {
		return 0, s.decimalsErr
	}
	return s.decimals, nil
}

func (s *stubLedger) NativeBalance(context.Context, solana.PublicKey) (uint64, error) {
	return s.nativeBalance, nil
}

func (s *stubLedger) TokenBalance(context.Context, solana.PublicKey, solana.PublicKey) (decimal.Decimal, error) {
	return s.tokenBalance, nil
}

func (s *stubLedger) SendTransaction(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return solana.Signature{}, s.sendErr
	}
	s.sent = append(s.sent, tx)
	return s.sendSig, nil
}

func (s *stubLedger) ConfirmSignature(context.Context, solana.Signature, time.Duration) (ConfirmationOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmCalls++
	return s.confirmOutcome, s.confirmErr
}

func (s *stubLedger) FetchTransaction(context.Context, solana.Signature) (*LandedTransaction, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.landed, nil
}
