package presale

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"
)

const (
	endpointProbeTimeout = 5 * time.Second
	// A successful probe vouches for an endpoint this long; after that the
	// next operation re-probes so we never stick to a stale endpoint.
	endpointProbeTTL        = 10 * time.Second
	endpointRetryCooldown   = 30 * time.Second
	defaultConfirmPoll      = 2 * time.Second
	maxSupportedTxVersion   = uint64(0)
	preflightCommitmentUsed = rpc.CommitmentConfirmed
)

// ConfirmationOutcome is the terminal result of confirmation polling.
type ConfirmationOutcome int

const (
	// ConfirmationConfirmed means the ledger reports the transaction landed
	// with no execution error.
	ConfirmationConfirmed ConfirmationOutcome = iota
	// ConfirmationFailed means the ledger reports an execution error.
	ConfirmationFailed
	// ConfirmationTimedOut means the polling budget was exhausted.
	ConfirmationTimedOut
)

// LandedTransaction is a transaction fetched back from the ledger.
type LandedTransaction struct {
	Tx *solana.Transaction
	// Failed is set when transaction meta carries an execution error.
	Failed bool
}

// Ledger defines the chain operations the payment pipeline needs.
type Ledger interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)
	MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
	NativeBalance(ctx context.Context, wallet solana.PublicKey) (uint64, error)
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (decimal.Decimal, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	ConfirmSignature(ctx context.Context, sig solana.Signature, timeout time.Duration) (ConfirmationOutcome, error)
	FetchTransaction(ctx context.Context, sig solana.Signature) (*LandedTransaction, error)
}

type rpcEndpoint struct {
	url    string
	client *rpc.Client

	mu        sync.Mutex
	healthy   bool
	checkedAt time.Time
}

func (e *rpcEndpoint) markHealth(healthy bool, at time.Time) {
	e.mu.Lock()
	e.healthy = healthy
	e.checkedAt = at
	e.mu.Unlock()
}

func (e *rpcEndpoint) health() (bool, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy, e.checkedAt
}

// LedgerClient reads and writes the ledger through a pool of RPC endpoints in
// priority order, failing over when the active endpoint stops responding.
type LedgerClient struct {
	endpoints     []*rpcEndpoint
	logger        Logger
	pollInterval  time.Duration
	decimalsCache *methodCache[uint8]
	balanceCache  *methodCache[decimal.Decimal]
	now           func() time.Time
}

var _ Ledger = (*LedgerClient)(nil)

// NewLedgerClient constructs a client over the configured endpoint URLs,
// highest priority first.
func NewLedgerClient(endpointURLs []string, logger Logger) (*LedgerClient, error) {
	return newLedgerClient(endpointURLs, logger, newRateLimitedHTTPClient)
}

func newLedgerClient(endpointURLs []string, logger Logger, httpClientFor func(string) *http.Client) (*LedgerClient, error) {
	if len(endpointURLs) == 0 {
		return nil, fmt.Errorf("no rpc endpoints configured")
	}
	if logger == nil {
		logger = NewLogger("ledger-rpc")
	}
	poll := loadDurationEnv(ConfirmPollEnv, defaultConfirmPoll)
	if poll <= 0 {
		poll = defaultConfirmPoll
	}
	endpoints := make([]*rpcEndpoint, 0, len(endpointURLs))
	for _, endpointURL := range endpointURLs {
		client := rpc.NewWithCustomRPCClient(jsonrpc.NewClientWithOpts(endpointURL, &jsonrpc.RPCClientOpts{
			HTTPClient: httpClientFor(endpointURL),
		}))
		endpoints = append(endpoints, &rpcEndpoint{url: endpointURL, client: client})
	}
	return &LedgerClient{
		endpoints:     endpoints,
		logger:        logger,
		pollInterval:  poll,
		decimalsCache: newMethodCache[uint8](decimalsCacheConfig()),
		balanceCache:  newMethodCache[decimal.Decimal](balanceCacheConfig()),
		now:           time.Now,
	}, nil
}

// probe checks endpoint liveness with a cheap blockhash fetch.
func (c *LedgerClient) probe(ctx context.Context, ep *rpcEndpoint) bool {
	probeCtx, cancel := context.WithTimeout(ctx, endpointProbeTimeout)
	defer cancel()
	_, err := ep.client.GetLatestBlockhash(probeCtx, rpc.CommitmentFinalized)
	ep.markHealth(err == nil, c.now())
	if err != nil {
		c.logger.Printf("endpoint %s probe failed: %v", ep.url, err)
	}
	return err == nil
}

// selectEndpoint returns the first live endpoint in priority order, skipping
// the excluded one. Recently probed endpoints are trusted without re-probing;
// recently failed ones are skipped until the cooldown passes.
func (c *LedgerClient) selectEndpoint(ctx context.Context, exclude *rpcEndpoint) (*rpcEndpoint, error) {
	now := c.now()
	for _, ep := range c.endpoints {
		if ep == exclude {
			continue
		}
		healthy, checkedAt := ep.health()
		age := now.Sub(checkedAt)
		if healthy && age < endpointProbeTTL {
			return ep, nil
		}
		if !healthy && !checkedAt.IsZero() && age < endpointRetryCooldown {
			continue
		}
		if c.probe(ctx, ep) {
			return ep, nil
		}
	}
	// Last resort: ignore cooldowns and probe everything once more.
	for _, ep := range c.endpoints {
		if ep == exclude {
			continue
		}
		if healthy, checkedAt := ep.health(); !healthy && c.now().Sub(checkedAt) < endpointProbeTimeout {
			continue
		}
		if c.probe(ctx, ep) {
			return ep, nil
		}
	}
	return nil, ErrLedgerUnavailable
}

// withConn runs fn against a live endpoint, re-selecting once when the active
// endpoint fails mid-operation before surfacing the error.
func (c *LedgerClient) withConn(ctx context.Context, op string, fn func(*rpc.Client) error) error {
	ep, err := c.selectEndpoint(ctx, nil)
	if err != nil {
		return err
	}
	firstErr := fn(ep.client)
	if firstErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return firstErr
	}

	ep.markHealth(false, c.now())
	endpointFailovers.Add(1)
	c.logger.Printf("%s failed on %s, failing over: %v", op, ep.url, firstErr)

	retry, selErr := c.selectEndpoint(ctx, ep)
	if selErr != nil {
		return fmt.Errorf("%s: %w", op, firstErr)
	}
	if err := fn(retry.client); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// LatestBlockhash fetches a fresh blockhash for transaction assembly.
func (c *LedgerClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	var hash solana.Hash
	err := c.withConn(ctx, "getLatestBlockhash", func(client *rpc.Client) error {
		out, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		if err != nil {
			return err
		}
		if out == nil || out.Value == nil {
			return fmt.Errorf("blockhash response missing value")
		}
		hash = out.Value.Blockhash
		return nil
	})
	return hash, err
}

// AccountExists reports whether the account is present on chain.
func (c *LedgerClient) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	var exists bool
	err := c.withConn(ctx, "getAccountInfo", func(client *rpc.Client) error {
		_, err := client.GetAccountInfo(ctx, account)
		if errors.Is(err, rpc.ErrNotFound) {
			exists = false
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// MintDecimals reads the decimal exponent the mint actually reports on chain.
func (c *LedgerClient) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	key := mint.String()
	if decimals, ok := c.decimalsCache.Get(key); ok {
		return decimals, nil
	}
	var decimals uint8
	err := c.withConn(ctx, "getTokenSupply", func(client *rpc.Client) error {
		out, err := client.GetTokenSupply(ctx, mint, rpc.CommitmentConfirmed)
		if err != nil {
			return err
		}
		if out == nil || out.Value == nil {
			return fmt.Errorf("token supply response missing value")
		}
		decimals = out.Value.Decimals
		return nil
	})
	if err != nil {
		return 0, err
	}
	c.decimalsCache.Add(key, decimals)
	return decimals, nil
}

// NativeBalance returns the wallet's lamport balance.
func (c *LedgerClient) NativeBalance(ctx context.Context, wallet solana.PublicKey) (uint64, error) {
	var balance uint64
	err := c.withConn(ctx, "getBalance", func(client *rpc.Client) error {
		out, err := client.GetBalance(ctx, wallet, rpc.CommitmentConfirmed)
		if err != nil {
			return err
		}
		if out == nil {
			return fmt.Errorf("balance response missing result")
		}
		balance = out.Value
		return nil
	})
	return balance, err
}

// TokenBalance returns the owner's balance in the mint's associated token
// account, in human units. Missing accounts read as zero.
func (c *LedgerClient) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (decimal.Decimal, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return decimal.Zero, fmt.Errorf("derive associated token account: %w", err)
	}
	cacheKey := ata.String()
	if cached, ok := c.balanceCache.Get(cacheKey); ok {
		return cached, nil
	}

	var balance decimal.Decimal
	err = c.withConn(ctx, "getTokenAccountBalance", func(client *rpc.Client) error {
		out, err := client.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
		if errors.Is(err, rpc.ErrNotFound) {
			balance = decimal.Zero
			return nil
		}
		if err != nil {
			return err
		}
		if out == nil || out.Value == nil {
			return fmt.Errorf("token balance response missing value")
		}
		parsed, err := decimal.NewFromString(out.Value.UiAmountString)
		if err != nil {
			return fmt.Errorf("parse token balance %q: %w", out.Value.UiAmountString, err)
		}
		balance = parsed
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	c.balanceCache.Add(cacheKey, balance)
	return balance, nil
}

// SendTransaction broadcasts a signed transaction.
func (c *LedgerClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	var sig solana.Signature
	err := c.withConn(ctx, "sendTransaction", func(client *rpc.Client) error {
		out, err := client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			SkipPreflight:       false,
			PreflightCommitment: preflightCommitmentUsed,
		})
		if err != nil {
			return err
		}
		sig = out
		return nil
	})
	return sig, err
}

// ConfirmSignature polls signature status until the transaction confirms,
// fails, or the timeout elapses.
func (c *LedgerClient) ConfirmSignature(ctx context.Context, sig solana.Signature, timeout time.Duration) (ConfirmationOutcome, error) {
	deadline := c.now().Add(timeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.signatureStatus(ctx, sig)
		if err != nil {
			return ConfirmationTimedOut, err
		}
		if status != nil {
			if status.Err != nil {
				return ConfirmationFailed, nil
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return ConfirmationConfirmed, nil
			}
		}

		if c.now().After(deadline) {
			return ConfirmationTimedOut, nil
		}
		select {
		case <-ctx.Done():
			return ConfirmationTimedOut, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *LedgerClient) signatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	var status *rpc.SignatureStatusesResult
	err := c.withConn(ctx, "getSignatureStatuses", func(client *rpc.Client) error {
		out, err := client.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			return err
		}
		if out == nil || len(out.Value) == 0 {
			status = nil
			return nil
		}
		status = out.Value[0]
		return nil
	})
	return status, err
}

// FetchTransaction retrieves a landed transaction for claim verification.
func (c *LedgerClient) FetchTransaction(ctx context.Context, sig solana.Signature) (*LandedTransaction, error) {
	var landed *LandedTransaction
	maxVersion := maxSupportedTxVersion
	err := c.withConn(ctx, "getTransaction", func(client *rpc.Client) error {
		out, err := client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		if errors.Is(err, rpc.ErrNotFound) {
			return fmt.Errorf("transaction %s not found", sig)
		}
		if err != nil {
			return err
		}
		if out == nil || out.Transaction == nil {
			return fmt.Errorf("transaction response missing payload")
		}
		tx, err := out.Transaction.GetTransaction()
		if err != nil {
			return fmt.Errorf("decode transaction: %w", err)
		}
		landed = &LandedTransaction{
			Tx:     tx,
			Failed: out.Meta != nil && out.Meta.Err != nil,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return landed, nil
}
