package presale

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// replayFreshnessWindow bounds how old (or future-dated) a disbursement
// request timestamp may be.
const replayFreshnessWindow = 5 * time.Minute

// TreasuryDisburser is the only component that moves treasury funds. It owns
// the treasury signing key exclusively; the key is never logged and never
// leaves this struct.
type TreasuryDisburser struct {
	ledger         Ledger
	key            solana.PrivateKey
	treasury       solana.PublicKey
	mint           solana.PublicKey
	minTransfer    decimal.Decimal
	maxTransfer    decimal.Decimal
	allowed        map[string]struct{}
	confirmTimeout time.Duration
	logger         Logger
	now            func() time.Time
}

var _ Payout = (*TreasuryDisburser)(nil)

// NewTreasuryDisburser constructs the disburser. allowedRecipients may be
// empty, in which case no allow-list is enforced.
func NewTreasuryDisburser(ledger Ledger, key solana.PrivateKey, mint solana.PublicKey, minTransfer, maxTransfer decimal.Decimal, allowedRecipients []string, confirmTimeout time.Duration, logger Logger) *TreasuryDisburser {
	if logger == nil {
		logger = NewLogger("treasury")
	}
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	var allowed map[string]struct{}
	if len(allowedRecipients) > 0 {
		allowed = make(map[string]struct{}, len(allowedRecipients))
		for _, recipient := range allowedRecipients {
			allowed[recipient] = struct{}{}
		}
	}
	return &TreasuryDisburser{
		ledger:         ledger,
		key:            key,
		treasury:       key.PublicKey(),
		mint:           mint,
		minTransfer:    minTransfer,
		maxTransfer:    maxTransfer,
		allowed:        allowed,
		confirmTimeout: confirmTimeout,
		logger:         logger,
		now:            time.Now,
	}
}

// Treasury returns the treasury public key.
func (d *TreasuryDisburser) Treasury() solana.PublicKey {
	return d.treasury
}

// Disburse transfers reward tokens from the treasury to the recipient and
// blocks until the ledger confirms. Validation failures return specific
// sentinels; anything that goes wrong after validation is reported to the
// caller as ErrTransferFailed with the cause logged server-side only.
func (d *TreasuryDisburser) Disburse(ctx context.Context, recipientAddress string, reward decimal.Decimal, requestedAt time.Time) (solana.Signature, error) {
	recipient, err := solana.PublicKeyFromBase58(recipientAddress)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: %s", ErrInvalidAddress, recipientAddress)
	}
	if reward.LessThan(d.minTransfer) || reward.GreaterThan(d.maxTransfer) {
		return solana.Signature{}, fmt.Errorf("%w: %s outside [%s, %s]", ErrAmountOutOfBounds,
			reward, d.minTransfer, d.maxTransfer)
	}
	if age := d.now().Sub(requestedAt); age > replayFreshnessWindow || age < -replayFreshnessWindow {
		return solana.Signature{}, ErrReplayExpired
	}
	if d.allowed != nil {
		if _, ok := d.allowed[recipientAddress]; !ok {
			return solana.Signature{}, ErrRecipientNotAllowed
		}
	}

	attemptID := uuid.NewString()
	d.logger.Printf("disbursement attempt id=%s recipient=%s amount=%s", attemptID, recipientAddress, reward)

	sig, err := d.execute(ctx, recipient, reward)
	if err != nil {
		// Internal detail stays server-side; the caller gets a generic error.
		d.logger.Printf("disbursement failed id=%s recipient=%s amount=%s: %v", attemptID, recipientAddress, reward, err)
		recordDisbursementOutcome("failed")
		return solana.Signature{}, ErrTransferFailed
	}

	d.logger.Printf("disbursement succeeded id=%s recipient=%s amount=%s signature=%s", attemptID, recipientAddress, reward, sig)
	recordDisbursementOutcome("succeeded")
	return sig, nil
}

func (d *TreasuryDisburser) execute(ctx context.Context, recipient solana.PublicKey, reward decimal.Decimal) (solana.Signature, error) {
	// Mint decimals come from the chain, not from configuration, so a drifted
	// mint config cannot shift the transfer by orders of magnitude.
	decimals, err := d.ledger.MintDecimals(ctx, d.mint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("query mint decimals: %w", err)
	}
	units, err := baseUnits(reward, decimals)
	if err != nil {
		return solana.Signature{}, err
	}
	if units == 0 {
		return solana.Signature{}, fmt.Errorf("reward %s is below one base unit at %d decimals", reward, decimals)
	}

	treasuryATA, _, err := solana.FindAssociatedTokenAddress(d.treasury, d.mint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("derive treasury token account: %w", err)
	}
	recipientATA, _, err := solana.FindAssociatedTokenAddress(recipient, d.mint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("derive recipient token account: %w", err)
	}

	var instructions []solana.Instruction
	exists, err := d.ledger.AccountExists(ctx, recipientATA)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("check recipient token account: %w", err)
	}
	if !exists {
		instructions = append(instructions,
			associatedtokenaccount.NewCreateInstruction(d.treasury, recipient, d.mint).Build())
	}
	instructions = append(instructions,
		token.NewTransferInstruction(units, treasuryATA, recipientATA, d.treasury, nil).Build())

	blockhash, err := d.ledger.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, err
	}
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(d.treasury))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("assemble transfer: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(d.treasury) {
			return &d.key
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("sign transfer: %w", err)
	}

	sig, err := d.ledger.SendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("broadcast transfer: %w", err)
	}

	outcome, err := d.ledger.ConfirmSignature(ctx, sig, d.confirmTimeout)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("confirm transfer %s: %w", sig, err)
	}
	switch outcome {
	case ConfirmationConfirmed:
		return sig, nil
	case ConfirmationFailed:
		return solana.Signature{}, fmt.Errorf("transfer %s failed on chain", sig)
	default:
		return solana.Signature{}, fmt.Errorf("transfer %s not confirmed in time", sig)
	}
}
