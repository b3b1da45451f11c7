package presale

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/shopspring/decimal"
)

// VerificationStatus is the lifecycle state of a payment signature.
type VerificationStatus string

const (
	StatusPending   VerificationStatus = "pending"
	StatusConfirmed VerificationStatus = "confirmed"
	StatusRejected  VerificationStatus = "rejected"
	StatusDisbursed VerificationStatus = "disbursed"
)

// VerificationRecord tracks one payment signature through the pipeline. The
// signature is the unique key; a record is never evicted while the process
// lives, which is what makes re-verification idempotent.
type VerificationRecord struct {
	Signature    string
	Payer        string
	Asset        string
	Amount       decimal.Decimal
	Reward       decimal.Decimal
	Status       VerificationStatus
	FirstSeenAt  time.Time
	Disbursement solana.Signature

	// failure remembers which sentinel rejected the record so retries get
	// the same answer.
	failure error
	mu      sync.Mutex
}

// VerificationResult is returned to the caller of Verify.
type VerificationResult struct {
	Status       VerificationStatus
	Reward       decimal.Decimal
	Recipient    string
	Disbursement solana.Signature
}

// Payout is the downstream disbursement hook. At most one successful call per
// signature ever reaches it.
type Payout interface {
	Disburse(ctx context.Context, recipientAddress string, reward decimal.Decimal, requestedAt time.Time) (solana.Signature, error)
}

// PaymentVerifier confirms claimed payments on the ledger and authorizes
// exactly one disbursement per confirmed signature.
type PaymentVerifier struct {
	ledger         Ledger
	rates          *RateTable
	receiver       solana.PublicKey
	payout         Payout
	confirmTimeout time.Duration
	logger         Logger
	now            func() time.Time

	mu      sync.Mutex
	records map[string]*VerificationRecord
}

// NewPaymentVerifier wires the verifier to the ledger, rate table, and payout.
func NewPaymentVerifier(ledger Ledger, rates *RateTable, receiver solana.PublicKey, payout Payout, confirmTimeout time.Duration, logger Logger) *PaymentVerifier {
	if logger == nil {
		logger = NewDiscardLogger()
	}
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	return &PaymentVerifier{
		ledger:         ledger,
		rates:          rates,
		receiver:       receiver,
		payout:         payout,
		confirmTimeout: confirmTimeout,
		logger:         logger,
		now:            time.Now,
		records:        make(map[string]*VerificationRecord),
	}
}

// Verify confirms the claimed payment and triggers the reward disbursement.
// Calling it again with the same signature returns the stored outcome without
// disbursing twice; a call after a failed disbursement retries the payout only.
func (v *PaymentVerifier) Verify(ctx context.Context, signature, payerAddress, assetSymbol string, amount decimal.Decimal) (*VerificationResult, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature %q", ErrPaymentRejected, signature)
	}
	payer, err := solana.PublicKeyFromBase58(payerAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, payerAddress)
	}
	entry, ok := v.rates.Lookup(assetSymbol)
	if !ok {
		return nil, ErrInvalidAsset
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	record := v.recordFor(signature, payerAddress, assetSymbol, amount)

	// Serialize all processing per signature. Concurrent calls for distinct
	// signatures proceed independently.
	record.mu.Lock()
	defer record.mu.Unlock()

	switch record.Status {
	case StatusDisbursed:
		return record.result(), nil
	case StatusRejected:
		return record.result(), record.failure
	case StatusConfirmed:
		// A previous disbursement attempt failed; retry the payout only.
		return v.disburseLocked(ctx, record)
	}

	outcome, err := v.ledger.ConfirmSignature(ctx, sig, v.confirmTimeout)
	if err != nil {
		// Ledger trouble, not a payment verdict. Leave the record pending so
		// a retry re-polls instead of burning the signature.
		return nil, err
	}
	switch outcome {
	case ConfirmationFailed:
		err := v.rejectLocked(record, ErrPaymentRejected)
		return record.result(), err
	case ConfirmationTimedOut:
		err := v.rejectLocked(record, ErrConfirmationTimeout)
		return record.result(), err
	}

	landed, err := v.ledger.FetchTransaction(ctx, sig)
	if err != nil {
		return nil, err
	}
	if landed.Failed {
		err := v.rejectLocked(record, ErrPaymentRejected)
		return record.result(), err
	}
	units, err := entry.BaseUnits(amount)
	if err != nil || units == 0 {
		// Bad claim, not an on-chain verdict. The record stays pending so a
		// corrected claim can still credit the payment.
		return nil, fmt.Errorf("%w: %s %s", ErrInvalidAmount, amount, assetSymbol)
	}
	if !v.paymentMatchesClaim(landed.Tx, payer, entry, units) {
		// Same: only the ledger's own verdicts are terminal. Rejecting here
		// would let anyone who sees the public signature burn the payment
		// with a wrong claim before the payer verifies it.
		v.logger.Printf("claim mismatch signature=%s payer=%s asset=%s amount=%s",
			signature, payerAddress, assetSymbol, amount)
		return nil, fmt.Errorf("%w: landed transaction does not match claim", ErrPaymentRejected)
	}

	// The landed transaction vouches for these values; an earlier pending
	// claim for this signature may have carried a different payer or amount.
	record.Payer = payerAddress
	record.Asset = assetSymbol
	record.Amount = amount
	// Reward always recomputed server-side; client figures are never trusted.
	record.Reward = entry.Reward(amount)
	record.Status = StatusConfirmed
	recordVerificationOutcome(StatusConfirmed)
	v.logger.Printf("payment confirmed signature=%s payer=%s asset=%s amount=%s reward=%s",
		signature, payerAddress, assetSymbol, amount, record.Reward)

	return v.disburseLocked(ctx, record)
}

// Record returns the stored verification record for a signature, if any.
func (v *PaymentVerifier) Record(signature string) (*VerificationRecord, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	record, ok := v.records[signature]
	return record, ok
}

func (v *PaymentVerifier) recordFor(signature, payer, asset string, amount decimal.Decimal) *VerificationRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	if record, ok := v.records[signature]; ok {
		return record
	}
	record := &VerificationRecord{
		Signature:   signature,
		Payer:       payer,
		Asset:       asset,
		Amount:      amount,
		Status:      StatusPending,
		FirstSeenAt: v.now(),
	}
	v.records[signature] = record
	return record
}

// rejectLocked terminally rejects a record. Only the ledger's own verdicts
// (execution error, exhausted confirmation polling) reach here; a mismatched
// claim leaves the record pending instead.
func (v *PaymentVerifier) rejectLocked(record *VerificationRecord, cause error) error {
	record.Status = StatusRejected
	record.failure = cause
	recordVerificationOutcome(StatusRejected)
	v.logger.Printf("payment rejected signature=%s payer=%s cause=%v", record.Signature, record.Payer, cause)
	return cause
}

// disburseLocked moves confirmed → disbursed. On payout failure the record
// stays confirmed so the next call retries idempotently.
func (v *PaymentVerifier) disburseLocked(ctx context.Context, record *VerificationRecord) (*VerificationResult, error) {
	disbursement, err := v.payout.Disburse(ctx, record.Payer, record.Reward, v.now())
	if err != nil {
		v.logger.Printf("disbursement failed signature=%s payer=%s: %v", record.Signature, record.Payer, err)
		return record.result(), err
	}
	record.Status = StatusDisbursed
	record.Disbursement = disbursement
	recordVerificationOutcome(StatusDisbursed)
	v.logger.Printf("disbursed signature=%s payer=%s reward=%s disbursement=%s",
		record.Signature, record.Payer, record.Reward, disbursement)
	return record.result(), nil
}

func (r *VerificationRecord) result() *VerificationResult {
	return &VerificationResult{
		Status:       r.Status,
		Reward:       r.Reward,
		Recipient:    r.Payer,
		Disbursement: r.Disbursement,
	}
}

// paymentMatchesClaim checks that the landed transaction actually pays the
// claimed amount of the claimed asset from the claimed payer to the presale
// receiver. The fee payer must be the claimed wallet.
func (v *PaymentVerifier) paymentMatchesClaim(tx *solana.Transaction, payer solana.PublicKey, entry RateEntry, units uint64) bool {
	if tx == nil {
		return false
	}
	msg := tx.Message
	if len(msg.AccountKeys) == 0 || !msg.AccountKeys[0].Equals(payer) {
		return false
	}

	var receiverATA solana.PublicKey
	if entry.Asset.Kind == AssetToken {
		ata, _, err := solana.FindAssociatedTokenAddress(v.receiver, entry.Asset.Mint)
		if err != nil {
			return false
		}
		receiverATA = ata
	}

	for _, inst := range msg.Instructions {
		if int(inst.ProgramIDIndex) >= len(msg.AccountKeys) {
			continue
		}
		program := msg.AccountKeys[inst.ProgramIDIndex]
		metas, ok := compileAccountMetas(&msg, inst.Accounts)
		if !ok {
			continue
		}

		switch {
		case entry.Asset.Kind == AssetNative && program.Equals(solana.SystemProgramID):
			decoded, err := system.DecodeInstruction(metas, []byte(inst.Data))
			if err != nil {
				continue
			}
			transfer, ok := decoded.Impl.(*system.Transfer)
			if !ok || transfer.Lamports == nil || len(metas) < 2 {
				continue
			}
			if metas[0].PublicKey.Equals(payer) && metas[1].PublicKey.Equals(v.receiver) && *transfer.Lamports >= units {
				return true
			}

		case entry.Asset.Kind == AssetToken && program.Equals(solana.TokenProgramID):
			decoded, err := token.DecodeInstruction(metas, []byte(inst.Data))
			if err != nil {
				continue
			}
			var amount uint64
			var destination solana.PublicKey
			switch impl := decoded.Impl.(type) {
			case *token.Transfer:
				if impl.Amount == nil || len(metas) < 2 {
					continue
				}
				amount = *impl.Amount
				destination = metas[1].PublicKey
			case *token.TransferChecked:
				if impl.Amount == nil || len(metas) < 3 {
					continue
				}
				amount = *impl.Amount
				destination = metas[2].PublicKey
			default:
				continue
			}
			if destination.Equals(receiverATA) && amount >= units {
				return true
			}
		}
	}
	return false
}

func compileAccountMetas(msg *solana.Message, indexes []uint16) ([]*solana.AccountMeta, bool) {
	metas := make([]*solana.AccountMeta, 0, len(indexes))
	for _, idx := range indexes {
		if int(idx) >= len(msg.AccountKeys) {
			return nil, false
		}
		pub := msg.AccountKeys[idx]
		writable, err := msg.IsWritable(pub)
		if err != nil {
			return nil, false
		}
		metas = append(metas, &solana.AccountMeta{
			PublicKey:  pub,
			IsSigner:   msg.IsSigner(pub),
			IsWritable: writable,
		})
	}
	return metas, true
}
