package presale

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/shopspring/decimal"
)

// UnsignedPayment is a payment transaction prepared for the payer's wallet.
// The server never signs it; only the payer's signature is valid here.
type UnsignedPayment struct {
	TransactionBase64 string
	ExpectedReward    decimal.Decimal
	Asset             string
	Amount            decimal.Decimal
}

// TransactionBuilder assembles unsigned payment transactions towards the
// configured payment receiver.
type TransactionBuilder struct {
	ledger   Ledger
	rates    *RateTable
	receiver solana.PublicKey
	logger   Logger
	now      func() time.Time
}

// NewTransactionBuilder wires the builder to the ledger and rate table.
func NewTransactionBuilder(ledger Ledger, rates *RateTable, receiver solana.PublicKey, logger Logger) *TransactionBuilder {
	if logger == nil {
		logger = NewDiscardLogger()
	}
	return &TransactionBuilder{
		ledger:   ledger,
		rates:    rates,
		receiver: receiver,
		logger:   logger,
		now:      time.Now,
	}
}

// Build produces an unsigned payment transaction for the payer, asset, and
// human-unit amount, along with the reward the payment will earn.
func (b *TransactionBuilder) Build(ctx context.Context, payerAddress, assetSymbol string, amount decimal.Decimal) (*UnsignedPayment, error) {
	if !b.rates.Window().Active(b.now()) {
		return nil, ErrPresaleInactive
	}
	entry, ok := b.rates.Lookup(assetSymbol)
	if !ok {
		return nil, ErrInvalidAsset
	}
	if amount.LessThan(entry.MinUnits) || amount.GreaterThan(entry.MaxUnits) {
		return nil, fmt.Errorf("%w: %s %s outside [%s, %s]", ErrInvalidAmount,
			amount, entry.Asset.Symbol, entry.MinUnits, entry.MaxUnits)
	}
	payer, err := solana.PublicKeyFromBase58(payerAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, payerAddress)
	}

	units, err := entry.BaseUnits(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if units == 0 {
		return nil, fmt.Errorf("%w: %s %s is below one base unit", ErrInvalidAmount, amount, entry.Asset.Symbol)
	}

	var instructions []solana.Instruction
	switch entry.Asset.Kind {
	case AssetNative:
		instructions = append(instructions,
			system.NewTransferInstruction(units, payer, b.receiver).Build())
	case AssetToken:
		instructions, err = b.tokenTransferInstructions(ctx, payer, entry.Asset, units)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrInvalidAsset
	}

	blockhash, err := b.ledger.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, fmt.Errorf("assemble transaction: %w", err)
	}
	// Placeholder signatures so wallets can deserialize the unsigned payload.
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	serialized, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}

	reward := entry.Reward(amount)
	b.logger.Printf("built payment payer=%s asset=%s amount=%s reward=%s units=%d",
		payer, entry.Asset.Symbol, amount, reward, units)
	paymentsCreatedCount.Add(1)

	return &UnsignedPayment{
		TransactionBase64: base64.StdEncoding.EncodeToString(serialized),
		ExpectedReward:    reward,
		Asset:             entry.Asset.Symbol,
		Amount:            amount,
	}, nil
}

// tokenTransferInstructions moves token units between the parties' associated
// token accounts, creating the receiver's account at the payer's expense when
// it does not exist yet.
func (b *TransactionBuilder) tokenTransferInstructions(ctx context.Context, payer solana.PublicKey, asset AssetSpec, units uint64) ([]solana.Instruction, error) {
	payerATA, _, err := solana.FindAssociatedTokenAddress(payer, asset.Mint)
	if err != nil {
		return nil, fmt.Errorf("derive payer token account: %w", err)
	}
	receiverATA, _, err := solana.FindAssociatedTokenAddress(b.receiver, asset.Mint)
	if err != nil {
		return nil, fmt.Errorf("derive receiver token account: %w", err)
	}

	var instructions []solana.Instruction
	exists, err := b.ledger.AccountExists(ctx, receiverATA)
	if err != nil {
		return nil, err
	}
	if !exists {
		instructions = append(instructions,
			associatedtokenaccount.NewCreateInstruction(payer, b.receiver, asset.Mint).Build())
	}
	instructions = append(instructions,
		token.NewTransferInstruction(units, payerATA, receiverATA, payer, nil).Build())
	return instructions, nil
}
