package presale

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

const nativeDecimals = 9

// AssetKind distinguishes the two transfer kinds the presale accepts.
type AssetKind int

const (
	// AssetNative is the chain's native coin, paid with a system transfer.
	AssetNative AssetKind = iota
	// AssetToken is a fungible token, paid with a token-program transfer.
	AssetToken
)

// AssetSpec identifies a payment asset. Token assets carry their mint and the
// configured decimal exponent; the native asset uses the chain exponent.
type AssetSpec struct {
	Symbol   string
	Kind     AssetKind
	Mint     solana.PublicKey
	Decimals uint8
}

// RateEntry maps an asset to its reward rate and accepted payment bounds.
type RateEntry struct {
	Asset         AssetSpec
	RewardPerUnit decimal.Decimal
	MinUnits      decimal.Decimal
	MaxUnits      decimal.Decimal
}

func (e RateEntry) validate() error {
	if !e.RewardPerUnit.IsPositive() {
		return fmt.Errorf("asset %s: reward per unit must be positive", e.Asset.Symbol)
	}
	if e.MinUnits.GreaterThan(e.MaxUnits) {
		return fmt.Errorf("asset %s: min %s exceeds max %s", e.Asset.Symbol, e.MinUnits, e.MaxUnits)
	}
	return nil
}

// PresaleWindow bounds when payments are accepted.
type PresaleWindow struct {
	Start time.Time
	End   time.Time
}

// Active reports whether now falls inside the window, inclusive at both ends.
func (w PresaleWindow) Active(now time.Time) bool {
	return !now.Before(w.Start) && !now.After(w.End)
}

func (w PresaleWindow) validate() error {
	if !w.Start.Before(w.End) {
		return fmt.Errorf("presale window start %s is not before end %s", w.Start, w.End)
	}
	return nil
}

// RateTable holds the per-asset rate entries and the presale window. It is
// immutable after construction and safe for concurrent reads.
type RateTable struct {
	window  PresaleWindow
	entries map[string]RateEntry
}

// NewRateTable validates and assembles the rate table.
func NewRateTable(window PresaleWindow, entries []RateEntry) (*RateTable, error) {
	if err := window.validate(); err != nil {
		return nil, err
	}
	bySymbol := make(map[string]RateEntry, len(entries))
	for _, entry := range entries {
		if err := entry.validate(); err != nil {
			return nil, err
		}
		if _, dup := bySymbol[entry.Asset.Symbol]; dup {
			return nil, fmt.Errorf("duplicate rate entry for asset %s", entry.Asset.Symbol)
		}
		bySymbol[entry.Asset.Symbol] = entry
	}
	if len(bySymbol) == 0 {
		return nil, fmt.Errorf("rate table has no entries")
	}
	return &RateTable{window: window, entries: bySymbol}, nil
}

// Window returns the presale window.
func (t *RateTable) Window() PresaleWindow {
	return t.window
}

// Lookup returns the rate entry for the asset symbol.
func (t *RateTable) Lookup(symbol string) (RateEntry, bool) {
	entry, ok := t.entries[symbol]
	return entry, ok
}

// Entries returns the rate entries in no particular order.
func (t *RateTable) Entries() []RateEntry {
	out := make([]RateEntry, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, entry)
	}
	return out
}

// Reward computes the reward owed for paying amount units of the asset. The
// multiplication is exact decimal arithmetic.
func (e RateEntry) Reward(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(e.RewardPerUnit)
}

// BaseUnits converts a human amount to the asset's smallest unit, truncating
// toward zero. Rounding up would risk ledger rejection on insufficient balance.
func (e RateEntry) BaseUnits(amount decimal.Decimal) (uint64, error) {
	return baseUnits(amount, e.assetDecimals())
}

func (e RateEntry) assetDecimals() uint8 {
	if e.Asset.Kind == AssetNative {
		return nativeDecimals
	}
	return e.Asset.Decimals
}

func baseUnits(amount decimal.Decimal, decimals uint8) (uint64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", amount)
	}
	units := amount.Shift(int32(decimals)).IntPart()
	if units < 0 {
		return 0, fmt.Errorf("amount %s overflows base units", amount)
	}
	return uint64(units), nil
}
