package presale

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Environment variable names consumed at startup.
const (
	MintAddressEnv       = "CGT_MINT_ADDRESS"
	TreasuryPublicKeyEnv = "TREASURY_PUBLIC_KEY"
	TreasuryPrivKeyEnv   = "TREASURY_PRIVATE_KEY"
	PaymentReceiverEnv   = "PAYMENT_RECEIVER_ADDRESS"
	RPCEndpointsEnv      = "PRESALE_RPC_ENDPOINTS"
	PresaleStartEnv      = "PRESALE_START"
	PresaleEndEnv        = "PRESALE_END"
	AllowedRecipientsEnv = "PRESALE_ALLOWED_RECIPIENTS"
	MinTransferEnv       = "PRESALE_MIN_TRANSFER"
	MaxTransferEnv       = "PRESALE_MAX_TRANSFER"
	ConfirmTimeoutEnv    = "PRESALE_CONFIRM_TIMEOUT"
	ConfirmPollEnv       = "PRESALE_CONFIRM_POLL"
	TransferTokenEnv     = "PRESALE_TRANSFER_TOKEN"
	ListenPortEnv        = "PRESALE_PORT"

	solRateEnv  = "PRESALE_RATE_SOL"
	usdcRateEnv = "PRESALE_RATE_USDC"
	usdtRateEnv = "PRESALE_RATE_USDT"
	usdcMintEnv = "PRESALE_USDC_MINT"
	usdtMintEnv = "PRESALE_USDT_MINT"
)

const (
	defaultConfirmTimeout = 45 * time.Second
	defaultListenPort     = 8080

	// Mainnet stablecoin mints, overridable for devnet deployments.
	defaultUSDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	defaultUSDTMint = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
)

// Config carries everything the process needs to start. Loaded once from the
// environment; Validate must pass before any listener binds.
type Config struct {
	MintAddress     string
	TreasuryPublic  string
	TreasuryPrivate string
	PaymentReceiver string
	RPCEndpoints    []string

	Window            PresaleWindow
	Rates             []RateEntry
	MinTransfer       decimal.Decimal
	MaxTransfer       decimal.Decimal
	AllowedRecipients []string

	// TransferToken authorizes the direct disbursement endpoint. Empty means
	// the endpoint stays disabled.
	TransferToken string

	ConfirmTimeout time.Duration
	ListenPort     int
}

// LoadConfigFromEnv reads the process configuration. Values are not validated
// here; Validate performs the fail-fast checks.
func LoadConfigFromEnv() (*Config, error) {
	window, err := loadWindowFromEnv()
	if err != nil {
		return nil, err
	}
	rates, err := loadRatesFromEnv()
	if err != nil {
		return nil, err
	}
	minTransfer, err := loadDecimalEnv(MinTransferEnv, decimal.NewFromInt(1))
	if err != nil {
		return nil, err
	}
	maxTransfer, err := loadDecimalEnv(MaxTransferEnv, decimal.NewFromInt(1_000_000))
	if err != nil {
		return nil, err
	}

	return &Config{
		MintAddress:       strings.TrimSpace(os.Getenv(MintAddressEnv)),
		TreasuryPublic:    strings.TrimSpace(os.Getenv(TreasuryPublicKeyEnv)),
		TreasuryPrivate:   strings.TrimSpace(os.Getenv(TreasuryPrivKeyEnv)),
		PaymentReceiver:   strings.TrimSpace(os.Getenv(PaymentReceiverEnv)),
		RPCEndpoints:      loadListEnv(RPCEndpointsEnv),
		Window:            window,
		Rates:             rates,
		MinTransfer:       minTransfer,
		MaxTransfer:       maxTransfer,
		AllowedRecipients: loadListEnv(AllowedRecipientsEnv),
		TransferToken:     strings.TrimSpace(os.Getenv(TransferTokenEnv)),
		ConfirmTimeout:    loadDurationEnv(ConfirmTimeoutEnv, defaultConfirmTimeout),
		ListenPort:        loadIntEnv(ListenPortEnv, defaultListenPort),
	}, nil
}

// Validate fails fast on absent or malformed required values. Serving traffic
// with a misconfigured treasury is strictly worse than not serving at all.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{MintAddressEnv, c.MintAddress},
		{TreasuryPublicKeyEnv, c.TreasuryPublic},
		{TreasuryPrivKeyEnv, c.TreasuryPrivate},
		{PaymentReceiverEnv, c.PaymentReceiver},
	}
	for _, field := range required {
		if field.value == "" {
			return fmt.Errorf("missing required configuration %s", field.name)
		}
	}
	if len(c.RPCEndpoints) == 0 {
		return fmt.Errorf("missing required configuration %s", RPCEndpointsEnv)
	}

	if _, err := solana.PublicKeyFromBase58(c.MintAddress); err != nil {
		return fmt.Errorf("malformed %s: %w", MintAddressEnv, err)
	}
	if _, err := solana.PublicKeyFromBase58(c.PaymentReceiver); err != nil {
		return fmt.Errorf("malformed %s: %w", PaymentReceiverEnv, err)
	}
	treasuryPub, err := solana.PublicKeyFromBase58(c.TreasuryPublic)
	if err != nil {
		return fmt.Errorf("malformed %s: %w", TreasuryPublicKeyEnv, err)
	}
	key, err := solana.PrivateKeyFromBase58(c.TreasuryPrivate)
	if err != nil {
		return fmt.Errorf("malformed %s: not a valid base58 keypair", TreasuryPrivKeyEnv)
	}
	if !key.PublicKey().Equals(treasuryPub) {
		return fmt.Errorf("%s does not match the key derived from %s", TreasuryPublicKeyEnv, TreasuryPrivKeyEnv)
	}

	for _, recipient := range c.AllowedRecipients {
		if _, err := solana.PublicKeyFromBase58(recipient); err != nil {
			return fmt.Errorf("malformed entry %q in %s: %w", recipient, AllowedRecipientsEnv, err)
		}
	}

	if err := c.Window.validate(); err != nil {
		return err
	}
	for _, entry := range c.Rates {
		if err := entry.validate(); err != nil {
			return err
		}
	}
	if c.MinTransfer.GreaterThan(c.MaxTransfer) {
		return fmt.Errorf("%s exceeds %s", MinTransferEnv, MaxTransferEnv)
	}
	return nil
}

// TreasuryKey decodes the treasury keypair. Call only after Validate.
func (c *Config) TreasuryKey() solana.PrivateKey {
	key, err := solana.PrivateKeyFromBase58(c.TreasuryPrivate)
	if err != nil {
		panic("config not validated: " + err.Error())
	}
	return key
}

func loadWindowFromEnv() (PresaleWindow, error) {
	start, err := loadTimeEnv(PresaleStartEnv, time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return PresaleWindow{}, err
	}
	end, err := loadTimeEnv(PresaleEndEnv, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return PresaleWindow{}, err
	}
	return PresaleWindow{Start: start, End: end}, nil
}

func loadRatesFromEnv() ([]RateEntry, error) {
	solRate, err := loadDecimalEnv(solRateEnv, decimal.NewFromInt(7500))
	if err != nil {
		return nil, err
	}
	usdcRate, err := loadDecimalEnv(usdcRateEnv, decimal.NewFromInt(50))
	if err != nil {
		return nil, err
	}
	usdtRate, err := loadDecimalEnv(usdtRateEnv, decimal.NewFromInt(50))
	if err != nil {
		return nil, err
	}

	usdcMint, err := loadMintEnv(usdcMintEnv, defaultUSDCMint)
	if err != nil {
		return nil, err
	}
	usdtMint, err := loadMintEnv(usdtMintEnv, defaultUSDTMint)
	if err != nil {
		return nil, err
	}

	return []RateEntry{
		{
			Asset:         AssetSpec{Symbol: "SOL", Kind: AssetNative},
			RewardPerUnit: solRate,
			MinUnits:      decimal.RequireFromString("0.05"),
			MaxUnits:      decimal.NewFromInt(500),
		},
		{
			Asset:         AssetSpec{Symbol: "USDC", Kind: AssetToken, Mint: usdcMint, Decimals: 6},
			RewardPerUnit: usdcRate,
			MinUnits:      decimal.NewFromInt(10),
			MaxUnits:      decimal.NewFromInt(100_000),
		},
		{
			Asset:         AssetSpec{Symbol: "USDT", Kind: AssetToken, Mint: usdtMint, Decimals: 6},
			RewardPerUnit: usdtRate,
			MinUnits:      decimal.NewFromInt(10),
			MaxUnits:      decimal.NewFromInt(100_000),
		},
	}, nil
}

func loadMintEnv(key, fallback string) (solana.PublicKey, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		value = fallback
	}
	mint, err := solana.PublicKeyFromBase58(value)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("malformed %s: %w", key, err)
	}
	return mint, nil
}

func loadListEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func loadDecimalEnv(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed %s: %w", key, err)
	}
	return parsed, nil
}

func loadTimeEnv(key string, fallback time.Time) (time.Time, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed %s: %w", key, err)
	}
	return parsed.UTC(), nil
}

func loadIntEnv(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	num, err := strconv.Atoi(value)
	if err != nil || num < 0 {
		return fallback
	}
	return num
}

func loadDurationEnv(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	dur, err := time.ParseDuration(value)
	if err != nil || dur < 0 {
		return fallback
	}
	return dur
}
