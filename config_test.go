package presale

import (
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
)

// setValidEnv populates every required variable with coherent values and
// returns the treasury keypair it generated.
func setValidEnv(t *testing.T) *solana.Wallet {
	t.Helper()
	treasury := solana.NewWallet()

	t.Setenv(MintAddressEnv, solana.NewWallet().PublicKey().String())
	t.Setenv(TreasuryPublicKeyEnv, treasury.PublicKey().String())
	t.Setenv(TreasuryPrivKeyEnv, treasury.PrivateKey.String())
	t.Setenv(PaymentReceiverEnv, solana.NewWallet().PublicKey().String())
	t.Setenv(RPCEndpointsEnv, "https://rpc-a.example.com, https://rpc-b.example.com")
	return treasury
}

func loadValidatedConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func TestLoadConfigFromEnv(t *testing.T) {
	setValidEnv(t)
	t.Setenv(PresaleStartEnv, "2026-01-01T00:00:00Z")
	t.Setenv(PresaleEndEnv, "2026-06-01T00:00:00Z")
	t.Setenv(ConfirmTimeoutEnv, "90s")
	t.Setenv(ListenPortEnv, "9090")
	t.Setenv(TransferTokenEnv, "hunter2")
	allowed := solana.NewWallet().PublicKey().String()
	t.Setenv(AllowedRecipientsEnv, allowed)

	cfg := loadValidatedConfig(t)

	if len(cfg.RPCEndpoints) != 2 || cfg.RPCEndpoints[1] != "https://rpc-b.example.com" {
		t.Fatalf("RPCEndpoints = %v", cfg.RPCEndpoints)
	}
	if cfg.ConfirmTimeout != 90*time.Second {
		t.Fatalf("ConfirmTimeout = %s, want 90s", cfg.ConfirmTimeout)
	}
	if cfg.ListenPort != 9090 {
		t.Fatalf("ListenPort = %d, want 9090", cfg.ListenPort)
	}
	if !cfg.Window.Start.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("Window.Start = %s", cfg.Window.Start)
	}
	if len(cfg.AllowedRecipients) != 1 || cfg.AllowedRecipients[0] != allowed {
		t.Fatalf("AllowedRecipients = %v", cfg.AllowedRecipients)
	}
	if cfg.TransferToken != "hunter2" {
		t.Fatalf("TransferToken = %q, want hunter2", cfg.TransferToken)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	setValidEnv(t)

	cfg := loadValidatedConfig(t)

	if cfg.ConfirmTimeout != defaultConfirmTimeout {
		t.Fatalf("ConfirmTimeout = %s, want default %s", cfg.ConfirmTimeout, defaultConfirmTimeout)
	}
	if cfg.ListenPort != defaultListenPort {
		t.Fatalf("ListenPort = %d, want default %d", cfg.ListenPort, defaultListenPort)
	}
	if len(cfg.Rates) != 3 {
		t.Fatalf("rate entries = %d, want 3 defaults", len(cfg.Rates))
	}
	if cfg.Rates[0].RewardPerUnit.String() != "7500" {
		t.Fatalf("default SOL rate = %s, want 7500", cfg.Rates[0].RewardPerUnit)
	}
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	for _, name := range []string{
		MintAddressEnv, TreasuryPublicKeyEnv, TreasuryPrivKeyEnv, PaymentReceiverEnv, RPCEndpointsEnv,
	} {
		t.Run(name, func(t *testing.T) {
			setValidEnv(t)
			t.Setenv(name, "")

			cfg, err := LoadConfigFromEnv()
			if err != nil {
				t.Fatalf("LoadConfigFromEnv: %v", err)
			}
			err = cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted missing required value")
			}
			if !strings.Contains(err.Error(), name) {
				t.Fatalf("error %q does not name %s", err, name)
			}
		})
	}
}

func TestValidateRejectsMalformedTreasuryKey(t *testing.T) {
	setValidEnv(t)
	t.Setenv(TreasuryPrivKeyEnv, "not-base58-!!")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted malformed private key")
	}
	// The key material itself must never appear in the error.
	if strings.Contains(err.Error(), "not-base58-!!") {
		t.Fatalf("error echoes key material: %q", err)
	}
}

func TestValidateRejectsKeyMismatch(t *testing.T) {
	setValidEnv(t)
	t.Setenv(TreasuryPublicKeyEnv, solana.NewWallet().PublicKey().String())

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate accepted mismatched treasury keypair")
	}
}

func TestValidateRejectsBadWindow(t *testing.T) {
	setValidEnv(t)
	t.Setenv(PresaleStartEnv, "2026-06-01T00:00:00Z")
	t.Setenv(PresaleEndEnv, "2026-01-01T00:00:00Z")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate accepted window ending before it starts")
	}
}

func TestValidateRejectsInvertedTransferBounds(t *testing.T) {
	setValidEnv(t)
	t.Setenv(MinTransferEnv, "100")
	t.Setenv(MaxTransferEnv, "10")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate accepted min transfer above max")
	}
}

func TestValidateRejectsMalformedAllowListEntry(t *testing.T) {
	setValidEnv(t)
	t.Setenv(AllowedRecipientsEnv, "zzz-not-a-key")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate accepted malformed allow-list entry")
	}
}

func TestTreasuryKeyRoundTrips(t *testing.T) {
	treasury := setValidEnv(t)

	cfg := loadValidatedConfig(t)
	key := cfg.TreasuryKey()
	if !key.PublicKey().Equals(treasury.PublicKey()) {
		t.Fatal("TreasuryKey does not derive the configured public key")
	}
}
