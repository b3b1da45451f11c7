package presale

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// PaymentCreator builds unsigned payment transactions.
type PaymentCreator interface {
	Build(ctx context.Context, payerAddress, assetSymbol string, amount decimal.Decimal) (*UnsignedPayment, error)
}

// PaymentChecker verifies claimed payments and triggers disbursement.
type PaymentChecker interface {
	Verify(ctx context.Context, signature, payerAddress, assetSymbol string, amount decimal.Decimal) (*VerificationResult, error)
}

// Server carries the handler dependencies. All fields are required except
// Logger.
type Server struct {
	Builder  PaymentCreator
	Verifier PaymentChecker
	Payout   Payout
	Ledger   Ledger
	Rates    *RateTable
	Mint     solana.PublicKey
	Logger   Logger

	// TransferToken is the bearer credential for the direct disbursement
	// endpoint. When empty the endpoint refuses every request.
	TransferToken string
}

// NewServer constructs the HTTP handler serving the presale API.
func NewServer(s *Server) http.Handler {
	if s.Logger == nil {
		s.Logger = NewLogger("http")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/payment/create", s.handleCreatePayment)
	mux.HandleFunc("POST /api/payment/verify", s.handleVerifyPayment)
	mux.HandleFunc("POST /api/transfer-cgt", s.handleTransfer)
	mux.HandleFunc("GET /api/balance/{wallet}", s.handleBalance)
	mux.HandleFunc("GET /api/rates", s.handleRates)
	mux.HandleFunc("GET /api/presale/stats", s.handleStats)
	mux.Handle("GET /debug/vars", expvar.Handler())

	return withResponseMetrics(mux)
}

func withResponseMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		incrementResponseCount(appResponseCounts, recorder.status)
	})
}

type createPaymentRequest struct {
	Wallet    string          `json:"wallet"`
	Amount    decimal.Decimal `json:"amount"`
	TokenType string          `json:"tokenType"`
}

type createPaymentResponse struct {
	Transaction          string `json:"transaction"`
	ExpectedRewardAmount string `json:"expectedRewardAmount"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	payment, err := s.Builder.Build(r.Context(), req.Wallet, req.TokenType, req.Amount)
	if err != nil {
		s.writeTaxonomyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, createPaymentResponse{
		Transaction:          payment.TransactionBase64,
		ExpectedRewardAmount: payment.ExpectedReward.String(),
	})
}

type verifyPaymentRequest struct {
	Signature string          `json:"signature"`
	Wallet    string          `json:"wallet"`
	Amount    decimal.Decimal `json:"amount"`
	TokenType string          `json:"tokenType"`
}

type verifyPaymentResponse struct {
	Success      bool   `json:"success"`
	Signature    string `json:"signature"`
	RewardAmount string `json:"rewardAmount"`
	Recipient    string `json:"recipient"`
}

func (s *Server) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyPaymentRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.Verifier.Verify(r.Context(), req.Signature, req.Wallet, req.TokenType, req.Amount)
	if err != nil {
		s.writeTaxonomyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyPaymentResponse{
		Success:      true,
		Signature:    result.Disbursement.String(),
		RewardAmount: result.Reward.String(),
		Recipient:    result.Recipient,
	})
}

type transferRequest struct {
	RecipientWallet string          `json:"recipientWallet"`
	Amount          decimal.Decimal `json:"amount"`
	Timestamp       int64           `json:"timestamp"`
}

type transferResponse struct {
	Success   bool   `json:"success"`
	Signature string `json:"signature"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
	Timestamp int64  `json:"timestamp"`
}

// handleTransfer is the direct disbursement path. It requires the configured
// bearer token; the request timestamp is epoch milliseconds and the disburser
// enforces the freshness window.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeTransfer(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid transfer credentials")
		return
	}
	var req transferRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	requestedAt := time.UnixMilli(req.Timestamp)
	sig, err := s.Payout.Disburse(r.Context(), req.RecipientWallet, req.Amount, requestedAt)
	if err != nil {
		s.writeTaxonomyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transferResponse{
		Success:   true,
		Signature: sig.String(),
		Amount:    req.Amount.String(),
		Recipient: req.RecipientWallet,
		Timestamp: req.Timestamp,
	})
}

func (s *Server) authorizeTransfer(r *http.Request) bool {
	if s.TransferToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.TransferToken)) == 1
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	wallet, err := solana.PublicKeyFromBase58(r.PathValue("wallet"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid wallet address")
		return
	}
	balance, err := s.Ledger.TokenBalance(r.Context(), wallet, s.Mint)
	if err != nil {
		s.writeTaxonomyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

type rateResponseEntry struct {
	Rate string `json:"rate"`
	Min  string `json:"min"`
	Max  string `json:"max"`
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	rates := make(map[string]rateResponseEntry)
	for _, entry := range s.Rates.Entries() {
		rates[entry.Asset.Symbol] = rateResponseEntry{
			Rate: entry.RewardPerUnit.String(),
			Min:  entry.MinUnits.String(),
			Max:  entry.MaxUnits.String(),
		}
	}
	window := s.Rates.Window()
	writeJSON(w, http.StatusOK, map[string]any{
		"rates": rates,
		"presale": map[string]any{
			"start":  window.Start.Format(time.RFC3339),
			"end":    window.End.Format(time.RFC3339),
			"active": window.Active(time.Now()),
		},
	})
}

// handleStats serves synthetic presale statistics for the landing page. No
// invariants here; the numbers are decorative.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"totalRaisedUsd": "1284350",
		"tokensSold":     "64217500",
		"participants":   3921,
		"stage":          3,
	})
}

func (s *Server) writeTaxonomyError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := classifyError(err)
	if status >= http.StatusInternalServerError {
		s.Logger.Printf("%s %s failed: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, status, message)
}

// classifyError maps the pipeline's error taxonomy onto HTTP semantics.
// Internal failure detail never reaches the client.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrLedgerUnavailable):
		return http.StatusServiceUnavailable, "ledger temporarily unavailable, retry later"
	case errors.Is(err, ErrTransferFailed):
		return http.StatusInternalServerError, ErrTransferFailed.Error()
	case errors.Is(err, ErrPresaleInactive),
		errors.Is(err, ErrInvalidAsset),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidAddress),
		errors.Is(err, ErrReplayExpired),
		errors.Is(err, ErrAmountOutOfBounds),
		errors.Is(err, ErrRecipientNotAllowed),
		errors.Is(err, ErrConfirmationTimeout),
		errors.Is(err, ErrPaymentRejected):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func decodeJSONBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
