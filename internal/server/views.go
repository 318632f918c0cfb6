package server

import (
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"rampledger/internal/accounts"
	"rampledger/internal/ledger"
	"rampledger/internal/policy"
)

// Amounts leave the API as decimal token strings.

type depositView struct {
	ID                 string   `json:"id"`
	Owner              string   `json:"owner"`
	IdentityCommitment string   `json:"identityCommitment"`
	ExchangeRate       string   `json:"exchangeRate"`
	OriginalAmount     string   `json:"originalAmount"`
	TotalAmount        string   `json:"totalAmount"`
	RemainingAmount    string   `json:"remainingAmount"`
	OutstandingAmount  string   `json:"outstandingAmount"`
	FulfilledAmount    string   `json:"fulfilledAmount"`
	WithdrawnAmount    string   `json:"withdrawnAmount"`
	OpenIntents        []string `json:"openIntents"`
	Active             bool     `json:"active"`
	CreatedAt          string   `json:"createdAt"`
}

type intentView struct {
	ID               string `json:"id"`
	Claimant         string `json:"claimant"`
	ClaimantIdentity string `json:"claimantIdentity"`
	DepositID        string `json:"depositId"`
	Recipient        string `json:"recipient"`
	Amount           string `json:"amount"`
	FiatAmount       string `json:"fiatAmount"`
	CreatedAt        string `json:"createdAt"`
	ExpiresAt        string `json:"expiresAt"`
}

type receiptView struct {
	IntentID    string `json:"intentId"`
	DepositID   string `json:"depositId"`
	Recipient   string `json:"recipient"`
	Amount      string `json:"amount"`
	Fee         string `json:"fee"`
	Net         string `json:"net"`
	ReplayToken string `json:"replayToken,omitempty"`
}

type accountView struct {
	Principal    string   `json:"principal"`
	IdentityHash string   `json:"identityHash"`
	Provider     string   `json:"provider"`
	RegisteredAt string   `json:"registeredAt"`
	LastOnRampAt string   `json:"lastOnRampAt,omitempty"`
	OpenIntent   string   `json:"openIntent,omitempty"`
	Denylist     []string `json:"denylist"`
}

type paramsView struct {
	MinDepositAmount       string `json:"minDepositAmount"`
	MaxOnRampAmount        string `json:"maxOnRampAmount"`
	FeeRate                string `json:"feeRate"`
	FeeRecipient           string `json:"feeRecipient"`
	IntentExpirationPeriod string `json:"intentExpirationPeriod"`
	OnRampCooldownPeriod   string `json:"onRampCooldownPeriod"`
	TimestampBuffer        string `json:"timestampBuffer"`
}

func (s *Server) amount(v *big.Int) string {
	return policy.FormatAmount(v, s.cfg.TokenDecimals)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func hashes(hs []common.Hash) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.Hex()
	}
	return out
}

func (s *Server) depositView(d ledger.Deposit) depositView {
	return depositView{
		ID:                 strconv.FormatUint(d.ID, 10),
		Owner:              d.Owner.Hex(),
		IdentityCommitment: d.IdentityCommitment.Hex(),
		ExchangeRate:       policy.FormatRate(d.ExchangeRate),
		OriginalAmount:     s.amount(d.OriginalAmount),
		TotalAmount:        s.amount(d.TotalAmount),
		RemainingAmount:    s.amount(d.RemainingAmount),
		OutstandingAmount:  s.amount(d.OutstandingAmount),
		FulfilledAmount:    s.amount(d.FulfilledAmount),
		WithdrawnAmount:    s.amount(d.WithdrawnAmount),
		OpenIntents:        hashes(d.OpenIntentIDs),
		Active:             d.Active,
		CreatedAt:          formatTime(d.CreatedAt),
	}
}

func (s *Server) intentView(in ledger.Intent) intentView {
	return intentView{
		ID:               in.ID.Hex(),
		Claimant:         in.Claimant.Hex(),
		ClaimantIdentity: in.ClaimantIdentity.Hex(),
		DepositID:        strconv.FormatUint(in.DepositID, 10),
		Recipient:        in.Recipient.Hex(),
		Amount:           s.amount(in.Amount),
		// fiat amounts are in the payment provider's minor units
		FiatAmount: in.FiatAmount.String(),
		CreatedAt:  formatTime(in.CreatedAt),
		ExpiresAt:  formatTime(in.ExpiresAt),
	}
}

func (s *Server) receiptView(r ledger.Receipt) receiptView {
	v := receiptView{
		IntentID:  r.IntentID.Hex(),
		DepositID: strconv.FormatUint(r.DepositID, 10),
		Recipient: r.Recipient.Hex(),
		Amount:    s.amount(r.Amount),
		Fee:       s.amount(r.Fee),
		Net:       s.amount(r.Net),
	}
	if r.ReplayToken != (common.Hash{}) {
		v.ReplayToken = r.ReplayToken.Hex()
	}
	return v
}

func accountViewOf(rec accounts.Record) accountView {
	v := accountView{
		Principal:    rec.Owner.Hex(),
		IdentityHash: rec.IdentityHash.Hex(),
		Provider:     string(rec.Provider),
		RegisteredAt: formatTime(rec.RegisteredAt),
		LastOnRampAt: formatTime(rec.LastOnRampAt),
		Denylist:     hashes(rec.Denylist),
	}
	if rec.HasOpenIntent() {
		v.OpenIntent = rec.OpenIntentID.Hex()
	}
	return v
}

func (s *Server) paramsView(p policy.Params) paramsView {
	return paramsView{
		MinDepositAmount:       s.amount(p.MinDepositAmount),
		MaxOnRampAmount:        s.amount(p.MaxOnRampAmount),
		FeeRate:                policy.FormatRate(p.FeeRate),
		FeeRecipient:           p.FeeRecipient.Hex(),
		IntentExpirationPeriod: p.IntentExpirationPeriod.String(),
		OnRampCooldownPeriod:   p.OnRampCooldownPeriod.String(),
		TimestampBuffer:        p.TimestampBuffer.String(),
	}
}
