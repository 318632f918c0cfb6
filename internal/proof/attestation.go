package proof

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const (
	payloadKindPayment      = "payment"
	payloadKindRegistration = "registration"

	// unixLayout marks providers that report epoch seconds instead of a date string.
	unixLayout = "unix"
)

// Layout describes where a provider's notarized response came from and how
// its fields are encoded.
type Layout struct {
	Kind       Kind   `yaml:"kind" json:"kind"`
	Endpoint   string `yaml:"endpoint" json:"endpoint"`
	Host       string `yaml:"host" json:"host"`
	Currency   string `yaml:"currency" json:"currency"`
	Decimals   int32  `yaml:"decimals" json:"decimals"`
	TimeLayout string `yaml:"timeLayout" json:"timeLayout"`
}

// DefaultLayouts are used when the params file does not override a provider.
var DefaultLayouts = map[Kind]Layout{
	KindVenmo: {
		Kind: KindVenmo, Endpoint: "GET https://account.venmo.com/api/stories?feedType=me",
		Host: "account.venmo.com", Currency: "USD", Decimals: 6, TimeLayout: "2006-01-02T15:04:05",
	},
	KindHDFC: {
		Kind: KindHDFC, Endpoint: "EMAIL alerts@hdfcbank.net",
		Host: "hdfcbank.net", Currency: "INR", Decimals: 6, TimeLayout: time.RFC1123Z,
	},
	KindPaylah: {
		Kind: KindPaylah, Endpoint: "EMAIL paylah.alert@dbs.com",
		Host: "dbs.com", Currency: "SGD", Decimals: 6, TimeLayout: time.RFC1123Z,
	},
	KindGaranti: {
		Kind: KindGaranti, Endpoint: "EMAIL garanti@info.garantibbva.com.tr",
		Host: "garantibbva.com.tr", Currency: "TRY", Decimals: 6, TimeLayout: time.RFC1123Z,
	},
	KindWise: {
		Kind: KindWise, Endpoint: "GET https://wise.com/gateway/v3/profiles/{profileId}/transfers/{transferId}",
		Host: "wise.com", Currency: "EUR", Decimals: 6, TimeLayout: time.RFC3339,
	},
	KindRevolut: {
		Kind: KindRevolut, Endpoint: "GET https://app.revolut.com/api/retail/user/current/transactions/last",
		Host: "app.revolut.com", Currency: "EUR", Decimals: 6, TimeLayout: unixLayout,
	},
}

// KeyChecker answers whether a notary key hash is currently accepted.
type KeyChecker interface {
	IsValidKeyHash(ctx context.Context, provider string, hash common.Hash) bool
}

// Attestation processes responses notarized by a TLS/email notary that signs
// the canonical payload bytes with an EIP-191 personal signature.
type Attestation struct {
	layout Layout
	keys   KeyChecker
}

func NewAttestation(layout Layout, keys KeyChecker) *Attestation {
	return &Attestation{layout: layout, keys: keys}
}

func (a *Attestation) Kind() Kind { return a.layout.Kind }

type paymentPayload struct {
	Kind       string `json:"kind"`
	Endpoint   string `json:"endpoint"`
	Host       string `json:"host"`
	TransferID string `json:"transferId"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Date       string `json:"date"`
	PayerID    string `json:"payerId"`
	PayeeID    string `json:"payeeId"`
}

type registrationPayload struct {
	Kind      string `json:"kind"`
	Endpoint  string `json:"endpoint"`
	Host      string `json:"host"`
	UserID    string `json:"userId"`
	Principal string `json:"principal,omitempty"`
}

func (a *Attestation) Process(ctx context.Context, p Proof) (PaymentFact, error) {
	if err := a.verify(ctx, p); err != nil {
		return PaymentFact{}, err
	}

	var body paymentPayload
	if err := json.Unmarshal(p.Payload, &body); err != nil {
		return PaymentFact{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if body.Kind != payloadKindPayment {
		return PaymentFact{}, fmt.Errorf("%w: expected payment payload, got %q", ErrMalformedPayload, body.Kind)
	}
	if err := a.checkOrigin(body.Endpoint, body.Host); err != nil {
		return PaymentFact{}, err
	}
	if body.TransferID == "" || body.PayerID == "" || body.PayeeID == "" {
		return PaymentFact{}, fmt.Errorf("%w: missing transfer or party id", ErrMalformedPayload)
	}
	if !strings.EqualFold(body.Currency, a.layout.Currency) {
		return PaymentFact{}, fmt.Errorf("%w: currency %q, want %q", ErrMalformedPayload, body.Currency, a.layout.Currency)
	}

	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		return PaymentFact{}, fmt.Errorf("%w: amount: %v", ErrMalformedPayload, err)
	}
	scaled := amount.Shift(a.layout.Decimals)
	if !scaled.IsInteger() || !scaled.IsPositive() {
		return PaymentFact{}, fmt.Errorf("%w: amount %q not representable", ErrMalformedPayload, body.Amount)
	}

	ts, err := a.parseTime(body.Date)
	if err != nil {
		return PaymentFact{}, fmt.Errorf("%w: date: %v", ErrMalformedPayload, err)
	}

	return PaymentFact{
		Amount:      scaled.BigInt(),
		Timestamp:   ts,
		PayerIDHash: IdentityHash(a.layout.Kind, body.PayerID),
		PayeeIDHash: IdentityHash(a.layout.Kind, body.PayeeID),
		ReplayToken: ReplayToken(a.layout.Kind, body.TransferID),
		Extra: map[string]common.Hash{
			"currency": crypto.Keccak256Hash([]byte(strings.ToUpper(body.Currency))),
		},
	}, nil
}

func (a *Attestation) ProcessRegistration(ctx context.Context, p Proof) (RegistrationFact, error) {
	if err := a.verify(ctx, p); err != nil {
		return RegistrationFact{}, err
	}

	var body registrationPayload
	if err := json.Unmarshal(p.Payload, &body); err != nil {
		return RegistrationFact{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if body.Kind != payloadKindRegistration {
		return RegistrationFact{}, fmt.Errorf("%w: expected registration payload, got %q", ErrMalformedPayload, body.Kind)
	}
	if err := a.checkOrigin(body.Endpoint, body.Host); err != nil {
		return RegistrationFact{}, err
	}
	if body.UserID == "" {
		return RegistrationFact{}, fmt.Errorf("%w: missing user id", ErrMalformedPayload)
	}

	fact := RegistrationFact{
		Provider:     a.layout.Kind,
		IdentityHash: IdentityHash(a.layout.Kind, body.UserID),
	}
	if body.Principal != "" {
		if !common.IsHexAddress(body.Principal) {
			return RegistrationFact{}, fmt.Errorf("%w: principal %q", ErrMalformedPayload, body.Principal)
		}
		fact.Principal = common.HexToAddress(body.Principal)
	}
	return fact, nil
}

// verify recovers the notary from the signature and checks it is registered.
func (a *Attestation) verify(ctx context.Context, p Proof) error {
	if p.Provider != a.layout.Kind {
		return fmt.Errorf("%w: provider %q routed to %q", ErrMalformedPayload, p.Provider, a.layout.Kind)
	}
	if len(p.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	signer, err := RecoverNotary(p.Payload, p.Signature)
	if err != nil {
		return err
	}
	if !a.keys.IsValidKeyHash(ctx, string(a.layout.Kind), NotaryKeyHash(signer)) {
		return fmt.Errorf("%w: %s", ErrUnknownSigningKey, signer.Hex())
	}
	return nil
}

func (a *Attestation) checkOrigin(endpoint, host string) error {
	if endpoint != a.layout.Endpoint || !strings.EqualFold(host, a.layout.Host) {
		return fmt.Errorf("%w: %s %s", ErrEndpointMismatch, endpoint, host)
	}
	return nil
}

func (a *Attestation) parseTime(raw string) (time.Time, error) {
	layout := a.layout.TimeLayout
	if layout == "" {
		layout = time.RFC3339
	}
	if layout == unixLayout {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(layout, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// IdentityHash is the canonical hash of an off-chain account id.
func IdentityHash(kind Kind, id string) common.Hash {
	return crypto.Keccak256Hash([]byte(kind), []byte(strings.TrimSpace(id)))
}

// ReplayToken fingerprints a real-world transfer independent of who submits it.
func ReplayToken(kind Kind, transferID string) common.Hash {
	return crypto.Keccak256Hash([]byte("payment"), []byte(kind), []byte(transferID))
}

// NotaryKeyHash is the value stored in the key registry for a notary address.
func NotaryKeyHash(addr common.Address) common.Hash {
	return crypto.Keccak256Hash(addr.Bytes())
}

// RecoverNotary returns the address that produced sig over payload.
func RecoverNotary(payload, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature length %d", ErrInvalidProof, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(payload), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces the notary signature the Attestation processor expects.
func Sign(payload []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(payload), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
