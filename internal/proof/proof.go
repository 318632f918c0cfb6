// Package proof defines the contract between the ledger and provider-specific
// payment proof processors, plus a router that dispatches a proof to the
// processor configured for its provider.
package proof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Kind identifies a payment provider.
type Kind string

const (
	KindVenmo   Kind = "venmo"
	KindHDFC    Kind = "hdfc"
	KindPaylah  Kind = "paylah"
	KindGaranti Kind = "garanti"
	KindWise    Kind = "wise"
	KindRevolut Kind = "revolut"
)

var kinds = []Kind{KindVenmo, KindHDFC, KindPaylah, KindGaranti, KindWise, KindRevolut}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown provider %q", ErrMalformedPayload, s)
}

// ErrRejected is the parent of every processor rejection.
var ErrRejected = errors.New("proof rejected")

var (
	ErrInvalidProof      = fmt.Errorf("%w: invalid proof", ErrRejected)
	ErrUnknownSigningKey = fmt.Errorf("%w: unknown signing key", ErrRejected)
	ErrMalformedPayload  = fmt.Errorf("%w: malformed payload", ErrRejected)
	ErrEndpointMismatch  = fmt.Errorf("%w: endpoint mismatch", ErrRejected)
)

// Reason returns a short label for a rejection, used for metrics.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidProof):
		return "invalid_proof"
	case errors.Is(err, ErrUnknownSigningKey):
		return "unknown_signing_key"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrEndpointMismatch):
		return "endpoint_mismatch"
	default:
		return "other"
	}
}

// Proof is a provider-specific payment artifact as submitted by a caller.
type Proof struct {
	Provider  Kind            `json:"provider"`
	Payload   json.RawMessage `json:"payload"`
	Signature hexutil.Bytes   `json:"signature"`
}

// PaymentFact is the canonical set of facts extracted from a valid payment proof.
type PaymentFact struct {
	Amount      *big.Int
	Timestamp   time.Time
	PayerIDHash common.Hash
	PayeeIDHash common.Hash
	ReplayToken common.Hash
	Extra       map[string]common.Hash
}

// RegistrationFact is extracted from a valid registration proof. Principal is
// zero when the attestation does not bind an address.
type RegistrationFact struct {
	Provider     Kind
	IdentityHash common.Hash
	Principal    common.Address
}

// Processor validates proofs for one provider.
type Processor interface {
	Kind() Kind
	Process(ctx context.Context, p Proof) (PaymentFact, error)
	ProcessRegistration(ctx context.Context, p Proof) (RegistrationFact, error)
}

// Router selects a processor by the proof's provider kind.
type Router struct {
	processors map[Kind]Processor
}

func NewRouter(processors ...Processor) *Router {
	r := &Router{processors: make(map[Kind]Processor, len(processors))}
	for _, p := range processors {
		r.processors[p.Kind()] = p
	}
	return r
}

func (r *Router) Kinds() []Kind {
	out := make([]Kind, 0, len(r.processors))
	for _, k := range kinds {
		if _, ok := r.processors[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func (r *Router) lookup(k Kind) (Processor, error) {
	p, ok := r.processors[k]
	if !ok {
		return nil, fmt.Errorf("%w: no processor for provider %q", ErrMalformedPayload, k)
	}
	return p, nil
}

func (r *Router) Process(ctx context.Context, p Proof) (PaymentFact, error) {
	proc, err := r.lookup(p.Provider)
	if err != nil {
		return PaymentFact{}, err
	}
	return proc.Process(ctx, p)
}

func (r *Router) ProcessRegistration(ctx context.Context, p Proof) (RegistrationFact, error) {
	proc, err := r.lookup(p.Provider)
	if err != nil {
		return RegistrationFact{}, err
	}
	return proc.ProcessRegistration(ctx, p)
}
