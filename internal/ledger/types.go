package ledger

import (
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Deposit is a read-only copy of a deposit's state.
type Deposit struct {
	ID                 uint64
	Owner              common.Address
	IdentityCommitment common.Hash
	ExchangeRate       *big.Int
	OriginalAmount     *big.Int
	TotalAmount        *big.Int
	RemainingAmount    *big.Int
	OutstandingAmount  *big.Int
	FulfilledAmount    *big.Int
	WithdrawnAmount    *big.Int
	OpenIntentIDs      []common.Hash
	Active             bool
	CreatedAt          time.Time
}

// Intent is a read-only copy of an open intent.
type Intent struct {
	ID               common.Hash
	Claimant         common.Address
	ClaimantIdentity common.Hash
	DepositID        uint64
	Recipient        common.Address
	Amount           *big.Int
	FiatAmount       *big.Int
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// Receipt describes the payout of a fulfilled or released intent.
type Receipt struct {
	IntentID    common.Hash
	DepositID   uint64
	Recipient   common.Address
	Amount      *big.Int
	Fee         *big.Int
	Net         *big.Int
	ReplayToken common.Hash
}

// WithdrawRequest withdraws Amount from a deposit, or everything withdrawable
// when Amount is nil.
type WithdrawRequest struct {
	DepositID uint64
	Amount    *big.Int
}

type deposit struct {
	id          uint64
	owner       common.Address
	identity    common.Hash
	rate        *big.Int
	original    *big.Int
	total       *big.Int
	remaining   *big.Int
	outstanding *big.Int
	fulfilled   *big.Int
	withdrawn   *big.Int
	intents     []common.Hash
	active      bool
	createdAt   time.Time
}

func (d *deposit) view() Deposit {
	ids := make([]common.Hash, len(d.intents))
	copy(ids, d.intents)
	return Deposit{
		ID:                 d.id,
		Owner:              d.owner,
		IdentityCommitment: d.identity,
		ExchangeRate:       new(big.Int).Set(d.rate),
		OriginalAmount:     new(big.Int).Set(d.original),
		TotalAmount:        new(big.Int).Set(d.total),
		RemainingAmount:    new(big.Int).Set(d.remaining),
		OutstandingAmount:  new(big.Int).Set(d.outstanding),
		FulfilledAmount:    new(big.Int).Set(d.fulfilled),
		WithdrawnAmount:    new(big.Int).Set(d.withdrawn),
		OpenIntentIDs:      ids,
		Active:             d.active,
		CreatedAt:          d.createdAt,
	}
}

func (d *deposit) dropIntent(id common.Hash) {
	for i, h := range d.intents {
		if h == id {
			d.intents = append(d.intents[:i], d.intents[i+1:]...)
			return
		}
	}
}

// drained reports whether nothing is left to claim or withdraw.
func (d *deposit) drained() bool {
	return d.remaining.Sign() == 0 && d.outstanding.Sign() == 0
}

type intent struct {
	id               common.Hash
	claimant         common.Address
	claimantIdentity common.Hash
	depositID        uint64
	recipient        common.Address
	amount           *big.Int
	fiatAmount       *big.Int
	createdAt        time.Time
}

func (i *intent) view(expiration time.Duration) Intent {
	return Intent{
		ID:               i.id,
		Claimant:         i.claimant,
		ClaimantIdentity: i.claimantIdentity,
		DepositID:        i.depositID,
		Recipient:        i.recipient,
		Amount:           new(big.Int).Set(i.amount),
		FiatAmount:       new(big.Int).Set(i.fiatAmount),
		CreatedAt:        i.createdAt,
		ExpiresAt:        i.createdAt.Add(expiration),
	}
}

func (i *intent) expired(now time.Time, expiration time.Duration) bool {
	return now.Sub(i.createdAt) > expiration
}

func sortDeposits(ds []Deposit) {
	sort.Slice(ds, func(a, b int) bool { return ds[a].ID < ds[b].ID })
}
