// Package ledger owns deposit and intent state and applies every transition
// as one serialized, all-or-nothing step.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"rampledger/internal/accounts"
	"rampledger/internal/events"
	"rampledger/internal/nullifier"
	"rampledger/internal/policy"
	"rampledger/internal/proof"
	"rampledger/internal/settlement"
)

// PaymentVerifier turns a payment proof into canonical facts or rejects it.
type PaymentVerifier interface {
	Process(ctx context.Context, p proof.Proof) (proof.PaymentFact, error)
}

type Config struct {
	Params    policy.Params
	Authority common.Address
	// Escrow is the bank account that holds locked deposit collateral.
	Escrow common.Address
}

type Deps struct {
	Accounts   *accounts.Directory
	Verifier   PaymentVerifier
	Nullifiers nullifier.Store
	Bank       settlement.Bank
	Publisher  events.Publisher
	Now        func() time.Time
	Log        *logrus.Logger
}

type Ledger struct {
	mu sync.Mutex

	params    policy.Params
	authority common.Address
	escrow    common.Address

	deposits      map[uint64]*deposit
	intents       map[common.Hash]*intent
	nextDepositID uint64

	accounts   *accounts.Directory
	verifier   PaymentVerifier
	nullifiers nullifier.Store
	bank       settlement.Bank
	publisher  events.Publisher
	now        func() time.Time
	log        *logrus.Logger
}

func New(cfg Config, deps Deps) (*Ledger, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Authority == (common.Address{}) || cfg.Escrow == (common.Address{}) {
		return nil, errors.New("ledger: authority and escrow addresses are required")
	}
	if deps.Accounts == nil || deps.Verifier == nil || deps.Nullifiers == nil || deps.Bank == nil {
		return nil, errors.New("ledger: accounts, verifier, nullifiers and bank are required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.LogPublisher{Log: deps.Log}
	}
	return &Ledger{
		params:        cfg.Params.Clone(),
		authority:     cfg.Authority,
		escrow:        cfg.Escrow,
		deposits:      make(map[uint64]*deposit),
		intents:       make(map[common.Hash]*intent),
		nextDepositID: 1,
		accounts:      deps.Accounts,
		verifier:      deps.Verifier,
		nullifiers:    deps.Nullifiers,
		bank:          deps.Bank,
		publisher:     deps.Publisher,
		now:           deps.Now,
		log:           deps.Log,
	}, nil
}

// publish runs after the lock is released; failures never undo a transition.
func (l *Ledger) publish(ctx context.Context, evts []events.Event) {
	if len(evts) == 0 {
		return
	}
	if err := l.publisher.Publish(ctx, evts...); err != nil {
		l.log.WithError(err).WithField("count", len(evts)).Error("publish ledger events")
	}
}

func (l *Ledger) Params() policy.Params {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.params.Clone()
}

func (l *Ledger) Authority() common.Address { return l.authority }

// UpdateParams replaces the fee and limit configuration.
func (l *Ledger) UpdateParams(ctx context.Context, caller common.Address, p policy.Params) error {
	if caller != l.authority {
		return ErrNotAuthority
	}
	if err := p.Validate(); err != nil {
		return classify(err)
	}
	l.mu.Lock()
	l.params = p.Clone()
	l.mu.Unlock()

	l.log.WithFields(logrus.Fields{
		"min_deposit": p.MinDepositAmount.String(),
		"max_on_ramp": p.MaxOnRampAmount.String(),
		"fee_rate":    policy.FormatRate(p.FeeRate),
	}).Info("params updated")
	l.publish(ctx, []events.Event{events.New(events.ParamsUpdated, l.now(),
		"min_deposit", p.MinDepositAmount.String(),
		"max_on_ramp", p.MaxOnRampAmount.String(),
		"fee_rate", policy.FormatRate(p.FeeRate),
		"fee_recipient", p.FeeRecipient.Hex(),
	)})
	return nil
}

// Credit mints settlement balance to a principal.
func (l *Ledger) Credit(_ context.Context, caller, to common.Address, amount *big.Int) error {
	if caller != l.authority {
		return ErrNotAuthority
	}
	if err := l.bank.Mint(to, amount); err != nil {
		return classify(err)
	}
	l.log.WithFields(logrus.Fields{"to": to.Hex(), "amount": amount.String()}).Info("balance credited")
	return nil
}

func (l *Ledger) Balance(addr common.Address) *big.Int {
	return l.bank.Balance(addr)
}

// Register binds the identity proven by p to caller.
func (l *Ledger) Register(ctx context.Context, caller common.Address, p proof.Proof) (accounts.Record, error) {
	l.mu.Lock()
	rec, err := l.accounts.Register(ctx, caller, p)
	l.mu.Unlock()
	if err != nil {
		return accounts.Record{}, classify(err)
	}
	l.publish(ctx, []events.Event{events.New(events.AccountRegistered, rec.RegisteredAt,
		"principal", caller.Hex(), "identity", rec.IdentityHash.Hex(), "provider", string(rec.Provider))})
	return rec, nil
}

func (l *Ledger) GetAccount(principal common.Address) (accounts.Record, error) {
	rec, ok := l.accounts.Get(principal)
	if !ok {
		return accounts.Record{}, ErrAccountNotFound
	}
	return rec, nil
}

// AddToDenylist only affects intents signaled afterwards.
func (l *Ledger) AddToDenylist(ctx context.Context, caller common.Address, identity common.Hash) error {
	return l.updateDenylist(ctx, caller, identity, true)
}

func (l *Ledger) RemoveFromDenylist(ctx context.Context, caller common.Address, identity common.Hash) error {
	return l.updateDenylist(ctx, caller, identity, false)
}

func (l *Ledger) updateDenylist(ctx context.Context, caller common.Address, identity common.Hash, add bool) error {
	l.mu.Lock()
	var err error
	if add {
		err = l.accounts.AddToDenylist(caller, identity)
	} else {
		err = l.accounts.RemoveFromDenylist(caller, identity)
	}
	l.mu.Unlock()
	if err != nil {
		return classify(err)
	}
	l.publish(ctx, []events.Event{events.New(events.DenylistUpdated, l.now(),
		"principal", caller.Hex(), "identity", identity.Hex(), "denied", strconv.FormatBool(add))})
	return nil
}

// ResetIdentity unbinds a principal's identity so it can register a new one.
// Only allowed while the principal has no open intent and no active deposit.
func (l *Ledger) ResetIdentity(ctx context.Context, caller, principal common.Address) error {
	if caller != l.authority {
		return ErrNotAuthority
	}
	l.mu.Lock()
	for _, d := range l.deposits {
		if d.owner == principal && (d.active || d.outstanding.Sign() > 0) {
			l.mu.Unlock()
			return ErrOwnsActiveDeposits
		}
	}
	rec, err := l.accounts.Reset(principal)
	l.mu.Unlock()
	if err != nil {
		return classify(err)
	}
	l.log.WithFields(logrus.Fields{"principal": principal.Hex(), "identity": rec.IdentityHash.Hex()}).Warn("identity reset")
	l.publish(ctx, []events.Event{events.New(events.AccountReset, l.now(),
		"principal", principal.Hex(), "identity", rec.IdentityHash.Hex())})
	return nil
}

func (l *Ledger) GetDeposit(id uint64) (Deposit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.deposits[id]
	if !ok {
		return Deposit{}, ErrDepositNotFound
	}
	return d.view(), nil
}

// ListDeposits returns the owner's deposits, or every deposit for a zero owner.
func (l *Ledger) ListDeposits(owner common.Address) []Deposit {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Deposit, 0)
	for _, d := range l.deposits {
		if owner == (common.Address{}) || d.owner == owner {
			out = append(out, d.view())
		}
	}
	sortDeposits(out)
	return out
}

func (l *Ledger) GetIntent(id common.Hash) (Intent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.intents[id]
	if !ok {
		return Intent{}, ErrIntentNotFound
	}
	return in.view(l.params.IntentExpirationPeriod), nil
}
