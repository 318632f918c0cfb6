package ledger

import (
	"context"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"rampledger/internal/events"
	"rampledger/internal/settlement"
)

// CreateDeposit locks amount of the caller's balance and advertises identity
// as the account that payments must reach.
func (l *Ledger) CreateDeposit(ctx context.Context, caller common.Address, identity common.Hash, amount, rate *big.Int) (uint64, error) {
	l.mu.Lock()
	d, err := l.createDeposit(caller, identity, amount, rate)
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}

	l.log.WithFields(logrus.Fields{
		"deposit_id": d.id,
		"owner":      caller.Hex(),
		"amount":     amount.String(),
	}).Info("deposit created")
	l.publish(ctx, []events.Event{events.New(events.DepositCreated, d.createdAt,
		"deposit_id", strconv.FormatUint(d.id, 10),
		"owner", caller.Hex(),
		"identity", identity.Hex(),
		"amount", amount.String(),
		"rate", rate.String(),
	)})
	return d.id, nil
}

func (l *Ledger) createDeposit(caller common.Address, identity common.Hash, amount, rate *big.Int) (*deposit, error) {
	if err := l.params.ValidateDeposit(amount); err != nil {
		return nil, classify(err)
	}
	if rate == nil || rate.Sign() <= 0 {
		return nil, ErrInvalidRate
	}
	if identity == (common.Hash{}) {
		return nil, ErrInvalidIdentity
	}
	if _, err := l.accounts.Identity(caller); err != nil {
		return nil, classify(err)
	}

	if err := l.bank.Apply(settlement.Transfer{From: caller, To: l.escrow, Amount: amount}); err != nil {
		return nil, classify(err)
	}

	d := &deposit{
		id:          l.nextDepositID,
		owner:       caller,
		identity:    identity,
		rate:        new(big.Int).Set(rate),
		original:    new(big.Int).Set(amount),
		total:       new(big.Int).Set(amount),
		remaining:   new(big.Int).Set(amount),
		outstanding: new(big.Int),
		fulfilled:   new(big.Int),
		withdrawn:   new(big.Int),
		active:      true,
		createdAt:   l.now(),
	}
	l.deposits[d.id] = d
	l.nextDepositID++
	return d, nil
}

// WithdrawDeposit withdraws from a single deposit. A nil amount withdraws
// everything withdrawable.
func (l *Ledger) WithdrawDeposit(ctx context.Context, caller common.Address, depositID uint64, amount *big.Int) (*big.Int, error) {
	return l.WithdrawDeposits(ctx, caller, []WithdrawRequest{{DepositID: depositID, Amount: amount}})
}

type withdrawPlan struct {
	d       *deposit
	expired []*intent
	amount  *big.Int
}

// WithdrawDeposits applies every request or none. Expired intents on each
// deposit are pruned first and their amounts become withdrawable. Liquidity
// held by live intents can't be withdrawn. A deposit with nothing left and no
// open intents becomes inactive.
func (l *Ledger) WithdrawDeposits(ctx context.Context, caller common.Address, reqs []WithdrawRequest) (*big.Int, error) {
	l.mu.Lock()
	total, evts, err := l.withdraw(caller, reqs)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	l.publish(ctx, evts)
	return total, nil
}

func (l *Ledger) withdraw(caller common.Address, reqs []WithdrawRequest) (*big.Int, []events.Event, error) {
	if len(reqs) == 0 {
		return nil, nil, ErrInvalidAmount
	}
	now := l.now()
	exp := l.params.IntentExpirationPeriod

	seen := make(map[uint64]bool, len(reqs))
	plans := make([]withdrawPlan, 0, len(reqs))
	total := new(big.Int)
	for _, r := range reqs {
		if seen[r.DepositID] {
			return nil, nil, ErrDuplicateDeposit
		}
		seen[r.DepositID] = true

		d, ok := l.deposits[r.DepositID]
		if !ok {
			return nil, nil, ErrDepositNotFound
		}
		if d.owner != caller {
			return nil, nil, ErrNotOwner
		}

		available := new(big.Int).Set(d.remaining)
		var expired []*intent
		for _, id := range d.intents {
			if in := l.intents[id]; in.expired(now, exp) {
				expired = append(expired, in)
				available.Add(available, in.amount)
			}
		}

		amount := r.Amount
		if amount == nil {
			amount = available
		} else if amount.Sign() <= 0 {
			return nil, nil, ErrInvalidAmount
		}
		if amount.Cmp(available) > 0 {
			return nil, nil, ErrWithdrawTooLarge
		}
		plans = append(plans, withdrawPlan{d: d, expired: expired, amount: new(big.Int).Set(amount)})
		total.Add(total, amount)
	}

	if total.Sign() > 0 {
		if err := l.bank.Apply(settlement.Transfer{From: l.escrow, To: caller, Amount: total}); err != nil {
			l.log.WithError(err).Error("escrow payout failed during withdrawal")
			return nil, nil, err
		}
	}

	var evts []events.Event
	for _, p := range plans {
		for _, in := range p.expired {
			evts = append(evts, l.pruneIntent(p.d, in, now))
		}
		d := p.d
		d.remaining.Sub(d.remaining, p.amount)
		d.total.Sub(d.total, p.amount)
		d.withdrawn.Add(d.withdrawn, p.amount)

		l.log.WithFields(logrus.Fields{
			"deposit_id": d.id,
			"amount":     p.amount.String(),
			"pruned":     len(p.expired),
		}).Info("deposit withdrawn")
		evts = append(evts, events.New(events.DepositWithdrawn, now,
			"deposit_id", strconv.FormatUint(d.id, 10),
			"owner", caller.Hex(),
			"amount", p.amount.String(),
		))
		if d.active && d.drained() {
			evts = append(evts, l.closeDeposit(d, now))
		}
	}
	return total, evts, nil
}
