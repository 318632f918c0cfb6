package ledger

import (
	"context"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"rampledger/internal/events"
	"rampledger/internal/policy"
)

// IntentID derives the intent key from the claimant identity, deposit and
// signal time.
func IntentID(identity common.Hash, depositID uint64, at time.Time) common.Hash {
	return crypto.Keccak256Hash(
		identity.Bytes(),
		common.LeftPadBytes(new(big.Int).SetUint64(depositID).Bytes(), 32),
		common.LeftPadBytes(big.NewInt(at.Unix()).Bytes(), 32),
	)
}

// SignalIntent reserves amount of a deposit for the caller. A zero recipient
// pays out to the caller.
func (l *Ledger) SignalIntent(ctx context.Context, caller common.Address, depositID uint64, amount *big.Int, recipient common.Address) (common.Hash, error) {
	l.mu.Lock()
	in, evts, err := l.signalIntent(caller, depositID, amount, recipient)
	l.mu.Unlock()
	if err != nil {
		return common.Hash{}, err
	}

	l.log.WithFields(logrus.Fields{
		"intent_id":  in.id.Hex(),
		"deposit_id": depositID,
		"claimant":   caller.Hex(),
		"amount":     amount.String(),
		"pruned":     len(evts) - 1,
	}).Info("intent signaled")
	l.publish(ctx, evts)
	return in.id, nil
}

func (l *Ledger) signalIntent(caller common.Address, depositID uint64, amount *big.Int, recipient common.Address) (*intent, []events.Event, error) {
	if err := l.params.ValidateOnRamp(amount); err != nil {
		return nil, nil, classify(err)
	}
	acct, ok := l.accounts.Get(caller)
	if !ok {
		return nil, nil, ErrNotRegistered
	}
	if acct.HasOpenIntent() {
		return nil, nil, ErrIntentAlreadyOpen
	}

	now := l.now()
	if !acct.LastOnRampAt.IsZero() && now.Sub(acct.LastOnRampAt) < l.params.OnRampCooldownPeriod {
		return nil, nil, ErrCooldownActive
	}

	d, ok := l.deposits[depositID]
	if !ok {
		return nil, nil, ErrDepositNotFound
	}
	if !d.active {
		return nil, nil, ErrDepositInactive
	}
	if l.accounts.IsDenied(d.owner, acct.IdentityHash) {
		return nil, nil, ErrDenylisted
	}
	if ownerIdentity, err := l.accounts.Identity(d.owner); err == nil && l.accounts.IsDenied(caller, ownerIdentity) {
		return nil, nil, ErrDenylisted
	}

	prunable, err := l.reclaimable(d, amount, now)
	if err != nil {
		return nil, nil, err
	}

	id := IntentID(acct.IdentityHash, depositID, now)
	if _, exists := l.intents[id]; exists {
		return nil, nil, ErrIntentAlreadyOpen
	}
	if err := l.accounts.OpenIntent(caller, id); err != nil {
		return nil, nil, classify(err)
	}

	// Nothing below can fail.
	evts := make([]events.Event, 0, len(prunable)+1)
	for _, old := range prunable {
		evts = append(evts, l.pruneIntent(d, old, now))
	}

	if recipient == (common.Address{}) {
		recipient = caller
	}
	in := &intent{
		id:               id,
		claimant:         caller,
		claimantIdentity: acct.IdentityHash,
		depositID:        depositID,
		recipient:        recipient,
		amount:           new(big.Int).Set(amount),
		fiatAmount:       policy.FiatAmount(amount, d.rate),
		createdAt:        now,
	}
	l.intents[id] = in
	d.intents = append(d.intents, id)
	d.remaining.Sub(d.remaining, amount)
	d.outstanding.Add(d.outstanding, amount)

	evts = append(evts, events.New(events.IntentSignaled, now,
		"intent_id", id.Hex(),
		"deposit_id", strconv.FormatUint(depositID, 10),
		"claimant", caller.Hex(),
		"recipient", recipient.Hex(),
		"amount", amount.String(),
		"fiat_amount", in.fiatAmount.String(),
	))
	return in, evts, nil
}

// reclaimable returns the oldest expired intents whose release is needed to
// fit amount. It returns none when remaining liquidity already suffices.
func (l *Ledger) reclaimable(d *deposit, amount *big.Int, now time.Time) ([]*intent, error) {
	if d.remaining.Cmp(amount) >= 0 {
		return nil, nil
	}

	var expired []*intent
	for _, id := range d.intents {
		if in := l.intents[id]; in.expired(now, l.params.IntentExpirationPeriod) {
			expired = append(expired, in)
		}
	}
	sort.SliceStable(expired, func(i, j int) bool { return expired[i].createdAt.Before(expired[j].createdAt) })

	available := new(big.Int).Set(d.remaining)
	for i, in := range expired {
		available.Add(available, in.amount)
		if available.Cmp(amount) >= 0 {
			return expired[:i+1], nil
		}
	}
	return nil, ErrInsufficientLiquidity
}

// pruneIntent returns an expired intent's amount to the deposit.
func (l *Ledger) pruneIntent(d *deposit, in *intent, now time.Time) events.Event {
	d.remaining.Add(d.remaining, in.amount)
	d.outstanding.Sub(d.outstanding, in.amount)
	d.dropIntent(in.id)
	delete(l.intents, in.id)
	l.accounts.CloseIntent(in.claimant, in.id)

	l.log.WithFields(logrus.Fields{
		"intent_id":  in.id.Hex(),
		"deposit_id": d.id,
		"amount":     in.amount.String(),
	}).Info("expired intent pruned")
	return events.New(events.IntentPruned, now,
		"intent_id", in.id.Hex(),
		"deposit_id", strconv.FormatUint(d.id, 10),
		"claimant", in.claimant.Hex(),
		"amount", in.amount.String(),
	)
}

// CancelIntent returns the intent's amount to its deposit. Only the claimant
// may cancel, and no proof is needed.
func (l *Ledger) CancelIntent(ctx context.Context, caller common.Address, intentID common.Hash) error {
	l.mu.Lock()
	evt, err := l.cancelIntent(caller, intentID)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.log.WithFields(logrus.Fields{"intent_id": intentID.Hex(), "claimant": caller.Hex()}).Info("intent cancelled")
	l.publish(ctx, []events.Event{evt})
	return nil
}

func (l *Ledger) cancelIntent(caller common.Address, intentID common.Hash) (events.Event, error) {
	in, ok := l.intents[intentID]
	if !ok {
		return events.Event{}, ErrIntentNotFound
	}
	if in.claimant != caller {
		return events.Event{}, ErrNotClaimant
	}
	d := l.deposits[in.depositID]

	d.remaining.Add(d.remaining, in.amount)
	d.outstanding.Sub(d.outstanding, in.amount)
	d.dropIntent(in.id)
	delete(l.intents, in.id)
	l.accounts.CloseIntent(in.claimant, in.id)

	return events.New(events.IntentCancelled, l.now(),
		"intent_id", in.id.Hex(),
		"deposit_id", strconv.FormatUint(d.id, 10),
		"claimant", caller.Hex(),
		"amount", in.amount.String(),
	), nil
}

func (l *Ledger) closeDeposit(d *deposit, now time.Time) events.Event {
	d.active = false
	l.log.WithField("deposit_id", d.id).Info("deposit closed")
	return events.New(events.DepositClosed, now,
		"deposit_id", strconv.FormatUint(d.id, 10),
		"owner", d.owner.Hex(),
		"fulfilled", d.fulfilled.String(),
		"withdrawn", d.withdrawn.String(),
	)
}
