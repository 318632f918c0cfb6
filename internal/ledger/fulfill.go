package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"rampledger/internal/events"
	"rampledger/internal/nullifier"
	"rampledger/internal/proof"
	"rampledger/internal/settlement"
)

// Fulfill releases an intent's amount to its recipient once p proves the
// off-chain payment. Anyone may submit the proof.
func (l *Ledger) Fulfill(ctx context.Context, caller common.Address, intentID common.Hash, p proof.Proof) (Receipt, error) {
	l.mu.Lock()
	_, ok := l.intents[intentID]
	l.mu.Unlock()
	if !ok {
		return Receipt{}, ErrIntentNotFound
	}

	// Proof processing may be slow, so it runs outside the lock and the intent
	// is looked up again afterwards.
	fact, err := l.verifier.Process(ctx, p)
	if err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{
			"intent_id": intentID.Hex(),
			"provider":  string(p.Provider),
			"reason":    proof.Reason(err),
		}).Warn("payment proof rejected")
		return Receipt{}, err
	}

	l.mu.Lock()
	rcpt, evt, err := l.fulfill(ctx, intentID, fact)
	l.mu.Unlock()
	if err != nil {
		l.log.WithError(err).WithField("intent_id", intentID.Hex()).Warn("fulfillment refused")
		return Receipt{}, err
	}

	l.log.WithFields(logrus.Fields{
		"intent_id":    intentID.Hex(),
		"deposit_id":   rcpt.DepositID,
		"recipient":    rcpt.Recipient.Hex(),
		"submitted_by": caller.Hex(),
		"net":          rcpt.Net.String(),
		"fee":          rcpt.Fee.String(),
	}).Info("intent fulfilled")
	l.publish(ctx, evt)
	return rcpt, nil
}

func (l *Ledger) fulfill(ctx context.Context, intentID common.Hash, fact proof.PaymentFact) (Receipt, []events.Event, error) {
	in, ok := l.intents[intentID]
	if !ok {
		return Receipt{}, nil, ErrIntentNotFound
	}
	d := l.deposits[in.depositID]
	now := l.now()

	if fact.Amount == nil || fact.Amount.Cmp(in.fiatAmount) != 0 {
		return Receipt{}, nil, fmt.Errorf("%w: got %v, want %s", ErrPaymentAmountMismatch, fact.Amount, in.fiatAmount)
	}
	if fact.Timestamp.Before(in.createdAt.Add(-l.params.TimestampBuffer)) || fact.Timestamp.After(now) {
		return Receipt{}, nil, ErrPaymentOutsideWindow
	}
	if fact.PayeeIDHash != d.identity {
		return Receipt{}, nil, ErrPayeeMismatch
	}
	if fact.PayerIDHash != in.claimantIdentity {
		return Receipt{}, nil, ErrPayerMismatch
	}

	used, err := l.nullifiers.Contains(ctx, fact.ReplayToken)
	if err != nil {
		return Receipt{}, nil, fmt.Errorf("check replay token: %w", err)
	}
	if used {
		return Receipt{}, nil, ErrAlreadyUsed
	}

	fee, net := l.params.Split(in.amount)
	payout := []settlement.Transfer{
		{From: l.escrow, To: in.recipient, Amount: net},
		{From: l.escrow, To: l.params.FeeRecipient, Amount: fee},
	}
	if err := l.bank.Apply(payout...); err != nil {
		return Receipt{}, nil, fmt.Errorf("escrow payout: %w", err)
	}
	if err := l.nullifiers.Add(ctx, fact.ReplayToken); err != nil {
		l.reverse(payout)
		if errors.Is(err, nullifier.ErrAlreadyUsed) {
			return Receipt{}, nil, ErrAlreadyUsed
		}
		return Receipt{}, nil, fmt.Errorf("mark replay token: %w", err)
	}

	rcpt, evts := l.settle(d, in, fee, net, now)
	rcpt.ReplayToken = fact.ReplayToken
	evts[0] = events.New(events.IntentFulfilled, now,
		"intent_id", in.id.Hex(),
		"deposit_id", strconv.FormatUint(d.id, 10),
		"recipient", in.recipient.Hex(),
		"amount", in.amount.String(),
		"fee", fee.String(),
		"replay_token", fact.ReplayToken.Hex(),
	)
	return rcpt, evts, nil
}

// reverse undoes a payout that was applied before the replay token could be
// recorded. The escrow was just debited by the same amounts so this cannot
// run short.
func (l *Ledger) reverse(payout []settlement.Transfer) {
	back := make([]settlement.Transfer, len(payout))
	for i, t := range payout {
		back[i] = settlement.Transfer{From: t.To, To: t.From, Amount: t.Amount}
	}
	if err := l.bank.Apply(back...); err != nil {
		l.log.WithError(err).Error("reverse escrow payout")
	}
}

// ReleaseIntent lets the deposit owner settle an intent without a proof, for
// payments confirmed out of band. The fee still applies.
func (l *Ledger) ReleaseIntent(ctx context.Context, caller common.Address, intentID common.Hash) (Receipt, error) {
	l.mu.Lock()
	rcpt, evts, err := l.release(caller, intentID)
	l.mu.Unlock()
	if err != nil {
		return Receipt{}, err
	}
	l.log.WithFields(logrus.Fields{
		"intent_id":  intentID.Hex(),
		"deposit_id": rcpt.DepositID,
		"net":        rcpt.Net.String(),
	}).Info("intent released by owner")
	l.publish(ctx, evts)
	return rcpt, nil
}

func (l *Ledger) release(caller common.Address, intentID common.Hash) (Receipt, []events.Event, error) {
	in, ok := l.intents[intentID]
	if !ok {
		return Receipt{}, nil, ErrIntentNotFound
	}
	d := l.deposits[in.depositID]
	if d.owner != caller {
		return Receipt{}, nil, ErrNotOwner
	}
	now := l.now()

	fee, net := l.params.Split(in.amount)
	if err := l.bank.Apply(
		settlement.Transfer{From: l.escrow, To: in.recipient, Amount: net},
		settlement.Transfer{From: l.escrow, To: l.params.FeeRecipient, Amount: fee},
	); err != nil {
		return Receipt{}, nil, fmt.Errorf("escrow payout: %w", err)
	}

	rcpt, evts := l.settle(d, in, fee, net, now)
	evts[0] = events.New(events.IntentReleased, now,
		"intent_id", in.id.Hex(),
		"deposit_id", strconv.FormatUint(d.id, 10),
		"recipient", in.recipient.Hex(),
		"amount", in.amount.String(),
		"fee", fee.String(),
	)
	return rcpt, evts, nil
}

// settle applies the bookkeeping for a paid-out intent. The first returned
// event slot is reserved for the caller.
func (l *Ledger) settle(d *deposit, in *intent, fee, net *big.Int, now time.Time) (Receipt, []events.Event) {
	d.outstanding.Sub(d.outstanding, in.amount)
	d.total.Sub(d.total, in.amount)
	d.fulfilled.Add(d.fulfilled, in.amount)
	d.dropIntent(in.id)
	delete(l.intents, in.id)
	l.accounts.CloseIntent(in.claimant, in.id)
	l.accounts.MarkOnRamp(in.claimant, now)

	evts := []events.Event{{}}
	if d.active && d.drained() {
		evts = append(evts, l.closeDeposit(d, now))
	}
	return Receipt{
		IntentID:  in.id,
		DepositID: d.id,
		Recipient: in.recipient,
		Amount:    new(big.Int).Set(in.amount),
		Fee:       fee,
		Net:       net,
	}, evts
}
