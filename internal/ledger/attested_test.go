package ledger

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"rampledger/internal/accounts"
	"rampledger/internal/events"
	"rampledger/internal/keyregistry"
	"rampledger/internal/nullifier"
	"rampledger/internal/policy"
	"rampledger/internal/proof"
	"rampledger/internal/settlement"
)

func notarize(t *testing.T, key *ecdsa.PrivateKey, body map[string]string) proof.Proof {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	sig, err := proof.Sign(raw, key)
	require.NoError(t, err)
	return proof.Proof{Provider: proof.KindRevolut, Payload: raw, Signature: sig}
}

func revolutRegistration(user string, principal common.Address) map[string]string {
	l := proof.DefaultLayouts[proof.KindRevolut]
	return map[string]string{
		"kind":      "registration",
		"endpoint":  l.Endpoint,
		"host":      l.Host,
		"userId":    user,
		"principal": principal.Hex(),
	}
}

func revolutPayment(transfer, amount, payer, payee string, at time.Time) map[string]string {
	l := proof.DefaultLayouts[proof.KindRevolut]
	return map[string]string{
		"kind":       "payment",
		"endpoint":   l.Endpoint,
		"host":       l.Host,
		"transferId": transfer,
		"amount":     amount,
		"currency":   "EUR",
		"date":       strconv.FormatInt(at.Unix(), 10),
		"payerId":    payer,
		"payeeId":    payee,
	}
}

func TestAttestedRoundTrip(t *testing.T) {
	ctx := context.Background()
	log := quietLogger()
	clk := &clock{t: start}

	notary, err := crypto.GenerateKey()
	require.NoError(t, err)
	keys := keyregistry.New(keyregistry.NewMemoryStore(), authority, log)
	require.NoError(t, keys.AddKeyHash(ctx, authority, string(proof.KindRevolut),
		proof.NotaryKeyHash(crypto.PubkeyToAddress(notary.PublicKey))))

	router := proof.NewRouter(proof.NewAttestation(proof.DefaultLayouts[proof.KindRevolut], keys))
	bank := settlement.NewMemoryBank()
	rec := &events.Recorder{}
	l, err := New(Config{Params: testParams(), Authority: authority, Escrow: escrowAddr}, Deps{
		Accounts:   accounts.NewDirectory(router, clk.now, log),
		Verifier:   router,
		Nullifiers: nullifier.NewMemoryStore(),
		Bank:       bank,
		Publisher:  rec,
		Now:        clk.now,
		Log:        log,
	})
	require.NoError(t, err)

	// A registration proof bound to alice can't be claimed by bob.
	_, err = l.Register(ctx, bob, notarize(t, notary, revolutRegistration("alice-rev", alice)))
	require.ErrorIs(t, err, ErrUnauthorized)

	aliceAcct, err := l.Register(ctx, alice, notarize(t, notary, revolutRegistration("alice-rev", alice)))
	require.NoError(t, err)
	_, err = l.Register(ctx, bob, notarize(t, notary, revolutRegistration("bob-rev", bob)))
	require.NoError(t, err)

	require.NoError(t, l.Credit(ctx, authority, alice, units(100)))
	depID, err := l.CreateDeposit(ctx, alice, aliceAcct.IdentityHash, units(100), policy.PreciseUnit)
	require.NoError(t, err)
	intentID, err := l.SignalIntent(ctx, bob, depID, units(25), common.Address{})
	require.NoError(t, err)

	clk.advance(3 * time.Minute)
	paid := notarize(t, notary, revolutPayment("rev-tx-1", "25.00", "bob-rev", "alice-rev", clk.now()))

	// Notaries outside the registry are rejected.
	forged, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = l.Fulfill(ctx, bob, intentID, notarize(t, forged, revolutPayment("rev-tx-1", "25.00", "bob-rev", "alice-rev", clk.now())))
	require.ErrorIs(t, err, proof.ErrUnknownSigningKey)

	rcpt, err := l.Fulfill(ctx, bob, intentID, paid)
	require.NoError(t, err)
	require.Equal(t, proof.ReplayToken(proof.KindRevolut, "rev-tx-1"), rcpt.ReplayToken)
	require.Equal(t, "24750000", bank.Balance(bob).String())

	// Replaying the same transfer on a fresh intent is refused.
	again, err := l.SignalIntent(ctx, bob, depID, units(25), common.Address{})
	require.NoError(t, err)
	_, err = l.Fulfill(ctx, bob, again, paid)
	require.ErrorIs(t, err, ErrAlreadyUsed)

	// Removing the notary key revokes proofs it signs from then on.
	require.NoError(t, keys.RemoveKeyHash(ctx, authority, string(proof.KindRevolut),
		proof.NotaryKeyHash(crypto.PubkeyToAddress(notary.PublicKey))))
	clk.advance(time.Minute)
	_, err = l.Fulfill(ctx, bob, again, notarize(t, notary, revolutPayment("rev-tx-2", "25.00", "bob-rev", "alice-rev", clk.now())))
	require.ErrorIs(t, err, proof.ErrUnknownSigningKey)
	require.ErrorIs(t, err, proof.ErrRejected)
}
