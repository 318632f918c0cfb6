package proof

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

type keySet map[common.Hash]bool

func (k keySet) IsValidKeyHash(_ context.Context, _ string, hash common.Hash) bool {
	return k[hash]
}

func newNotary(t *testing.T) (*ecdsa.PrivateKey, keySet) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, keySet{NotaryKeyHash(crypto.PubkeyToAddress(key.PublicKey)): true}
}

func signed(t *testing.T, kind Kind, key *ecdsa.PrivateKey, body any) Proof {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	sig, err := Sign(raw, key)
	require.NoError(t, err)
	return Proof{Provider: kind, Payload: raw, Signature: sig}
}

func venmoPayment() paymentPayload {
	l := DefaultLayouts[KindVenmo]
	return paymentPayload{
		Kind:       payloadKindPayment,
		Endpoint:   l.Endpoint,
		Host:       l.Host,
		TransferID: "4012345678901234567",
		Amount:     "40.00",
		Currency:   "USD",
		Date:       "2024-03-01T12:00:00",
		PayerID:    "payer-123",
		PayeeID:    "payee-456",
	}
}

func TestProcessExtractsFacts(t *testing.T) {
	key, keys := newNotary(t)
	proc := NewAttestation(DefaultLayouts[KindVenmo], keys)

	fact, err := proc.Process(context.Background(), signed(t, KindVenmo, key, venmoPayment()))
	require.NoError(t, err)
	require.Equal(t, "40000000", fact.Amount.String())
	require.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), fact.Timestamp)
	require.Equal(t, IdentityHash(KindVenmo, "payer-123"), fact.PayerIDHash)
	require.Equal(t, IdentityHash(KindVenmo, "payee-456"), fact.PayeeIDHash)
	require.Equal(t, ReplayToken(KindVenmo, "4012345678901234567"), fact.ReplayToken)
	require.Contains(t, fact.Extra, "currency")
}

func TestReplayTokenIndependentOfSubmitter(t *testing.T) {
	key, keys := newNotary(t)
	proc := NewAttestation(DefaultLayouts[KindVenmo], keys)

	a, err := proc.Process(context.Background(), signed(t, KindVenmo, key, venmoPayment()))
	require.NoError(t, err)
	b, err := proc.Process(context.Background(), signed(t, KindVenmo, key, venmoPayment()))
	require.NoError(t, err)
	require.Equal(t, a.ReplayToken, b.ReplayToken)
}

func TestProcessRejections(t *testing.T) {
	key, keys := newNotary(t)
	proc := NewAttestation(DefaultLayouts[KindVenmo], keys)
	ctx := context.Background()

	t.Run("unknown notary", func(t *testing.T) {
		other, err := crypto.GenerateKey()
		require.NoError(t, err)
		_, err = proc.Process(ctx, signed(t, KindVenmo, other, venmoPayment()))
		require.ErrorIs(t, err, ErrUnknownSigningKey)
		require.ErrorIs(t, err, ErrRejected)
	})

	t.Run("bad signature length", func(t *testing.T) {
		p := signed(t, KindVenmo, key, venmoPayment())
		p.Signature = p.Signature[:10]
		_, err := proc.Process(ctx, p)
		require.ErrorIs(t, err, ErrInvalidProof)
	})

	t.Run("endpoint mismatch", func(t *testing.T) {
		body := venmoPayment()
		body.Endpoint = "GET https://evil.example/api"
		_, err := proc.Process(ctx, signed(t, KindVenmo, key, body))
		require.ErrorIs(t, err, ErrEndpointMismatch)
	})

	t.Run("fractional minor units", func(t *testing.T) {
		body := venmoPayment()
		body.Amount = "0.0000001"
		_, err := proc.Process(ctx, signed(t, KindVenmo, key, body))
		require.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("wrong currency", func(t *testing.T) {
		body := venmoPayment()
		body.Currency = "EUR"
		_, err := proc.Process(ctx, signed(t, KindVenmo, key, body))
		require.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("registration payload used as payment", func(t *testing.T) {
		l := DefaultLayouts[KindVenmo]
		body := registrationPayload{Kind: payloadKindRegistration, Endpoint: l.Endpoint, Host: l.Host, UserID: "u"}
		_, err := proc.Process(ctx, signed(t, KindVenmo, key, body))
		require.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("wrong provider", func(t *testing.T) {
		_, err := proc.Process(ctx, signed(t, KindWise, key, venmoPayment()))
		require.ErrorIs(t, err, ErrMalformedPayload)
	})
}

func TestUnixTimestampLayout(t *testing.T) {
	key, keys := newNotary(t)
	l := DefaultLayouts[KindRevolut]
	proc := NewAttestation(l, keys)

	body := paymentPayload{
		Kind: payloadKindPayment, Endpoint: l.Endpoint, Host: l.Host, TransferID: "rev-1",
		Amount: "12.5", Currency: "eur", Date: "1709294400", PayerID: "a", PayeeID: "b",
	}
	fact, err := proc.Process(context.Background(), signed(t, KindRevolut, key, body))
	require.NoError(t, err)
	require.Equal(t, int64(1709294400), fact.Timestamp.Unix())
	require.Equal(t, "12500000", fact.Amount.String())
}

func TestProcessRegistration(t *testing.T) {
	key, keys := newNotary(t)
	l := DefaultLayouts[KindWise]
	proc := NewAttestation(l, keys)
	principal := common.HexToAddress("0x1111111111111111111111111111111111111111")

	fact, err := proc.ProcessRegistration(context.Background(), signed(t, KindWise, key, registrationPayload{
		Kind: payloadKindRegistration, Endpoint: l.Endpoint, Host: l.Host, UserID: "wise-77", Principal: principal.Hex(),
	}))
	require.NoError(t, err)
	require.Equal(t, IdentityHash(KindWise, "wise-77"), fact.IdentityHash)
	require.Equal(t, principal, fact.Principal)

	_, err = proc.ProcessRegistration(context.Background(), signed(t, KindWise, key, registrationPayload{
		Kind: payloadKindRegistration, Endpoint: l.Endpoint, Host: l.Host,
	}))
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestRouterDispatch(t *testing.T) {
	key, keys := newNotary(t)
	router := NewRouter(
		NewAttestation(DefaultLayouts[KindVenmo], keys),
		NewAttestation(DefaultLayouts[KindWise], keys),
	)
	require.Equal(t, []Kind{KindVenmo, KindWise}, router.Kinds())

	_, err := router.Process(context.Background(), signed(t, KindVenmo, key, venmoPayment()))
	require.NoError(t, err)

	_, err = router.Process(context.Background(), signed(t, KindHDFC, key, venmoPayment()))
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestParseKindAndReason(t *testing.T) {
	k, err := ParseKind(" Revolut ")
	require.NoError(t, err)
	require.Equal(t, KindRevolut, k)

	_, err = ParseKind("paypal")
	require.ErrorIs(t, err, ErrMalformedPayload)

	require.Equal(t, "unknown_signing_key", Reason(ErrUnknownSigningKey))
	require.Equal(t, "other", Reason(context.Canceled))
}
