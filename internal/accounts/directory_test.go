package accounts

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"rampledger/internal/proof"
)

// stubVerifier treats the proof payload as the user id.
type stubVerifier struct {
	principal common.Address
	err       error
}

func (s stubVerifier) ProcessRegistration(_ context.Context, p proof.Proof) (proof.RegistrationFact, error) {
	if s.err != nil {
		return proof.RegistrationFact{}, s.err
	}
	return proof.RegistrationFact{
		Provider:     p.Provider,
		IdentityHash: proof.IdentityHash(p.Provider, string(p.Payload)),
		Principal:    s.principal,
	}, nil
}

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func venmoProof(user string) proof.Proof {
	return proof.Proof{Provider: proof.KindVenmo, Payload: []byte(user)}
}

func newDirectory(v RegistrationVerifier) *Directory {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewDirectory(v, func() time.Time { return time.Unix(1_700_000_000, 0) }, l)
}

func TestRegisterBindsOnce(t *testing.T) {
	d := newDirectory(stubVerifier{})
	ctx := context.Background()

	rec, err := d.Register(ctx, alice, venmoProof("alice-venmo"))
	require.NoError(t, err)
	require.Equal(t, proof.IdentityHash(proof.KindVenmo, "alice-venmo"), rec.IdentityHash)
	require.Equal(t, int64(1_700_000_000), rec.RegisteredAt.Unix())

	_, err = d.Register(ctx, alice, venmoProof("alice-other"))
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	_, err = d.Register(ctx, bob, venmoProof("alice-venmo"))
	require.ErrorIs(t, err, ErrIdentityTaken)
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	owner, ok := d.PrincipalOf(rec.IdentityHash)
	require.True(t, ok)
	require.Equal(t, alice, owner)
}

func TestRegisterRejectsForeignPrincipal(t *testing.T) {
	d := newDirectory(stubVerifier{principal: bob})
	_, err := d.Register(context.Background(), alice, venmoProof("x"))
	require.ErrorIs(t, err, ErrPrincipalMismatch)

	_, ok := d.Get(alice)
	require.False(t, ok)
}

func TestRegisterPropagatesProofError(t *testing.T) {
	d := newDirectory(stubVerifier{err: proof.ErrUnknownSigningKey})
	_, err := d.Register(context.Background(), alice, venmoProof("x"))
	require.ErrorIs(t, err, proof.ErrUnknownSigningKey)
}

func TestDenylist(t *testing.T) {
	d := newDirectory(stubVerifier{})
	ctx := context.Background()
	_, err := d.Register(ctx, alice, venmoProof("alice"))
	require.NoError(t, err)

	bad := proof.IdentityHash(proof.KindVenmo, "mallory")
	require.ErrorIs(t, d.AddToDenylist(bob, bad), ErrNotRegistered)
	require.NoError(t, d.AddToDenylist(alice, bad))
	require.True(t, d.IsDenied(alice, bad))

	rec, _ := d.Get(alice)
	require.Equal(t, []common.Hash{bad}, rec.Denylist)

	require.NoError(t, d.RemoveFromDenylist(alice, bad))
	require.False(t, d.IsDenied(alice, bad))
}

func TestOpenIntentAndReset(t *testing.T) {
	d := newDirectory(stubVerifier{})
	ctx := context.Background()
	_, err := d.Register(ctx, alice, venmoProof("alice"))
	require.NoError(t, err)

	intent := common.HexToHash("0x01")
	require.NoError(t, d.OpenIntent(alice, intent))
	require.ErrorIs(t, d.OpenIntent(alice, common.HexToHash("0x02")), ErrOpenIntentConflict)

	_, err = d.Reset(alice)
	require.ErrorIs(t, err, ErrOpenIntentConflict)

	d.CloseIntent(alice, common.HexToHash("0x02"))
	rec, _ := d.Get(alice)
	require.True(t, rec.HasOpenIntent(), "closing a different id must not clear")

	d.CloseIntent(alice, intent)
	_, err = d.Reset(alice)
	require.NoError(t, err)

	_, err = d.Register(ctx, alice, venmoProof("alice-new"))
	require.NoError(t, err)
}

func TestResetKeepsCooldownAndDenylist(t *testing.T) {
	d := newDirectory(stubVerifier{})
	ctx := context.Background()
	_, err := d.Register(ctx, alice, venmoProof("alice"))
	require.NoError(t, err)

	lastOnRamp := time.Unix(1_699_999_000, 0)
	blocked := proof.IdentityHash(proof.KindVenmo, "mallory")
	d.MarkOnRamp(alice, lastOnRamp)
	require.NoError(t, d.AddToDenylist(alice, blocked))

	old, err := d.Reset(alice)
	require.NoError(t, err)
	_, ok := d.PrincipalOf(old.IdentityHash)
	require.False(t, ok)

	rec, err := d.Register(ctx, alice, venmoProof("alice-new"))
	require.NoError(t, err)
	require.Equal(t, lastOnRamp, rec.LastOnRampAt)
	require.Equal(t, []common.Hash{blocked}, rec.Denylist)
	require.True(t, d.IsDenied(alice, blocked))

	// A principal that never reset starts clean.
	rec, err = d.Register(ctx, bob, venmoProof("bob"))
	require.NoError(t, err)
	require.True(t, rec.LastOnRampAt.IsZero())
	require.Empty(t, rec.Denylist)
}
