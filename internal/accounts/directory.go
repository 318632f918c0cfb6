package accounts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"rampledger/internal/proof"
)

var (
	ErrNotRegistered      = errors.New("principal has no registered identity")
	ErrAlreadyRegistered  = errors.New("already registered")
	ErrIdentityTaken      = fmt.Errorf("%w: identity bound to another principal", ErrAlreadyRegistered)
	ErrPrincipalMismatch  = errors.New("registration proof is bound to a different principal")
	ErrInvalidIdentity    = errors.New("invalid identity hash")
	ErrOpenIntentConflict = errors.New("principal already has an open intent")
)

// RegistrationVerifier is the registration variant of a proof processor.
type RegistrationVerifier interface {
	ProcessRegistration(ctx context.Context, p proof.Proof) (proof.RegistrationFact, error)
}

// Record is a copy of one principal's account state.
type Record struct {
	Owner        common.Address
	IdentityHash common.Hash
	Provider     proof.Kind
	RegisteredAt time.Time
	LastOnRampAt time.Time
	OpenIntentID common.Hash
	Denylist     []common.Hash
}

func (r Record) HasOpenIntent() bool {
	return r.OpenIntentID != (common.Hash{})
}

type account struct {
	owner        common.Address
	identity     common.Hash
	provider     proof.Kind
	registeredAt time.Time
	lastOnRamp   time.Time
	openIntent   common.Hash
	denylist     map[common.Hash]struct{}
}

func (a *account) snapshot() Record {
	deny := make([]common.Hash, 0, len(a.denylist))
	for h := range a.denylist {
		deny = append(deny, h)
	}
	sort.Slice(deny, func(i, j int) bool { return deny[i].Big().Cmp(deny[j].Big()) < 0 })
	return Record{
		Owner:        a.owner,
		IdentityHash: a.identity,
		Provider:     a.provider,
		RegisteredAt: a.registeredAt,
		LastOnRampAt: a.lastOnRamp,
		OpenIntentID: a.openIntent,
		Denylist:     deny,
	}
}

// retained is the part of an account that survives an identity reset.
type retained struct {
	lastOnRamp time.Time
	denylist   map[common.Hash]struct{}
}

// Directory maps principals to their one-time-bound off-chain identity.
type Directory struct {
	mu         sync.RWMutex
	verifier   RegistrationVerifier
	byOwner    map[common.Address]*account
	byIdentity map[common.Hash]common.Address
	resets     map[common.Address]retained
	now        func() time.Time
	log        *logrus.Logger
}

func NewDirectory(verifier RegistrationVerifier, now func() time.Time, log *logrus.Logger) *Directory {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Directory{
		verifier:   verifier,
		byOwner:    make(map[common.Address]*account),
		byIdentity: make(map[common.Hash]common.Address),
		resets:     make(map[common.Address]retained),
		now:        now,
		log:        log,
	}
}

// Register verifies a registration proof and binds its identity to caller.
func (d *Directory) Register(ctx context.Context, caller common.Address, p proof.Proof) (Record, error) {
	fact, err := d.verifier.ProcessRegistration(ctx, p)
	if err != nil {
		return Record{}, err
	}
	if fact.Principal != (common.Address{}) && fact.Principal != caller {
		return Record{}, ErrPrincipalMismatch
	}
	if fact.IdentityHash == (common.Hash{}) {
		return Record{}, ErrInvalidIdentity
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byOwner[caller]; ok {
		return Record{}, ErrAlreadyRegistered
	}
	if owner, ok := d.byIdentity[fact.IdentityHash]; ok && owner != caller {
		return Record{}, ErrIdentityTaken
	}

	acct := &account{
		owner:        caller,
		identity:     fact.IdentityHash,
		provider:     fact.Provider,
		registeredAt: d.now(),
		denylist:     make(map[common.Hash]struct{}),
	}
	if prev, ok := d.resets[caller]; ok {
		acct.lastOnRamp = prev.lastOnRamp
		acct.denylist = prev.denylist
		delete(d.resets, caller)
	}
	d.byOwner[caller] = acct
	d.byIdentity[fact.IdentityHash] = caller

	d.log.WithFields(logrus.Fields{
		"principal": caller.Hex(),
		"identity":  fact.IdentityHash.Hex(),
		"provider":  fact.Provider,
	}).Info("identity registered")
	return acct.snapshot(), nil
}

func (d *Directory) Get(principal common.Address) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acct, ok := d.byOwner[principal]
	if !ok {
		return Record{}, false
	}
	return acct.snapshot(), true
}

func (d *Directory) Identity(principal common.Address) (common.Hash, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acct, ok := d.byOwner[principal]
	if !ok {
		return common.Hash{}, ErrNotRegistered
	}
	return acct.identity, nil
}

func (d *Directory) PrincipalOf(identity common.Hash) (common.Address, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	owner, ok := d.byIdentity[identity]
	return owner, ok
}

func (d *Directory) AddToDenylist(caller common.Address, identity common.Hash) error {
	if identity == (common.Hash{}) {
		return ErrInvalidIdentity
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	acct, ok := d.byOwner[caller]
	if !ok {
		return ErrNotRegistered
	}
	acct.denylist[identity] = struct{}{}
	return nil
}

func (d *Directory) RemoveFromDenylist(caller common.Address, identity common.Hash) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	acct, ok := d.byOwner[caller]
	if !ok {
		return ErrNotRegistered
	}
	delete(acct.denylist, identity)
	return nil
}

// IsDenied reports whether owner's denylist contains identity.
func (d *Directory) IsDenied(owner common.Address, identity common.Hash) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acct, ok := d.byOwner[owner]
	if !ok {
		return false
	}
	_, denied := acct.denylist[identity]
	return denied
}

// OpenIntent binds intentID as the principal's single open intent.
func (d *Directory) OpenIntent(principal common.Address, intentID common.Hash) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	acct, ok := d.byOwner[principal]
	if !ok {
		return ErrNotRegistered
	}
	if acct.openIntent != (common.Hash{}) {
		return ErrOpenIntentConflict
	}
	acct.openIntent = intentID
	return nil
}

// CloseIntent clears the open intent if it still equals intentID.
func (d *Directory) CloseIntent(principal common.Address, intentID common.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if acct, ok := d.byOwner[principal]; ok && acct.openIntent == intentID {
		acct.openIntent = common.Hash{}
	}
}

func (d *Directory) MarkOnRamp(principal common.Address, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if acct, ok := d.byOwner[principal]; ok {
		acct.lastOnRamp = at
	}
}

// Reset unbinds the principal's identity so it can register again. The
// on-ramp cooldown clock and denylist carry over to the next registration.
// Callers must ensure nothing outstanding references the old identity.
func (d *Directory) Reset(principal common.Address) (Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	acct, ok := d.byOwner[principal]
	if !ok {
		return Record{}, ErrNotRegistered
	}
	if acct.openIntent != (common.Hash{}) {
		return Record{}, ErrOpenIntentConflict
	}
	snap := acct.snapshot()
	d.resets[principal] = retained{lastOnRamp: acct.lastOnRamp, denylist: acct.denylist}
	delete(d.byOwner, principal)
	delete(d.byIdentity, acct.identity)
	return snap, nil
}
