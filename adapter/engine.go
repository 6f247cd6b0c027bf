package adapter

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"yieldsource/crypto"
	"yieldsource/state"
	"yieldsource/token"
)

var (
	ownerKey   = []byte("adapter/owner")
	managerKey = []byte("adapter/manager")
)

// Facility is the external interest-bearing savings pool the adapter forwards
// deposits into. The facility tracks only the adapter's aggregate position;
// per-depositor attribution lives exclusively in the adapter ledger.
type Facility interface {
	RateSource
	// Address is the facility's own account, the spender of the adapter's
	// underlying allowance.
	Address() crypto.Address
	UnderlyingAsset() crypto.Address
	CreditAsset() crypto.Address
	DepositUnderlying(from crypto.Address, amount *big.Int) (*big.Int, error)
	RedeemUnderlying(caller crypto.Address, amount *big.Int) (*big.Int, error)
}

// engineState is the journalled persistence the engine requires: reads,
// writes, and the snapshot discipline that keeps every operation
// all-or-nothing across ledger, token, and facility state.
type engineState interface {
	state.Storage
	Snapshot() int
	RevertToSnapshot(int)
	Commit() error
}

// Engine orchestrates token custody, facility interaction, and ledger
// attribution. All state-changing entry points are serialized and guarded
// against reentrant invocation.
type Engine struct {
	mu     sync.Mutex
	holder atomic.Uint64

	state      engineState
	tokens     *token.Ledger
	facility   Facility
	book       ledger
	addr       crypto.Address
	underlying crypto.Address
	emitter    Emitter
}

// Config wires an engine. Owner is only consulted when the state carries no
// owner yet (first boot); afterwards the persisted roles win.
type Config struct {
	State        engineState
	Tokens       *token.Ledger
	Facility     Facility
	Address      crypto.Address
	Owner        crypto.Address
	AssetManager crypto.Address
	Emitter      Emitter
}

// NewEngine binds the adapter to its facility and underlying token. The
// binding is immutable for the engine's lifetime. The facility is granted an
// unlimited allowance over the adapter's underlying custody up front.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.State == nil || cfg.Tokens == nil {
		return nil, ErrNilState
	}
	if cfg.Facility == nil {
		return nil, ErrNilFacility
	}
	if cfg.Address.IsZero() {
		return nil, ErrZeroAddress
	}
	e := &Engine{
		state:      cfg.State,
		tokens:     cfg.Tokens,
		facility:   cfg.Facility,
		book:       ledger{state: cfg.State},
		addr:       cfg.Address,
		underlying: cfg.Facility.UnderlyingAsset(),
		emitter:    cfg.Emitter,
	}

	snap := e.state.Snapshot()
	if err := e.bootstrapRoles(cfg.Owner, cfg.AssetManager); err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	if err := e.tokens.Approve(e.underlying, e.addr, e.facility.Address(), new(big.Int).Set(token.MaxAllowance)); err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	if err := e.state.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) bootstrapRoles(owner, manager crypto.Address) error {
	stored, ok, err := e.loadRole(ownerKey)
	if err != nil {
		return err
	}
	if ok && !stored.IsZero() {
		return nil
	}
	if owner.IsZero() {
		return ErrZeroAddress
	}
	if err := e.storeRole(ownerKey, owner); err != nil {
		return err
	}
	return e.storeRole(managerKey, manager)
}

// Bootstrapped reports whether the state already carries an owner, meaning a
// previous run initialised this deployment.
func Bootstrapped(st state.Storage) (bool, error) {
	if st == nil {
		return false, ErrNilState
	}
	var raw []byte
	ok, err := st.KVGet(ownerKey, &raw)
	if err != nil {
		return false, err
	}
	return ok && len(raw) == crypto.AddressLength, nil
}

// Address returns the adapter's custody account.
func (e *Engine) Address() crypto.Address { return e.addr }

// DepositTokenAddress returns the underlying token accepted for deposits.
func (e *Engine) DepositTokenAddress() crypto.Address { return e.underlying }

// Supply pulls amount of underlying from the caller, forwards it into the
// facility, and credits the beneficiary's ledger balance with exactly the
// credits the facility reports minted. The minted credit quantity is
// returned.
func (e *Engine) Supply(caller, beneficiary crypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	unlock, err := e.lockExclusive()
	if err != nil {
		return nil, err
	}
	defer unlock()

	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if caller.IsZero() || beneficiary.IsZero() {
		return nil, ErrZeroAddress
	}

	snap := e.state.Snapshot()
	credited, err := e.supply(caller, beneficiary, amount)
	if err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	if err := e.state.Commit(); err != nil {
		return nil, err
	}
	e.emit(newSuppliedEvent(caller, beneficiary, amount, credited))
	return credited, nil
}

func (e *Engine) supply(caller, beneficiary crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := e.tokens.TransferFrom(e.underlying, e.addr, caller, e.addr, amount); err != nil {
		return nil, fmt.Errorf("pull deposit: %w", err)
	}
	credited, err := e.facility.DepositUnderlying(e.addr, amount)
	if err != nil {
		return nil, fmt.Errorf("facility deposit: %w", err)
	}
	if err := e.book.increase(beneficiary, credited); err != nil {
		return nil, err
	}
	return credited, nil
}

// Redeem withdraws up to amount of underlying for the caller. The facility is
// instructed first and reports the credits burned; the caller's ledger is
// then debited by that exact quantity. The amount actually handed to the
// caller is measured as the adapter's custody delta rather than trusted from
// the facility's return value. The measured amount is returned.
func (e *Engine) Redeem(caller crypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	unlock, err := e.lockExclusive()
	if err != nil {
		return nil, err
	}
	defer unlock()

	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if caller.IsZero() {
		return nil, ErrZeroAddress
	}

	snap := e.state.Snapshot()
	actual, burned, err := e.redeem(caller, amount)
	if err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	if err := e.state.Commit(); err != nil {
		return nil, err
	}
	e.emit(newRedeemedEvent(caller, amount, actual, burned))
	return actual, nil
}

func (e *Engine) redeem(caller crypto.Address, amount *big.Int) (*big.Int, *big.Int, error) {
	before, err := e.tokens.BalanceOf(e.underlying, e.addr)
	if err != nil {
		return nil, nil, err
	}
	burned, err := e.facility.RedeemUnderlying(e.addr, amount)
	if err != nil {
		return nil, nil, fmt.Errorf("facility redeem: %w", err)
	}
	if err := e.book.decrease(caller, burned); err != nil {
		return nil, nil, err
	}
	after, err := e.tokens.BalanceOf(e.underlying, e.addr)
	if err != nil {
		return nil, nil, err
	}
	actual := new(big.Int).Sub(after, before)
	if actual.Sign() < 0 {
		return nil, nil, errors.New("adapter: custody delta negative")
	}
	if actual.Sign() > 0 {
		if err := e.tokens.Transfer(e.underlying, e.addr, caller, actual); err != nil {
			return nil, nil, err
		}
	}
	return actual, burned, nil
}

// BalanceOf reports the depositor's current redeemable value: their recorded
// credits converted at the facility's live rate.
func (e *Engine) BalanceOf(addr crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	credits, err := e.book.credits(addr)
	if err != nil {
		return nil, err
	}
	rate, err := e.facility.ExchangeRate()
	if err != nil {
		return nil, err
	}
	return creditsToUnderlying(credits, rate), nil
}

// Position reports the depositor's raw credits and their value at the live
// rate as one consistent read: both figures come from the same locked view of
// the state, so a concurrent supply or redeem cannot land between them.
func (e *Engine) Position(addr crypto.Address) (credits, balance *big.Int, err error) {
	if e == nil || e.state == nil {
		return nil, nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	credits, err = e.book.credits(addr)
	if err != nil {
		return nil, nil, err
	}
	rate, err := e.facility.ExchangeRate()
	if err != nil {
		return nil, nil, err
	}
	return credits, creditsToUnderlying(credits, rate), nil
}

// Credits reports the depositor's raw credit balance.
func (e *Engine) Credits(addr crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.credits(addr)
}

// ExchangeRate exposes the facility's live rate for observability surfaces.
func (e *Engine) ExchangeRate() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.facility.ExchangeRate()
}

// ReapproveMax tops the facility's allowance over the adapter's underlying
// custody back up to the maximum representable value. Owner only; calling it
// repeatedly is harmless.
func (e *Engine) ReapproveMax(caller crypto.Address) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	unlock, err := e.lockExclusive()
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.requireOwner(caller); err != nil {
		return err
	}

	snap := e.state.Snapshot()
	current, err := e.tokens.Allowance(e.underlying, e.addr, e.facility.Address())
	if err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	topUp := new(big.Int).Sub(token.MaxAllowance, current)
	if topUp.Sign() > 0 {
		if err := e.tokens.IncreaseAllowance(e.underlying, e.addr, e.facility.Address(), topUp); err != nil {
			e.state.RevertToSnapshot(snap)
			return err
		}
	}
	if err := e.state.Commit(); err != nil {
		return err
	}
	e.emit(newReapprovedEvent(caller, topUp))
	return nil
}

// Sweep transfers stray tokens out of the adapter's custody. The facility's
// credit token backs depositor claims and can never leave through this path.
func (e *Engine) Sweep(caller, asset, to crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	unlock, err := e.lockExclusive()
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.requireSweeper(caller); err != nil {
		return err
	}
	if asset.Equal(e.facility.CreditAsset()) {
		return ErrProtectedAsset
	}
	if to.IsZero() {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	snap := e.state.Snapshot()
	if err := e.tokens.Transfer(asset, e.addr, to, amount); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	if err := e.state.Commit(); err != nil {
		return err
	}
	e.emit(newSweptEvent(caller, asset, to, amount))
	return nil
}

// TransferOwnership hands the owner role to next. Owner only.
func (e *Engine) TransferOwnership(caller, next crypto.Address) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if next.IsZero() {
		return ErrZeroAddress
	}
	if err := e.storeRole(ownerKey, next); err != nil {
		return err
	}
	if err := e.state.Commit(); err != nil {
		return err
	}
	e.emit(newOwnershipEvent(caller, next))
	return nil
}

// SetAssetManager delegates (or, with the zero address, revokes) sweep
// authority. Owner only.
func (e *Engine) SetAssetManager(caller, manager crypto.Address) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if err := e.storeRole(managerKey, manager); err != nil {
		return err
	}
	if err := e.state.Commit(); err != nil {
		return err
	}
	e.emit(newAssetManagerEvent(manager))
	return nil
}

// Owner returns the current owner address.
func (e *Engine) Owner() (crypto.Address, error) {
	if e == nil || e.state == nil {
		return crypto.Address{}, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	owner, _, err := e.loadRole(ownerKey)
	return owner, err
}

// AssetManager returns the delegated sweeper, zero when unset.
func (e *Engine) AssetManager() (crypto.Address, error) {
	if e == nil || e.state == nil {
		return crypto.Address{}, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	manager, _, err := e.loadRole(managerKey)
	return manager, err
}

func (e *Engine) requireOwner(caller crypto.Address) error {
	owner, _, err := e.loadRole(ownerKey)
	if err != nil {
		return err
	}
	if owner.IsZero() || !caller.Equal(owner) {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) requireSweeper(caller crypto.Address) error {
	if err := e.requireOwner(caller); err == nil {
		return nil
	} else if !errors.Is(err, ErrUnauthorized) {
		return err
	}
	manager, _, err := e.loadRole(managerKey)
	if err != nil {
		return err
	}
	if manager.IsZero() || !caller.Equal(manager) {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) loadRole(key []byte) (crypto.Address, bool, error) {
	var raw []byte
	ok, err := e.state.KVGet(key, &raw)
	if err != nil {
		return crypto.Address{}, false, err
	}
	if !ok || len(raw) != crypto.AddressLength {
		return crypto.Address{}, false, nil
	}
	return crypto.NewAddress(crypto.AccountPrefix, raw), true, nil
}

func (e *Engine) storeRole(key []byte, addr crypto.Address) error {
	raw := addr.Bytes()
	if len(raw) == 0 {
		raw = make([]byte, crypto.AddressLength)
	}
	return e.state.KVPut(key, raw)
}

// lockExclusive serializes state-changing calls on the engine mutex.
// Independent callers on other goroutines block until the in-flight operation
// finishes; a call re-entering from inside that operation on the same
// goroutine, such as a facility or token hook calling back into the engine,
// would deadlock on the mutex and is rejected instead.
func (e *Engine) lockExclusive() (func(), error) {
	gid := goroutineID()
	if gid != 0 && e.holder.Load() == gid {
		return nil, ErrReentrancy
	}
	e.mu.Lock()
	e.holder.Store(gid)
	return func() {
		e.holder.Store(0)
		e.mu.Unlock()
	}, nil
}

// goroutineID parses the numeric id out of the goroutine's stack header
// ("goroutine N [running]:"). Ids start at 1, leaving 0 free as the no-holder
// sentinel.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (e *Engine) emit(ev Event) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(ev)
}
