package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrInsufficientFreeFunds is returned by WithdrawFunds when the amount
	// exceeds the maker's withdrawable balance.
	ErrInsufficientFreeFunds = errors.New("insufficient withdrawable funds")
	// ErrInsufficientFunds is returned when a maker cannot cover an order's
	// source leg.
	ErrInsufficientFunds = errors.New("insufficient funds for order")
	// ErrInsufficientStake is returned when a maker's deposited stake cannot
	// cover the stake a change would require.
	ErrInsufficientStake = errors.New("insufficient free stake")
)

type stakeRow struct {
	total  *uint256.Int // stake deposited minus stake burned
	locked *uint256.Int // sum of live order values for this maker
}

// Ledger tracks per-maker balances: free funds per asset, deposited stake,
// and the total value of live orders. Required stake is derived from locked
// value through the stake policy on every read, so a policy change is
// reflected immediately; free stake is floored at zero rather than
// underflowing when required stake outgrows the deposit. That floor is a
// visible degraded state: new orders are blocked until stake is topped up
// or orders are reduced, while existing orders stay live.
//
// Every mutating method validates fully before writing anything, so a
// returned error means no state changed.
type Ledger struct {
	mu     sync.RWMutex
	policy StakePolicy
	funds  map[common.Address]map[common.Address]*uint256.Int // maker -> asset -> free funds
	stake  map[common.Address]*stakeRow
}

func New(policy StakePolicy) *Ledger {
	return &Ledger{
		policy: policy,
		funds:  make(map[common.Address]map[common.Address]*uint256.Int),
		stake:  make(map[common.Address]*stakeRow),
	}
}

func (l *Ledger) fundsRow(maker common.Address) map[common.Address]*uint256.Int {
	row, ok := l.funds[maker]
	if !ok {
		row = make(map[common.Address]*uint256.Int)
		l.funds[maker] = row
	}
	return row
}

func (l *Ledger) balance(maker, asset common.Address) *uint256.Int {
	bal, ok := l.fundsRow(maker)[asset]
	if !ok {
		bal = new(uint256.Int)
		l.fundsRow(maker)[asset] = bal
	}
	return bal
}

func (l *Ledger) stakeRowFor(maker common.Address) *stakeRow {
	row, ok := l.stake[maker]
	if !ok {
		row = &stakeRow{total: new(uint256.Int), locked: new(uint256.Int)}
		l.stake[maker] = row
	}
	return row
}

// DepositFunds credits a maker's free funds for an asset.
func (l *Ledger) DepositFunds(maker, asset common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("deposit amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balance(maker, asset)
	bal.Add(bal, amount)
	return nil
}

// WithdrawFunds debits a maker's free funds for an asset.
func (l *Ledger) WithdrawFunds(maker, asset common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("withdraw amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balance(maker, asset)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFreeFunds, bal.Dec(), amount.Dec())
	}
	bal.Sub(bal, amount)
	return nil
}

// CreditProceeds credits fill proceeds to a maker. Unlike DepositFunds it
// tolerates a zero amount: a tiny partial fill can round the counter leg
// down to nothing.
func (l *Ledger) CreditProceeds(maker, asset common.Address, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balance(maker, asset)
	bal.Add(bal, amount)
}

// FreeFunds returns the maker's withdrawable balance for an asset.
func (l *Ledger) FreeFunds(maker, asset common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if row, ok := l.funds[maker]; ok {
		if bal, ok := row[asset]; ok {
			return new(uint256.Int).Set(bal)
		}
	}
	return new(uint256.Int)
}

// DepositStake credits a maker's stake deposit.
func (l *Ledger) DepositStake(maker common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("stake deposit must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	row := l.stakeRowFor(maker)
	row.total.Add(row.total, amount)
	return nil
}

// WithdrawStake debits a maker's stake deposit; only the free portion (total
// minus required) is withdrawable.
func (l *Ledger) WithdrawStake(maker common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("stake withdrawal must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	row := l.stakeRowFor(maker)
	free := freeStake(row, l.policy)
	if free.Lt(amount) {
		return fmt.Errorf("%w: free %s, need %s", ErrInsufficientStake, free.Dec(), amount.Dec())
	}
	row.total.Sub(row.total, amount)
	return nil
}

func freeStake(row *stakeRow, policy StakePolicy) *uint256.Int {
	required := policy.StakeRequired(row.locked)
	if required.Gt(row.total) {
		return new(uint256.Int) // clamp, never underflow
	}
	return new(uint256.Int).Sub(row.total, required)
}

// StakeTotal returns the maker's deposited (unburned) stake.
func (l *Ledger) StakeTotal(maker common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if row, ok := l.stake[maker]; ok {
		return new(uint256.Int).Set(row.total)
	}
	return new(uint256.Int)
}

// LockedValue returns the summed value of the maker's live orders.
func (l *Ledger) LockedValue(maker common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if row, ok := l.stake[maker]; ok {
		return new(uint256.Int).Set(row.locked)
	}
	return new(uint256.Int)
}

// RequiredStake returns the stake currently backing the maker's live orders.
func (l *Ledger) RequiredStake(maker common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if row, ok := l.stake[maker]; ok {
		return l.policy.StakeRequired(row.locked)
	}
	return l.policy.StakeRequired(new(uint256.Int))
}

// FreeStake returns the withdrawable stake, floored at zero.
func (l *Ledger) FreeStake(maker common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if row, ok := l.stake[maker]; ok {
		return freeStake(row, l.policy)
	}
	return new(uint256.Int)
}

// LockForOrder debits the order's source leg from free funds and adds its
// value to the maker's locked total, after verifying both the funds and the
// stake that the larger locked total would require.
func (l *Ledger) LockForOrder(maker, asset common.Address, src, value *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	row := l.stakeRowFor(maker)
	newLocked := new(uint256.Int).Add(row.locked, value)
	if l.policy.StakeRequired(newLocked).Gt(row.total) {
		return fmt.Errorf("%w: maker %s cannot back value %s", ErrInsufficientStake, maker.Hex(), value.Dec())
	}
	bal := l.balance(maker, asset)
	if bal.Lt(src) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, bal.Dec(), src.Dec())
	}
	bal.Sub(bal, src)
	row.locked.Set(newLocked)
	return nil
}

// ReleaseFromOrder returns an order's unfilled source leg to free funds and
// removes its value from the locked total. Used on cancel and on removal of
// an under-minimum stub.
func (l *Ledger) ReleaseFromOrder(maker, asset common.Address, src, value *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balance(maker, asset)
	bal.Add(bal, src)
	row := l.stakeRowFor(maker)
	if row.locked.Lt(value) {
		row.locked.Clear()
	} else {
		row.locked.Sub(row.locked, value)
	}
}

// UpdateOrder atomically swaps an order's old legs for new ones: the funds
// delta and the stake delta are both checked before either is applied, so a
// failed update leaves the ledger untouched.
func (l *Ledger) UpdateOrder(maker, asset common.Address, oldSrc, oldValue, newSrc, newValue *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	row := l.stakeRowFor(maker)

	newLocked := new(uint256.Int)
	if row.locked.Lt(oldValue) {
		// Locked value can lag after policy-driven clamps; treat as zero base.
		newLocked.Set(newValue)
	} else {
		newLocked.Sub(row.locked, oldValue)
		newLocked.Add(newLocked, newValue)
	}
	if l.policy.StakeRequired(newLocked).Gt(row.total) {
		return fmt.Errorf("%w: maker %s cannot back value %s", ErrInsufficientStake, maker.Hex(), newValue.Dec())
	}

	bal := l.balance(maker, asset)
	avail := new(uint256.Int).Add(bal, oldSrc)
	if avail.Lt(newSrc) {
		return fmt.Errorf("%w: have %s after release, need %s", ErrInsufficientFunds, avail.Dec(), newSrc.Dec())
	}

	bal.Set(avail.Sub(avail, newSrc))
	row.locked.Set(newLocked)
	return nil
}

// OnFill settles the stake side of a (partial or full) consumption of
// filledValue. The stake slice backing the filled value is released except
// for the burn portion, which is permanently removed from the deposit. If
// an intervening policy change left less stake locked than the release
// implies, the release is clamped rather than failing: a fill never
// reverts over stake accounting.
func (l *Ledger) OnFill(maker common.Address, filledValue *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row := l.stakeRowFor(maker)

	lockedStake := l.policy.StakeRequired(row.locked)
	released := l.policy.StakeRequired(filledValue)
	if released.Gt(lockedStake) {
		released = lockedStake
	}
	burn := l.policy.BurnAmount(filledValue)
	if burn.Gt(released) {
		burn = released
	}

	if row.total.Lt(burn) {
		row.total.Clear()
	} else {
		row.total.Sub(row.total, burn)
	}
	if row.locked.Lt(filledValue) {
		row.locked.Clear()
	} else {
		row.locked.Sub(row.locked, filledValue)
	}
}

// RestoreFunds installs a persisted balance during recovery.
func (l *Ledger) RestoreFunds(maker, asset common.Address, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fundsRow(maker)[asset] = new(uint256.Int).Set(amount)
}

// RestoreStake installs a persisted stake row during recovery.
func (l *Ledger) RestoreStake(maker common.Address, total, locked *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stake[maker] = &stakeRow{
		total:  new(uint256.Int).Set(total),
		locked: new(uint256.Int).Set(locked),
	}
}
