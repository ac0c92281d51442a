package ledger

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

// StakePolicy converts an order's quote-leg value into the stake that must
// back it and the slice of that stake burned when the value trades. Both
// functions are pure and monotonic non-decreasing, and
// BurnAmount(v) <= StakeRequired(v) for every v.
type StakePolicy interface {
	StakeRequired(value *uint256.Int) *uint256.Int
	BurnAmount(value *uint256.Int) *uint256.Int
}

// OrderPolicy supplies the minimum order value. It may track an external
// price feed; the reserve re-reads it on every add and update rather than
// caching it.
type OrderPolicy interface {
	MinOrderValue() *uint256.Int
}

const bpsDenominator = 10_000

// BpsPolicy is a StakePolicy expressed in basis points of order value.
type BpsPolicy struct {
	stakeBps uint64
	burnBps  uint64
}

// NewBpsPolicy builds a policy requiring stakeBps of value as stake and
// burning burnBps of value per fill. The burn must not exceed the stake.
func NewBpsPolicy(stakeBps, burnBps uint64) (*BpsPolicy, error) {
	if burnBps > stakeBps {
		return nil, fmt.Errorf("burn bps %d exceeds stake bps %d", burnBps, stakeBps)
	}
	return &BpsPolicy{stakeBps: stakeBps, burnBps: burnBps}, nil
}

func (p *BpsPolicy) StakeRequired(value *uint256.Int) *uint256.Int {
	return mulBps(value, p.stakeBps)
}

func (p *BpsPolicy) BurnAmount(value *uint256.Int) *uint256.Int {
	return mulBps(value, p.burnBps)
}

func mulBps(value *uint256.Int, bps uint64) *uint256.Int {
	out := new(uint256.Int).Mul(value, uint256.NewInt(bps))
	return out.Div(out, uint256.NewInt(bpsDenominator))
}

// StaticOrderPolicy is an OrderPolicy with an operator-set floor. SetMin
// lets an external feed move the floor between calls.
type StaticOrderPolicy struct {
	mu  sync.RWMutex
	min *uint256.Int
}

func NewStaticOrderPolicy(min *uint256.Int) *StaticOrderPolicy {
	return &StaticOrderPolicy{min: new(uint256.Int).Set(min)}
}

func (p *StaticOrderPolicy) MinOrderValue() *uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(uint256.Int).Set(p.min)
}

func (p *StaticOrderPolicy) SetMin(min *uint256.Int) {
	p.mu.Lock()
	p.min = new(uint256.Int).Set(min)
	p.mu.Unlock()
}
