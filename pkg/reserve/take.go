package reserve

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/minrhee/orderbook-reserve/pkg/book"
)

// fillPlan is one planned consumption, computed before anything mutates.
type fillPlan struct {
	order   *book.Order
	takeSrc *uint256.Int // source leg consumed (delivered to the taker)
	giveDst *uint256.Int // destination leg credited to the maker
	value   *uint256.Int // quote-leg value consumed, for stake settlement
	full    bool
}

// Take consumes resting orders on a side, best first, until amount of the
// makers' source leg has been delivered or the side is exhausted. A fully
// consumed order is removed; a partially consumed one shrinks in place and
// stays at the head (it is still the best available), unless its remainder
// drops below the current minimum order value, in which case the stub is
// removed and its remainder released back to the maker.
//
// Take returns (filled, remainder): an exhausted side is not an error, the
// caller decides whether a partial fill is acceptable. The walk is planned
// before anything mutates, so a trade that would cross more than
// MaxOrdersPerTrade orders aborts with ErrTooManyOrdersToFill and no side
// effects.
func (r *Reserve) Take(side book.Side, amount *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	r.mu.Lock()
	trades, filled, remainder, err := r.takeLocked(side, amount)
	r.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	// External effects after internal state is fully settled.
	if r.OnTrade != nil {
		for _, t := range trades {
			r.OnTrade(t)
		}
	}
	return filled, remainder, nil
}

func (r *Reserve) takeLocked(side book.Side, amount *uint256.Int) ([]Trade, *uint256.Int, *uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, nil, nil, fmt.Errorf("take amount must be positive")
	}
	list := r.listFor(side)

	// Plan pass: read-only walk.
	remaining := new(uint256.Int).Set(amount)
	var plan []fillPlan
	for o := list.First(); o != nil && !remaining.IsZero(); o = list.Next(o) {
		if len(plan) == r.cfg.MaxOrdersPerTrade {
			return nil, nil, nil, fmt.Errorf("%w: limit %d", ErrTooManyOrdersToFill, r.cfg.MaxOrdersPerTrade)
		}
		if o.SrcAmount.Cmp(remaining) <= 0 {
			takeSrc := new(uint256.Int).Set(o.SrcAmount)
			giveDst := new(uint256.Int).Set(o.DstAmount)
			plan = append(plan, fillPlan{
				order:   o,
				takeSrc: takeSrc,
				giveDst: giveDst,
				value:   new(uint256.Int).Set(r.orderValue(side, takeSrc, giveDst)),
				full:    true,
			})
			remaining.Sub(remaining, takeSrc)
		} else {
			takeSrc := new(uint256.Int).Set(remaining)
			// Pro-rata counter leg, rounded down.
			giveDst := new(uint256.Int).Mul(o.DstAmount, takeSrc)
			giveDst.Div(giveDst, o.SrcAmount)
			plan = append(plan, fillPlan{
				order:   o,
				takeSrc: takeSrc,
				giveDst: giveDst,
				value:   new(uint256.Int).Set(r.orderValue(side, takeSrc, giveDst)),
				full:    false,
			})
			remaining.Clear()
		}
	}

	// Apply pass: nothing below can fail.
	m := newMutation()
	now := r.clock.Now().UnixMilli()
	trades := make([]Trade, 0, len(plan))
	for _, f := range plan {
		o := f.order
		maker := o.Maker
		m.touchOrder(side, o.ID)
		m.touchMaker(maker, r.dstAsset(side))

		if f.full {
			list.Remove(o.ID)
			delete(r.sideOf, o.ID)
			r.decMakerOrders(maker)
			r.ledger.OnFill(maker, f.value)
			r.ledger.CreditProceeds(maker, r.dstAsset(side), f.giveDst)
		} else {
			o.SrcAmount.Sub(o.SrcAmount, f.takeSrc)
			o.DstAmount.Sub(o.DstAmount, f.giveDst)
			r.ledger.OnFill(maker, f.value)
			r.ledger.CreditProceeds(maker, r.dstAsset(side), f.giveDst)

			stubValue := r.orderValue(side, o.SrcAmount, o.DstAmount)
			if o.SrcAmount.IsZero() || o.DstAmount.IsZero() || stubValue.Lt(r.orderPolicy.MinOrderValue()) {
				list.Remove(o.ID)
				delete(r.sideOf, o.ID)
				r.decMakerOrders(maker)
				r.ledger.ReleaseFromOrder(maker, r.srcAsset(side), o.SrcAmount, stubValue)
				m.touchMaker(maker, r.srcAsset(side))
			}
		}
		trades = append(trades, Trade{
			Side:      side,
			OrderID:   o.ID,
			Maker:     maker,
			Src:       f.takeSrc,
			Dst:       f.giveDst,
			Partial:   !f.full,
			Timestamp: now,
		})
	}

	filled := new(uint256.Int).Sub(amount, remaining)
	if err := r.commit(m); err != nil {
		return nil, nil, nil, err
	}
	r.log.Debugw("take",
		"side", side.String(), "requested", amount.Dec(),
		"filled", filled.Dec(), "orders", len(plan))
	return trades, filled, remaining, nil
}
