package book

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	// ErrInvalidHint is returned when a position hint points at the tail, a
	// dead order, or an order past the correct insertion point.
	ErrInvalidHint = errors.New("invalid position hint")
	// ErrInvalidPosition is returned when an explicit predecessor would
	// violate the sort order.
	ErrInvalidPosition = errors.New("position violates sort order")
	// ErrNotFound is returned for sentinel ids and ids that are not live.
	ErrNotFound = errors.New("order not found")
)

// betterRate reports whether legs (srcA, dstA) offer a strictly better rate
// than (srcB, dstB), i.e. dstA/srcA > dstB/srcB. Compared by cross
// multiplication in the full 256-bit space; legs are capped at 128 bits so
// the products cannot wrap.
func betterRate(srcA, dstA, srcB, dstB *uint256.Int) bool {
	var lhs, rhs uint256.Int
	lhs.Mul(dstA, srcB)
	rhs.Mul(dstB, srcA)
	return lhs.Gt(&rhs)
}

// List is one side of the book: a doubly linked list over arena records,
// kept sorted best rate first. Equal rates keep insertion order (FIFO).
// The head and tail sentinels are arena records of their own; every real
// order sits strictly between them. The head's PrevID points at itself;
// that is the only cycle the list may contain.
type List struct {
	arena   *Arena
	headID  uint64
	tailID  uint64
	members map[uint64]struct{}
}

// NewList allocates head/tail sentinels from the arena and links them.
func NewList(arena *Arena) *List {
	headID, err := arena.AllocateIDs(2)
	if err != nil {
		panic(err) // count is constant, cannot fail
	}
	tailID := headID + 1
	arena.Put(&Order{ID: headID, PrevID: headID, NextID: tailID})
	arena.Put(&Order{ID: tailID, PrevID: headID})
	return &List{
		arena:   arena,
		headID:  headID,
		tailID:  tailID,
		members: make(map[uint64]struct{}),
	}
}

func (l *List) HeadID() uint64 { return l.headID }
func (l *List) TailID() uint64 { return l.tailID }

// Len returns the number of live orders in the list.
func (l *List) Len() int { return len(l.members) }

// Contains reports whether id is a live order in this list.
func (l *List) Contains(id uint64) bool {
	_, ok := l.members[id]
	return ok
}

func (l *List) get(id uint64) *Order {
	o, ok := l.arena.Get(id)
	if !ok {
		panic(fmt.Sprintf("list: dangling link to order %d", id))
	}
	return o
}

// First returns the best resting order, or nil when the side is empty.
func (l *List) First() *Order {
	head := l.get(l.headID)
	if head.NextID == l.tailID {
		return nil
	}
	return l.get(head.NextID)
}

// Next returns the order after o, or nil at the end of the list.
func (l *List) Next(o *Order) *Order {
	if o.NextID == 0 || o.NextID == l.tailID {
		return nil
	}
	return l.get(o.NextID)
}

// IDs returns the live order ids in list order, best first.
func (l *List) IDs() []uint64 {
	ids := make([]uint64, 0, len(l.members))
	for o := l.First(); o != nil; o = l.Next(o) {
		ids = append(ids, o.ID)
	}
	return ids
}

// FindPosition returns the id after which an order with the given legs
// belongs. startID is a hint: 0 or the head id means scan from the front.
// The walk is forward-only; a hint that sits past the correct insertion
// point is rejected with ErrInvalidHint rather than silently mis-inserting.
func (l *List) FindPosition(src, dst *uint256.Int, startID uint64) (uint64, error) {
	if startID == 0 {
		startID = l.headID
	}
	if startID == l.tailID {
		return 0, fmt.Errorf("%w: tail cannot precede an order", ErrInvalidHint)
	}
	if startID != l.headID {
		o, ok := l.arena.Get(startID)
		if !ok || !l.Contains(startID) {
			return 0, fmt.Errorf("%w: order %d is not in the list", ErrInvalidHint, startID)
		}
		if betterRate(src, dst, o.SrcAmount, o.DstAmount) {
			return 0, fmt.Errorf("%w: order %d sits past the insertion point", ErrInvalidHint, startID)
		}
	}

	cur := l.get(startID)
	for {
		if cur.NextID == l.tailID {
			return cur.ID, nil
		}
		next := l.get(cur.NextID)
		if betterRate(src, dst, next.SrcAmount, next.DstAmount) {
			// Candidate beats next: it belongs right after cur. Equal rates
			// fall through, keeping earlier orders ahead.
			return cur.ID, nil
		}
		cur = next
	}
}

// ValidateInsertAfter checks that prevID is a legal predecessor for an order
// with the given legs: prevID must be the head or a live member, the new
// order must not beat its predecessor, and the predecessor's successor must
// not beat the new order. The explicit position is validated, never trusted.
func (l *List) ValidateInsertAfter(prevID uint64, src, dst *uint256.Int) error {
	if prevID == l.tailID {
		return fmt.Errorf("%w: tail cannot precede an order", ErrInvalidPosition)
	}
	var nextID uint64
	if prevID == l.headID {
		nextID = l.get(l.headID).NextID
	} else {
		prev, ok := l.arena.Get(prevID)
		if !ok || !l.Contains(prevID) {
			return fmt.Errorf("%w: order %d is not in the list", ErrInvalidPosition, prevID)
		}
		if betterRate(src, dst, prev.SrcAmount, prev.DstAmount) {
			return fmt.Errorf("%w: new order beats predecessor %d", ErrInvalidPosition, prevID)
		}
		nextID = prev.NextID
	}
	if nextID != l.tailID {
		next := l.get(nextID)
		if betterRate(next.SrcAmount, next.DstAmount, src, dst) {
			return fmt.Errorf("%w: successor %d beats the new order", ErrInvalidPosition, nextID)
		}
	}
	return nil
}

// InsertAfter splices o into the list right after prevID. The position must
// already be resolved by FindPosition or checked by ValidateInsertAfter.
func (l *List) InsertAfter(prevID uint64, o *Order) {
	prev := l.get(prevID)
	next := l.get(prev.NextID)
	o.PrevID = prev.ID
	o.NextID = next.ID
	prev.NextID = o.ID
	next.PrevID = o.ID
	l.arena.Put(o)
	l.members[o.ID] = struct{}{}
}

// Remove unsplices id and zeroes its links. The record stays in the arena
// for audit queries; once zeroed it can never re-enter a list.
func (l *List) Remove(id uint64) (*Order, error) {
	if id == l.headID || id == l.tailID {
		return nil, fmt.Errorf("%w: id %d is a sentinel", ErrNotFound, id)
	}
	if !l.Contains(id) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	o := l.get(id)
	prev := l.get(o.PrevID)
	next := l.get(o.NextID)
	prev.NextID = o.NextID
	next.PrevID = o.PrevID
	o.PrevID = 0
	o.NextID = 0
	delete(l.members, id)
	return o, nil
}

// PositionUnchanged reports whether o could take the new legs without
// moving: its predecessor must still be at least as good and its successor
// still no better.
func (l *List) PositionUnchanged(o *Order, newSrc, newDst *uint256.Int) bool {
	if o.PrevID != l.headID {
		prev := l.get(o.PrevID)
		if betterRate(newSrc, newDst, prev.SrcAmount, prev.DstAmount) {
			return false
		}
	}
	if o.NextID != l.tailID {
		next := l.get(o.NextID)
		if betterRate(next.SrcAmount, next.DstAmount, newSrc, newDst) {
			return false
		}
	}
	return true
}
