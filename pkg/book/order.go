package book

import (
	"errors"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Side selects which half of the book an order rests on.
type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// MaxAmount is the largest leg amount an order may carry. Capping legs at
// 128 bits keeps every cross product of the rate comparator inside 256 bits.
var MaxAmount = uint256.MustFromHex("0xffffffffffffffffffffffffffffffff")

// Order is one record in the arena. PrevID/NextID are the intrusive list
// links; both are zero once the order has been removed. Removed records stay
// in the arena so old ids remain queryable, but a zeroed record can never be
// respliced into a list.
type Order struct {
	ID        uint64         `json:"id"`
	Maker     common.Address `json:"maker"`
	SrcAmount *uint256.Int   `json:"srcAmount"`
	DstAmount *uint256.Int   `json:"dstAmount"`
	PrevID    uint64         `json:"prevId"`
	NextID    uint64         `json:"nextId"`
}

// Linked reports whether the order is currently spliced into a list.
func (o *Order) Linked() bool {
	return o.PrevID != 0 || o.NextID != 0
}

// Arena owns every order record, keyed by id. Ids are handed out
// monotonically and never reused, including across removals, so a stale id
// can never alias a newer order. Sentinel records for each list side are
// allocated from the same id space.
//
// The arena is not synchronized; callers serialize access (the reserve holds
// one mutex across every mutating operation).
type Arena struct {
	orders map[uint64]*Order
	nextID uint64
}

// NewArena creates an empty arena. Id 0 is reserved as the null link.
func NewArena() *Arena {
	return &Arena{
		orders: make(map[uint64]*Order),
		nextID: 1,
	}
}

// AllocateIDs reserves count consecutive ids and returns the first. Each
// call returns a range disjoint from every earlier one. The watermark never
// wraps: a count that would overflow it is rejected, keeping ids unique
// forever.
func (a *Arena) AllocateIDs(count uint64) (uint64, error) {
	if count == 0 {
		return 0, errors.New("allocate: count must be positive")
	}
	if count > math.MaxUint64-a.nextID {
		return 0, errors.New("allocate: id space exhausted")
	}
	first := a.nextID
	a.nextID += count
	return first, nil
}

// Get returns the record for id, live or removed.
func (a *Arena) Get(id uint64) (*Order, bool) {
	o, ok := a.orders[id]
	return o, ok
}

// Put installs a record under its id. Used on insert and during recovery.
func (a *Arena) Put(o *Order) {
	a.orders[o.ID] = o
}

// NextID returns the next id the allocator would hand out.
func (a *Arena) NextID() uint64 {
	return a.nextID
}

// SetNextID restores the allocator watermark after a reload. The watermark
// only moves forward; ids below it may belong to persisted records.
func (a *Arena) SetNextID(id uint64) {
	if id > a.nextID {
		a.nextID = id
	}
}
