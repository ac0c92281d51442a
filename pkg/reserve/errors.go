package reserve

import "errors"

var (
	// ErrOrderTooSmall rejects adds and updates whose quote-leg value is
	// below the current minimum order value.
	ErrOrderTooSmall = errors.New("order value below minimum")
	// ErrMakerOrderLimit caps the number of live orders per maker.
	ErrMakerOrderLimit = errors.New("maker order limit reached")
	// ErrArityMismatch rejects batch calls whose parallel slices differ in
	// length, before any entry is applied.
	ErrArityMismatch = errors.New("batch slice lengths differ")
	// ErrTooManyOrdersToFill aborts a take that would traverse more resting
	// orders than the configured ceiling. Nothing is consumed.
	ErrTooManyOrdersToFill = errors.New("trade would cross too many orders")
)
