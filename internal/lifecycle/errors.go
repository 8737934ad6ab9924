package lifecycle

import "errors"

var (
	// ErrInvalidCadence means the renewal interval is "custom" with no
	// explicit duration, or a supplied cadence was not positive. Bad
	// cadence configuration is surfaced, never defaulted: a silently
	// substituted schedule turns into missed or duplicated charges.
	ErrInvalidCadence = errors.New("invalid cadence")

	// ErrInvalidStartDate means auto-renew was enabled with a start date
	// in the past. Renewal must always be scheduled forward.
	ErrInvalidStartDate = errors.New("renewal start date is in the past")

	// ErrUnknownOptimizerType means an optimizer was created with a type
	// outside the four known strategies.
	ErrUnknownOptimizerType = errors.New("unknown optimizer type")

	// ErrVariantNotFound means a best-performing-variant pointer references
	// an id that is not among the optimizer's variants.
	ErrVariantNotFound = errors.New("variant not found")
)
