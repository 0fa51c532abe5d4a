package terrain

import (
	"errors"

	"github.com/Faultbox/midgard-terrain/pkg/heightmap"
)

// Terrain errors. Test with errors.Is.
var (
	// ErrFormatMismatch reports a magic token, declared format or index that
	// disagrees with what the reader expected.
	ErrFormatMismatch = errors.New("terrain format mismatch")

	// ErrCorruptZoneData reports an unusable zone header or data block.
	// errors.Is(ErrCorruptZoneData, ErrFormatMismatch) holds.
	ErrCorruptZoneData = subError("corrupt zone data", ErrFormatMismatch)

	// ErrMissingFile reports a tile data file that could not be opened.
	ErrMissingFile = errors.New("terrain data file missing")

	// ErrUnsupportedFormat reports a heightmap format with no registered codec.
	ErrUnsupportedFormat = heightmap.ErrUnsupportedFormat

	// ErrPrecondition reports a call made in a state that forbids it.
	ErrPrecondition = errors.New("terrain precondition violated")

	// ErrCounterUnderflow reports a release of a counter that is already zero.
	ErrCounterUnderflow = subError("usage counter already zero", ErrPrecondition)

	// ErrNoRenderer reports renderer work on a zone without a renderer.
	ErrNoRenderer = subError("zone has no renderer", ErrPrecondition)
)

// kindError is a sentinel that also matches a broader sentinel.
type kindError struct {
	msg    string
	parent error
}

func subError(msg string, parent error) error {
	return &kindError{msg: msg, parent: parent}
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.parent }
