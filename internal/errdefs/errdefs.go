package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrInitialization reports that accelerator weight tables could not be populated.
	ErrInitialization = errors.New("accelerator initialization failed")
	// ErrDimensionMismatch reports a vector whose length violates a stage contract.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrDecode reports an empty or invalid logits/vocabulary pairing.
	ErrDecode = errors.New("decode failed")
	// ErrDeviceClosed is returned by kernels invoked after the device was released.
	ErrDeviceClosed = errors.New("accelerator device closed")
	// ErrNoAudio reports a request that carries no audio to extract from.
	ErrNoAudio = errors.New("no audio")
)

// DimensionMismatch wraps ErrDimensionMismatch with the stage and lengths involved.
func DimensionMismatch(stage string, want, got int) error {
	return fmt.Errorf("%s: expected length %d, got %d: %w", stage, want, got, ErrDimensionMismatch)
}
