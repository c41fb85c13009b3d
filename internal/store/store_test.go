package store

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrorsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrDuplicateTransaction,
		ErrConcurrentModification,
		ErrInsufficientCredits,
		ErrJobNotFound,
		ErrInvalidTransition,
		ErrProviderJobAttached,
		ErrNotOwner,
		ErrNotOrderable,
		ErrStaleOrder,
	}

	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && errors.Is(a, b) {
				t.Errorf("Expected %q and %q to be distinct", a, b)
			}
		}
	}
}

func TestSentinelErrorsSurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("balance update failed - %w", ErrConcurrentModification)
	if !errors.Is(wrapped, ErrConcurrentModification) {
		t.Errorf("Expected wrapped error to match ErrConcurrentModification, got %v", wrapped)
	}
}
