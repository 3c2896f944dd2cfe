// Copyright 2025 Certen Protocol

package observer

import (
	"errors"
	"testing"

	"github.com/certen/rollup-validator/pkg/builderrors"
)

func TestCheckContinuityAcceptsNextID(t *testing.T) {
	if err := checkContinuity(5, 6); err != nil {
		t.Fatalf("expected contiguous ids to be accepted, got %v", err)
	}
}

func TestCheckContinuityRejectsGap(t *testing.T) {
	err := checkContinuity(5, 8)
	if err == nil {
		t.Fatal("expected a gap to be rejected")
	}
	if !errors.Is(err, builderrors.ErrEventGapDetected) {
		t.Fatalf("expected ErrEventGapDetected, got %v", err)
	}
}

func TestCheckContinuityRejectsReplay(t *testing.T) {
	err := checkContinuity(5, 5)
	if err == nil {
		t.Fatal("expected a replayed id to be rejected")
	}
}
