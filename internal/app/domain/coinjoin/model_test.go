package coinjoin

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseSymbol(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		err  bool
	}{
		{"10", DenominationSmall, false},
		{"100", DenominationMedium, false},
		{"1k", DenominationLarge, false},
		{"10K", DenominationExtraLarge, false},
		{"25000000", 25_000_000, false},
		{"", 0, true},
		{"0", 0, true},
		{"abc", 0, true},
	}
	for _, tc := range tests {
		got, err := ParseSymbol(tc.in)
		if tc.err {
			if !errors.Is(err, ErrUnsupportedDenomination) {
				t.Fatalf("ParseSymbol(%q) err = %v, want unsupported", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseSymbol(%q) = %d, %v; want %d", tc.in, got, err, tc.want)
		}
	}
}

func TestSymbolRoundTrip(t *testing.T) {
	for _, d := range SupportedDenominations() {
		got, err := ParseSymbol(Symbol(d))
		if err != nil || got != d {
			t.Fatalf("round trip %d -> %q -> %d (%v)", d, Symbol(d), got, err)
		}
	}
	if Symbol(7) != "7" {
		t.Fatalf("Symbol(7) = %q", Symbol(7))
	}
	if IsSupportedDenomination(7) {
		t.Fatalf("7 should not be supported")
	}
}

func TestPoolParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		params PoolParams
		ok     bool
	}{
		{"defaults", DefaultPoolParams(DenominationSmall), true},
		{"min equals max", PoolParams{Denomination: 1, MinPoolSize: 2, MaxPoolSize: 2}, true},
		{"min above max", PoolParams{Denomination: 1, MinPoolSize: 4, MaxPoolSize: 3}, false},
		{"zero min", PoolParams{Denomination: 1, MinPoolSize: 0, MaxPoolSize: 3}, false},
		{"zero max", PoolParams{Denomination: 1, MinPoolSize: 1, MaxPoolSize: 0}, false},
		{"zero denomination", PoolParams{MinPoolSize: 1, MaxPoolSize: 3}, false},
		{"fee too high", PoolParams{Denomination: 1, FeeBps: 10_001, MinPoolSize: 1, MaxPoolSize: 3}, false},
	}
	for _, tc := range tests {
		err := tc.params.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidBounds) {
			t.Fatalf("%s: err = %v, want ErrInvalidBounds", tc.name, err)
		}
	}
}

func TestCategoryOf(t *testing.T) {
	wrapped := fmt.Errorf("%w: insufficient balance", ErrTransferFailed)
	if CategoryOf(wrapped) != CategoryCollaborator {
		t.Fatalf("wrapped transfer failure should be collaborator, got %s", CategoryOf(wrapped))
	}
	if !IsRecoverable(ErrPoolFull) {
		t.Fatalf("pool full should be recoverable")
	}
	if IsRecoverable(ErrVaultUnderflow) {
		t.Fatalf("vault underflow should not be recoverable")
	}
	if CategoryOf(errors.New("other")) != CategoryUnknown {
		t.Fatalf("unrelated errors are unknown")
	}
}

func TestCommitIsDeterministic(t *testing.T) {
	a := Commit("dep-1", "addr")
	if a != Commit("dep-1", "addr") {
		t.Fatalf("commitment not deterministic")
	}
	if a == Commit("dep-2", "addr") || a == Commit("dep-1", "other") {
		t.Fatalf("commitment must bind both inputs")
	}
	if len(a) != 64 {
		t.Fatalf("commitment length = %d, want 64 hex chars", len(a))
	}
}

func TestDepositRecordExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := DepositRecord{ExpiresAt: now}
	if !rec.Expired(now) {
		t.Fatalf("record expiring now must be expired")
	}
	if rec.Expired(now.Add(-time.Second)) {
		t.Fatalf("record must be live before expiry")
	}
}
